package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BrandonDHaskell/paxcount/device/internal/config"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store/file"
)

func NewCompactCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Drop synced events from the event log",
		Long: `Run one compaction pass over the event log. Only events already
acknowledged by the server are removed. Refuses to run while the device
process holds the data directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			before, after, err := compactLog(cmd.Context(), config.FromEnv())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "compacted: %d -> %d events (%d unsynced)\n", before, after.Count, after.Unsynced)
			return nil
		},
	}
}

type ResetOptions struct {
	*RootOptions
	Yes bool
}

func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResetOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the event log and the persisted token",
		Long: `Delete every buffered event, synced or not, and the persisted
access token. Local ids keep increasing so the server never sees a reused id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !opts.Yes {
				return fmt.Errorf("reset discards unsynced events; pass --yes to confirm")
			}
			if err := resetDevice(cmd.Context(), config.FromEnv()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "event log and token cleared")
			return nil
		},
	}

	cmd.Flags().BoolVar(&opts.Yes, "yes", false, "confirm the reset")

	return cmd
}

// openLog takes the data-dir lock and opens the event log. Opening may
// repair the files, so it never runs beside a live device process.
func openLog(ctx context.Context, cfg config.Config) (*file.EventLog, func(), error) {
	lock, err := file.LockDir(cfg.DataDir)
	if errors.Is(err, file.ErrLocked) {
		return nil, nil, fmt.Errorf("%w; stop the device or use its local API", err)
	}
	if err != nil {
		return nil, nil, err
	}

	l, err := file.Open(ctx, file.Options{Dir: cfg.DataDir, Capacity: cfg.MaxEvents, CopyBufferSize: cfg.CopyBufferSize})
	if err != nil {
		_ = lock.Release()
		return nil, nil, fmt.Errorf("open event log: %w", err)
	}
	return l, func() {
		_ = l.Close()
		_ = lock.Release()
	}, nil
}

func compactLog(ctx context.Context, cfg config.Config) (before int, after store.LogStats, err error) {
	l, done, err := openLog(ctx, cfg)
	if err != nil {
		return 0, store.LogStats{}, err
	}
	defer done()

	before = l.Count()
	if err := l.Compact(ctx); err != nil {
		return before, store.LogStats{}, fmt.Errorf("compact: %w", err)
	}
	return before, l.Stats(), nil
}

func resetDevice(ctx context.Context, cfg config.Config) error {
	l, done, err := openLog(ctx, cfg)
	if err != nil {
		return err
	}
	defer done()

	if err := l.Clear(ctx); err != nil {
		return fmt.Errorf("clear event log: %w", err)
	}
	if err := file.NewTokenFile(cfg.DataDir).DeleteToken(ctx); err != nil {
		return err
	}
	return nil
}
