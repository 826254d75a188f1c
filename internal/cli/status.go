package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/BrandonDHaskell/paxcount/device/internal/config"
	"github.com/BrandonDHaskell/paxcount/device/internal/db"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store/file"
	"github.com/BrandonDHaskell/paxcount/device/internal/paxcount/store/sqlite"
)

const statusJournalLimit = 5

type StatusOptions struct {
	*RootOptions
	Lang string
}

// storageReport is what status prints. It is read from the data directory
// only; no network access.
type storageReport struct {
	DataDir     string          `json:"data_dir"`
	Log         store.LogStats  `json:"log"`
	TokenExpiry *time.Time      `json:"token_expiry,omitempty"`
	Recent      []attemptReport `json:"recent_attempts,omitempty"`
}

type attemptReport struct {
	Kind      string    `json:"kind"`
	StartedAt time.Time `json:"started_at"`
	OK        bool      `json:"ok"`
	Count     int       `json:"event_count,omitempty"`
	Error     string    `json:"error,omitempty"`
}

func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StatusOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show event log and token state from the data directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			report, err := collectStatus(cmd.Context(), config.FromEnv())
			if err != nil {
				return err
			}
			if opts.Format == "json" {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			return printStatus(cmd.OutOrStdout(), report, opts.Lang, time.Now())
		},
	}

	cmd.Flags().StringVar(&opts.Lang, "lang", "en", "language for number formatting")

	return cmd
}

func collectStatus(ctx context.Context, cfg config.Config) (storageReport, error) {
	report := storageReport{DataDir: cfg.DataDir}

	l, done, err := openLog(ctx, cfg)
	if err != nil {
		return report, err
	}
	report.Log = l.Stats()
	done()

	tok, err := file.NewTokenFile(cfg.DataDir).LoadToken(ctx)
	switch {
	case err == nil:
		exp := tok.Expiry()
		report.TokenExpiry = &exp
	case !errors.Is(err, store.ErrNoToken):
		return report, err
	}

	// The journal is optional; never create a database just to report on it.
	if _, err := os.Stat(cfg.DBPath); err == nil {
		sqlDB, err := db.Open(ctx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
		if err != nil {
			return report, err
		}
		defer sqlDB.Close()
		attempts, err := sqlite.NewSyncJournal(sqlDB, nil).Recent(ctx, statusJournalLimit)
		if err != nil {
			return report, err
		}
		for _, a := range attempts {
			report.Recent = append(report.Recent, attemptReport{
				Kind:      string(a.Kind),
				StartedAt: a.StartedAt,
				OK:        a.OK,
				Count:     a.Count,
				Error:     a.Error,
			})
		}
	}
	return report, nil
}

func printStatus(w io.Writer, r storageReport, lang string, now time.Time) error {
	tag, err := language.Parse(lang)
	if err != nil {
		tag = language.English
	}
	p := message.NewPrinter(tag)

	p.Fprintf(w, "data dir:   %s\n", r.DataDir)
	p.Fprintf(w, "event log:  %s, %d of %d events (%.1f%% full)\n", r.Log.Backend, r.Log.Count, r.Log.Capacity, r.Log.Usage()*100)
	p.Fprintf(w, "unsynced:   %d\n", r.Log.Unsynced)
	p.Fprintf(w, "next id:    %d\n", r.Log.NextLocalID)
	fmt.Fprintf(w, "size:       %s\n", humanize.IBytes(uint64(max(r.Log.SizeBytes, 0))))

	switch {
	case r.TokenExpiry == nil:
		fmt.Fprintln(w, "token:      none")
	case r.TokenExpiry.After(now):
		fmt.Fprintf(w, "token:      expires %s\n", humanize.RelTime(*r.TokenExpiry, now, "ago", "from now"))
	default:
		fmt.Fprintf(w, "token:      expired %s\n", humanize.RelTime(*r.TokenExpiry, now, "ago", "from now"))
	}

	if len(r.Recent) > 0 {
		fmt.Fprintln(w, "recent sync attempts:")
		for _, a := range r.Recent {
			result := "ok"
			if !a.OK {
				result = "failed: " + a.Error
			}
			when := humanize.RelTime(a.StartedAt, now, "ago", "from now")
			if a.Count > 0 {
				p.Fprintf(w, "  %-7s %s, %d events, %s\n", a.Kind, when, a.Count, result)
			} else {
				fmt.Fprintf(w, "  %-7s %s, %s\n", a.Kind, when, result)
			}
		}
	}
	return nil
}
