// Package cli holds the paxcount-device commands.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Format string // "json" | "text"
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "paxcount-device",
		Short: "Passenger counter edge device",
		Long: `paxcount-device records passenger entries and exits, buffers them in a
durable event log and uploads them to the fleet server when connected.

Configuration is read from PAXCOUNT_* environment variables, optionally
layered over the YAML file named by PAXCOUNT_CONFIG_FILE.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCompactCommand(opts))
	cmd.AddCommand(NewResetCommand(opts))

	return cmd
}
