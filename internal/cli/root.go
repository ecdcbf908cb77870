// Package cli implements the calimport command line tool.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gitea.jw6.us/james/calsched/internal/config"
	"gitea.jw6.us/james/calsched/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	loadConfig func() (*config.Config, error)
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for calimport.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{loadConfig: config.Load})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calimport",
		Short: "Import calendar documents and deliver scheduling copies",
		Long: `calimport writes iCalendar documents into the collection named by their
SOURCE property and delivers copies of scheduled events to every participant.

Configuration is read from APP_* environment variables and APP_CONFIG_FILE,
the same way the server reads it.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewImportCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewPushCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// logger writes to stderr so JSON output on stdout stays clean.
func (o *RootOptions) logger(cfg *config.Config) logging.Logger {
	level := cfg.Log.Level
	if o.Verbose {
		level = "debug"
	}
	return logging.New(os.Stderr, cfg.Log.Format, level)
}
