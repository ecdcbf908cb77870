package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"gitea.jw6.us/james/calsched/internal/app"
	"gitea.jw6.us/james/calsched/internal/caldoc"
	"gitea.jw6.us/james/calsched/internal/importer"
)

// ImportOutcome is the result for one file.
type ImportOutcome struct {
	File   string           `json:"file"`
	Result *importer.Result `json:"result,omitempty"`
	Error  string           `json:"error,omitempty"`
}

type importOptions struct {
	wait    time.Duration
	migrate bool
}

// NewImportCommand creates the import command.
func NewImportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &importOptions{}
	cmd := &cobra.Command{
		Use:   "import <file.ics>...",
		Short: "Import calendar files",
		Long: `Import one or more iCalendar files. Each file must carry a SOURCE property
naming the target collection, e.g.

  SOURCE;VALUE=URI:https://host/calendars/__uids__/<uid>/<collection>/

After all files are imported the command waits up to --wait for queued
participant deliveries to finish.`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runImport(cmd, rootOpts, opts, args)
		},
	}
	cmd.Flags().DurationVar(&opts.wait, "wait", 60*time.Second, "how long to wait for deliveries to drain (0 skips waiting)")
	cmd.Flags().BoolVar(&opts.migrate, "migrate", true, "apply pending database migrations first")
	return cmd
}

func runImport(cmd *cobra.Command, rootOpts *RootOptions, opts *importOptions, files []string) error {
	cfg, err := rootOpts.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := cmd.Context()
	logger := rootOpts.logger(cfg)

	a, err := app.Build(ctx, cfg, logger, opts.migrate)
	if err != nil {
		return err
	}
	defer a.Close()
	a.Start(ctx)

	outcomes := make([]ImportOutcome, 0, len(files))
	failed := 0
	for _, file := range files {
		res, err := importFile(cmd, a, file)
		out := ImportOutcome{File: file, Result: res}
		if err != nil {
			out.Error = err.Error()
			failed++
		}
		outcomes = append(outcomes, out)
	}

	if opts.wait > 0 {
		if err := a.Drain(ctx, opts.wait); err != nil {
			logger.Warn(ctx, "deliveries still pending", "error", err)
		}
	}
	if a.Queue != nil {
		if dead := a.Queue.DeadLetters(); len(dead) > 0 {
			logger.Warn(ctx, "some deliveries failed permanently", "count", len(dead))
		}
	}

	if err := writeOutcomes(cmd.OutOrStdout(), rootOpts.Format, outcomes); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d imports failed", failed, len(files))
	}
	return nil
}

func importFile(cmd *cobra.Command, a *app.App, path string) (*importer.Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := caldoc.ParseDocument(f)
	if err != nil {
		return nil, err
	}
	return a.Importer.Import(cmd.Context(), doc)
}

func writeOutcomes(w io.Writer, format string, outcomes []ImportOutcome) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(outcomes)
	}

	var errs []error
	for _, o := range outcomes {
		if o.Error != "" {
			_, err := fmt.Fprintf(w, "%s: FAILED: %s\n", o.File, o.Error)
			errs = append(errs, err)
			continue
		}
		r := o.Result
		_, err := fmt.Fprintf(w, "%s: %s/%s objects=%d created=%d updated=%d deliveries=%d\n",
			o.File, r.Principal, r.Collection, r.Objects, r.Created, r.Updated, r.Deliveries.Planned)
		errs = append(errs, err)
		for _, warn := range r.Warnings {
			_, err := fmt.Fprintf(w, "  warning: %s %s %s\n", warn.Kind, warn.UID, warn.Detail)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
