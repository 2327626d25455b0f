// Command importer extracts the DICOM header of an archive, validates it against a template and
// writes the error reports and metadata updates of every unit.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/macadamian/dicommeta/config"
	"github.com/macadamian/dicommeta/logger"
	"github.com/macadamian/dicommeta/pipeline"
	"github.com/macadamian/dicommeta/report"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

type flags struct {
	archive  string
	template string
	config   string
	output   string
	force    bool
	debug    bool
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:           "importer --archive <dicom.zip> --template <template.json>",
		Short:         "Import DICOM header metadata and validate it against a JSON Schema template",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd, f)
		},
	}

	cmd.Flags().StringVarP(&f.archive, "archive", "a", "", "DICOM zip archive or single DICOM file")
	cmd.Flags().StringVarP(&f.template, "template", "t", "", "JSON Schema validation template")
	cmd.Flags().StringVarP(&f.config, "config", "c", "", "YAML config file (defaults apply when omitted)")
	cmd.Flags().StringVarP(&f.output, "output", "o", "output", "directory for error reports, metadata and unit archives")
	cmd.Flags().BoolVar(&f.force, "force", false, "read files without DICOM preamble or file meta")
	cmd.Flags().BoolVar(&f.debug, "debug", false, "verbose logging")
	_ = cmd.MarkFlagRequired("archive")
	_ = cmd.MarkFlagRequired("template")

	return cmd
}

func run(cmd *cobra.Command, f flags) error {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("force") {
		cfg.ForceDicomRead = f.force
	}
	if cmd.Flags().Changed("debug") {
		cfg.Debug = f.debug
	}

	log, err := logger.New(cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Sync()

	in := pipeline.Inputs{Archive: f.archive, Template: f.template, Output: f.output}
	res, err := pipeline.Run(cmd.Context(), cfg, in, log, report.JSONSink{Dir: f.output})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d decoded, %d skipped, %d units\n", res.Archive, res.Decoded, len(res.Skipped), len(res.Units))
	for _, u := range res.Units {
		switch {
		case u.Err != nil:
			fmt.Fprintf(out, "  %s: failed: %v\n", u.Name, u.Err)
		case len(u.Report) > 0:
			fmt.Fprintf(out, "  %s: %d errors, see %s\n", u.Name, len(u.Report), u.ErrorFile)
		default:
			fmt.Fprintf(out, "  %s: ok\n", u.Name)
		}
	}

	if n := res.Failed(); n > 0 {
		return fmt.Errorf("%d of %d units failed", n, len(res.Units))
	}
	return nil
}
