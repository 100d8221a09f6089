package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"fuzzycollector/config"
	"fuzzycollector/logger"
	"fuzzycollector/output"
	"fuzzycollector/pipeline"
	"fuzzycollector/staging"
	"fuzzycollector/tracing"
	"fuzzycollector/version"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var errNotRecorded = errors.New("hash not recorded")

type app struct {
	out  io.Writer
	fs   afero.Fs
	deps pipeline.Deps
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "fuzzycollector",
		Short:         "Collect malware samples and record their TLSH fuzzy hashes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	config.BindFlags(root.PersistentFlags())

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Collect, extract and hash in one pass",
			Args:  cobra.NoArgs,
			RunE:  a.withPipeline(a.run),
		},
		&cobra.Command{
			Use:   "collect",
			Short: "Download unseen samples into staging",
			Args:  cobra.NoArgs,
			RunE:  a.withPipeline(a.collect),
		},
		&cobra.Command{
			Use:   "extract",
			Short: "Extract staged archives",
			Args:  cobra.NoArgs,
			RunE:  a.withPipeline(a.extract),
		},
		&cobra.Command{
			Use:   "process",
			Short: "Hash staged samples into the ledger",
			Args:  cobra.NoArgs,
			RunE:  a.withPipeline(a.process),
		},
		&cobra.Command{
			Use:   "lookup <sha256>",
			Short: "Print the ledger row for a content hash",
			Args:  cobra.ExactArgs(1),
			RunE:  a.withPipeline(a.lookup),
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(a.out, "fuzzycollector %s\n", version.Version)
			},
		},
	)
	return root
}

type stageFunc func(cmd *cobra.Command, p *pipeline.Pipeline, args []string) error

// withPipeline loads configuration, starts tracing and the optional OTLP
// mirror and builds the pipeline before running fn.
func (a *app) withPipeline(fn stageFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cmd.Flags())
		if err != nil {
			return err
		}
		logger.Init(cfg.LogLevel)

		if err := tracing.Start(cfg.TraceFile); err != nil {
			logger.Warnf("Failed to start trace: %v", err)
		} else {
			defer tracing.Stop()
		}

		deps := a.deps
		if deps.RunID == "" {
			deps.RunID = uuid.NewString()
		}
		exporter, err := output.NewExporter(cfg, deps.RunID)
		if err != nil {
			logger.Warnf("OTLP export disabled: %v", err)
		}
		if exporter != nil {
			defer exporter.Shutdown()
			if deps.Recorder == nil {
				deps.Recorder = exporter
			}
			logger.Infof("Mirroring ledger records to %s", exporter.Endpoint())
		}

		p, err := pipeline.New(cfg, a.fs, deps)
		if err != nil {
			return err
		}
		logger.WithField("run_id", p.RunID()).Debugf("Ledger %s holds %d hashes", p.Ledger().Path(), p.Ledger().Len())
		return fn(cmd, p, args)
	}
}

func (a *app) run(cmd *cobra.Command, p *pipeline.Pipeline, _ []string) error {
	report, err := p.Run(cmd.Context())
	if report != nil {
		fmt.Fprintf(a.out, "run %s: %s\n", report.RunID, report)
	}
	return err
}

func (a *app) collect(cmd *cobra.Command, p *pipeline.Pipeline, _ []string) error {
	sum := p.Collect(cmd.Context())
	fmt.Fprintf(a.out, "retrieved=%d duplicates=%d malformed=%d downloaded=%d failed=%d\n",
		sum.Retrieved, sum.Duplicates, sum.Malformed, sum.Downloaded, sum.Failed)
	return nil
}

func (a *app) extract(cmd *cobra.Command, p *pipeline.Pipeline, _ []string) error {
	sum, err := p.Extract(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "extracted=%d failed=%d\n", sum.Extracted, sum.Failed)
	return nil
}

func (a *app) process(cmd *cobra.Command, p *pipeline.Pipeline, _ []string) error {
	sum, err := p.Process(cmd.Context())
	fmt.Fprintf(a.out, "added=%d skipped=%d\n", sum.Added, sum.Skipped)
	return err
}

func (a *app) lookup(cmd *cobra.Command, p *pipeline.Pipeline, args []string) error {
	if !staging.ValidHash(args[0]) {
		return fmt.Errorf("invalid content hash %q", args[0])
	}
	rec, ok, err := p.Ledger().Lookup(args[0])
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w in %s", args[0], errNotRecorded, p.Ledger().Path())
	}
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(rec)
}
