// Package pipeline wires the collector, extractor and processor for one file
// type and runs them in order.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"fuzzycollector/catalog"
	"fuzzycollector/collector"
	"fuzzycollector/config"
	"fuzzycollector/extract"
	"fuzzycollector/fuzzy"
	"fuzzycollector/ledger"
	"fuzzycollector/logger"
	"fuzzycollector/output"
	"fuzzycollector/processor"
	"fuzzycollector/staging"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Deps overrides collaborators. Zero values select the production ones.
type Deps struct {
	Catalog  collector.Catalog
	Runner   extract.Runner
	Hasher   fuzzy.Hasher
	Recorder output.Recorder
	RunID    string
}

// Report summarises a run. Stages that did not run are nil.
type Report struct {
	RunID    string
	FileType string
	Started  time.Time
	Finished time.Time
	Collect  *collector.Summary
	Extract  *extract.Summary
	Process  *processor.Summary
}

type Pipeline struct {
	cfg       *config.Config
	runID     string
	log       *logrus.Entry
	ledger    *ledger.Ledger
	archives  *staging.Queue
	samples   *staging.Queue
	collector *collector.Collector
	extractor *extract.Extractor
	processor *processor.Processor
	recorder  output.Recorder
}

// New opens the ledger and staging queues under cfg and assembles the stages.
func New(cfg *config.Config, fs afero.Fs, deps Deps) (*Pipeline, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	runID := deps.RunID
	if runID == "" {
		runID = uuid.NewString()
	}

	l, err := ledger.Open(fs, cfg.LedgerPath())
	if err != nil {
		return nil, err
	}
	samples, err := staging.NewQueue(fs, cfg.StagingDir)
	if err != nil {
		return nil, err
	}
	archives := samples
	if cfg.RequiresExtraction {
		if archives, err = staging.NewQueue(fs, cfg.ArchiveDir); err != nil {
			return nil, err
		}
	}

	cat := deps.Catalog
	if cat == nil {
		cat = catalog.NewClient(cfg)
	}
	hasher := deps.Hasher
	if hasher == nil {
		h, ok := fuzzy.Lookup("tlsh")
		if !ok {
			return nil, fmt.Errorf("no fuzzy hasher registered as tlsh (available: %v)", fuzzy.Available())
		}
		hasher = h
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = output.Discard{}
	}

	snapshots := output.NewSnapshotWriter(fs, cfg.SnapshotDir(), cfg.FileType, cfg.MetadataNaming)
	p := &Pipeline{
		cfg:       cfg,
		runID:     runID,
		log:       logger.WithFields(logrus.Fields{"run_id": runID, "file_type": cfg.FileType}),
		ledger:    l,
		archives:  archives,
		samples:   samples,
		collector: collector.New(cfg, cat, l, archives, snapshots),
		processor: processor.New(l, samples, hasher, cfg.FileType, recorder, processor.Options{
			MinSize:  cfg.MinHashSize,
			Progress: cfg.Progress,
		}),
		recorder: recorder,
	}
	if cfg.RequiresExtraction {
		p.extractor = extract.New(cfg, deps.Runner, archives, samples)
	}
	return p, nil
}

func (p *Pipeline) RunID() string { return p.runID }

func (p *Pipeline) Ledger() *ledger.Ledger { return p.ledger }

// Collect stages unseen catalog samples.
func (p *Pipeline) Collect(ctx context.Context) collector.Summary {
	p.log.Info("Collecting samples")
	sum := p.collector.Run(ctx)
	p.recorder.RecordSummary("collect", sum.Counts())
	return sum
}

// Extract unpacks queued archives. It is a no-op when extraction is disabled.
func (p *Pipeline) Extract(ctx context.Context) (extract.Summary, error) {
	if p.extractor == nil {
		return extract.Summary{}, nil
	}
	p.log.Info("Extracting archives")
	sum, err := p.extractor.Run(ctx)
	if err != nil {
		return sum, err
	}
	p.recorder.RecordSummary("extract", sum.Counts())
	return sum, nil
}

// Process hashes staged samples into the ledger.
func (p *Pipeline) Process(ctx context.Context) (processor.Summary, error) {
	p.log.Info("Hashing samples")
	sum, err := p.processor.Run(ctx)
	p.recorder.RecordSummary("process", sum.Counts())
	return sum, err
}

// Run executes collect, extract and process in order. A ledger write failure
// ends the run with the partial report.
func (p *Pipeline) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: p.runID, FileType: p.cfg.FileType, Started: time.Now().UTC()}
	defer func() { report.Finished = time.Now().UTC() }()

	collected := p.Collect(ctx)
	report.Collect = &collected

	if p.extractor != nil {
		extracted, err := p.Extract(ctx)
		if err != nil {
			return report, err
		}
		report.Extract = &extracted
	}

	processed, err := p.Process(ctx)
	report.Process = &processed
	if err != nil {
		return report, err
	}
	p.log.Infof("Run complete: %s", report)
	return report, nil
}

func (r *Report) String() string {
	s := ""
	if r.Collect != nil {
		s += fmt.Sprintf("downloaded=%d duplicates=%d ", r.Collect.Downloaded, r.Collect.Duplicates)
	}
	if r.Extract != nil {
		s += fmt.Sprintf("extracted=%d ", r.Extract.Extracted)
	}
	if r.Process != nil {
		s += fmt.Sprintf("added=%d skipped=%d", r.Process.Added, r.Process.Skipped)
	}
	return s
}
