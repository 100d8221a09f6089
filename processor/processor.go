// Package processor drains the sample staging queue into the ledger. Every
// visited file is acked exactly once whatever the outcome, so a later pass
// never revisits it.
package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fuzzycollector/fuzzy"
	"fuzzycollector/ledger"
	"fuzzycollector/logger"
	"fuzzycollector/output"
	"fuzzycollector/staging"
	"fuzzycollector/tracing"
	"fuzzycollector/utils"
)

// FaultError wraps an unexpected failure while reading or hashing one file,
// including recovered panics.
type FaultError struct {
	File  string
	Cause interface{}
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("fault processing %s: %v", e.File, e.Cause)
}

func (e *FaultError) Unwrap() error {
	if err, ok := e.Cause.(error); ok {
		return err
	}
	return nil
}

// Ledger is the subset of *ledger.Ledger the processor needs.
type Ledger interface {
	Exists(contentHash string) bool
	Append(rec ledger.Record) error
}

// Summary counts one processing pass. Duplicates, undersized inputs and
// faults all count as skipped.
type Summary struct {
	Added   int
	Skipped int
}

func (s Summary) Counts() map[string]int {
	return map[string]int{"added": s.Added, "skipped": s.Skipped}
}

type Options struct {
	MinSize  int
	Progress bool
	Now      func() time.Time
}

type Processor struct {
	ledger   Ledger
	queue    *staging.Queue
	hasher   fuzzy.Hasher
	fileType string
	recorder output.Recorder
	minSize  int
	progress bool
	now      func() time.Time
}

// New returns a processor for one file type. recorder may be nil.
func New(l Ledger, queue *staging.Queue, hasher fuzzy.Hasher, fileType string, recorder output.Recorder, opts Options) *Processor {
	if recorder == nil {
		recorder = output.Discard{}
	}
	if opts.MinSize < fuzzy.MinInputSize {
		opts.MinSize = fuzzy.MinInputSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Processor{
		ledger:   l,
		queue:    queue,
		hasher:   hasher,
		fileType: fileType,
		recorder: recorder,
		minSize:  opts.MinSize,
		progress: opts.Progress,
		now:      opts.Now,
	}
}

type outcome int

const (
	added outcome = iota
	skipped
)

// Run performs one pass over the staging queue. Only a ledger write failure
// aborts the pass; it is returned as a *ledger.WriteError along with the
// counts so far.
func (p *Processor) Run(ctx context.Context) (Summary, error) {
	ctx, endTask := tracing.StartTask(ctx, "process")
	defer endTask()

	var sum Summary
	items, err := p.queue.Pending(p.fileType)
	if err != nil {
		return sum, err
	}

	bar := utils.NewProgress(len(items), "Hashing samples", p.progress)
	defer bar.Finish()

	for _, item := range items {
		if ctx.Err() != nil {
			logger.Warnf("Processing interrupted: %v", ctx.Err())
			break
		}
		res, err := p.processItem(ctx, item)
		if err != nil {
			// the item stays queued for the next pass
			logger.Errorf("Aborting pass: %v", err)
			p.logSummary(sum)
			return sum, err
		}
		if ackErr := p.queue.Ack(item); ackErr != nil {
			logger.WithField("file", item.Name).Warnf("Failed to remove staged file: %v", ackErr)
		}
		switch res {
		case added:
			sum.Added++
		case skipped:
			sum.Skipped++
		}
		_ = bar.Add(1)
	}
	p.logSummary(sum)
	return sum, nil
}

func (p *Processor) logSummary(sum Summary) {
	logger.Infof("Process summary: added=%d skipped=%d", sum.Added, sum.Skipped)
}

// processItem classifies one staged file. The returned error is non-nil only
// for ledger write failures.
func (p *Processor) processItem(ctx context.Context, item staging.Item) (outcome, error) {
	defer tracing.StartRegion(ctx, "hash_sample")()
	tracing.Log(ctx, "sha256", item.ContentHash)
	entry := logger.WithField("file", item.Name)

	if p.ledger.Exists(item.ContentHash) {
		entry.Info("Skipped, already hashed")
		return skipped, nil
	}

	digest, err := p.hashItem(item)
	if err != nil {
		if errors.Is(err, fuzzy.ErrInputTooSmall) {
			entry.Warnf("Skipped due to insufficient data: %v", err)
		} else {
			entry.Warnf("Skipped: %v", err)
		}
		return skipped, nil
	}

	rec := ledger.Record{
		SHA256:       item.ContentHash,
		FileName:     item.Name,
		FileType:     p.fileType,
		FuzzyHash:    digest,
		CalculatedAt: p.now().UTC(),
	}
	if err := p.ledger.Append(rec); err != nil {
		if errors.Is(err, ledger.ErrDuplicate) {
			entry.Info("Skipped, already hashed")
			return skipped, nil
		}
		var werr *ledger.WriteError
		if errors.As(err, &werr) {
			return skipped, err
		}
		entry.Warnf("Skipped: %v", err)
		return skipped, nil
	}
	entry.Infof("Hashed %s", digest)
	p.recorder.RecordSample(rec)
	return added, nil
}

// hashItem reads and hashes one file, converting panics into a FaultError.
func (p *Processor) hashItem(item staging.Item) (digest string, err error) {
	defer func() {
		if r := recover(); r != nil {
			digest, err = "", &FaultError{File: item.Name, Cause: r}
		}
	}()

	data, err := p.queue.Read(item)
	if err != nil {
		return "", &FaultError{File: item.Name, Cause: err}
	}
	if len(data) < p.minSize {
		return "", fmt.Errorf("%w: %d bytes, need %d", fuzzy.ErrInputTooSmall, len(data), p.minSize)
	}
	digest, err = p.hasher.HashBytes(data)
	if err != nil {
		if errors.Is(err, fuzzy.ErrInputTooSmall) {
			return "", err
		}
		return "", &FaultError{File: item.Name, Cause: err}
	}
	return digest, nil
}
