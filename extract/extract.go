// Package extract unpacks password-protected sample archives with an external
// 7-Zip binary, moving work from the archive queue to the sample queue.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"fuzzycollector/config"
	"fuzzycollector/logger"
	"fuzzycollector/staging"
	"fuzzycollector/tracing"

	"github.com/h2non/filetype"
)

// ArchiveExt is the suffix of queued archives.
const ArchiveExt = "zip"

// sniffLen covers every archive magic number filetype knows about.
const sniffLen = 262

// ExtractionError reports a single archive that could not be unpacked.
type ExtractionError struct {
	Archive  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExtractionError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "extract %s", e.Archive)
	if e.ExitCode != 0 {
		fmt.Fprintf(&b, ": exit status %d", e.ExitCode)
	}
	if e.Stderr != "" {
		fmt.Fprintf(&b, ": %s", e.Stderr)
	}
	if e.Err != nil && e.ExitCode == 0 {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// Runner executes the extraction tool. It returns captured stderr alongside
// any error.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stderr.Bytes(), err
}

// Summary counts one extraction pass.
type Summary struct {
	Extracted int
	Failed    int
}

func (s Summary) Counts() map[string]int {
	return map[string]int{"extracted": s.Extracted, "failed": s.Failed}
}

type Extractor struct {
	runner     Runner
	tool       string
	password   string
	archives   *staging.Queue
	samples    *staging.Queue
	keepFailed bool
}

// New returns an extractor draining archives into samples. A nil runner uses
// ExecRunner.
func New(cfg *config.Config, runner Runner, archives, samples *staging.Queue) *Extractor {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Extractor{
		runner:     runner,
		tool:       cfg.SevenZipPath,
		password:   cfg.ArchivePassword,
		archives:   archives,
		samples:    samples,
		keepFailed: cfg.KeepFailedArchives,
	}
}

// IsArchive reports whether head starts with a known archive magic number.
func IsArchive(head []byte) bool {
	if len(head) > sniffLen {
		head = head[:sniffLen]
	}
	return filetype.IsArchive(head)
}

// Args builds the 7-Zip command line: extract with full paths into dir,
// overwrite existing files, never prompt.
func Args(archive, dir, password string) []string {
	return []string{"x", archive, "-o" + dir, "-aoa", "-p" + password, "-y"}
}

// Extract unpacks one queued archive into the sample queue directory.
func (e *Extractor) Extract(ctx context.Context, item staging.Item) error {
	defer tracing.StartRegion(ctx, "extract_archive")()

	if e.tool == "" {
		return &ExtractionError{Archive: item.Name, Err: errors.New("7-Zip path is not configured")}
	}
	head, err := e.archives.Head(item, sniffLen)
	if err != nil {
		return &ExtractionError{Archive: item.Name, Err: err}
	}
	if !IsArchive(head) {
		return &ExtractionError{Archive: item.Name, Err: errors.New("payload is not an archive")}
	}

	stderr, err := e.runner.Run(ctx, e.tool, Args(item.Path, e.samples.Dir(), e.password)...)
	if err != nil {
		xerr := &ExtractionError{Archive: item.Name, Stderr: strings.TrimSpace(string(stderr)), Err: err}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			xerr.ExitCode = exitErr.ExitCode()
		}
		return xerr
	}
	return nil
}

// Run extracts every queued archive. Extracted archives are acked; failed
// ones stay queued when keep_failed_archives is set.
func (e *Extractor) Run(ctx context.Context) (Summary, error) {
	ctx, endTask := tracing.StartTask(ctx, "extract")
	defer endTask()

	var sum Summary
	items, err := e.archives.Pending(ArchiveExt)
	if err != nil {
		return sum, err
	}
	for _, item := range items {
		if ctx.Err() != nil {
			logger.Warnf("Extraction interrupted: %v", ctx.Err())
			break
		}
		entry := logger.WithField("archive", item.Name)
		if err := e.Extract(ctx, item); err != nil {
			entry.Warnf("Extract failed: %v", err)
			sum.Failed++
			if !e.keepFailed {
				if aerr := e.archives.Ack(item); aerr != nil {
					entry.Warnf("Failed to remove archive: %v", aerr)
				}
			}
			continue
		}
		entry.Info("Extracted")
		sum.Extracted++
		if err := e.archives.Ack(item); err != nil {
			entry.Warnf("Failed to remove archive: %v", err)
		}
	}
	logger.Infof("Extract summary: extracted=%d failed=%d", sum.Extracted, sum.Failed)
	return sum, nil
}
