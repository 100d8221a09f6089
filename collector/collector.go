// Package collector asks the catalog for recent samples of one file type,
// drops those the ledger already holds and stages the rest for extraction or
// hashing.
package collector

import (
	"bytes"
	"context"
	"strings"

	"fuzzycollector/catalog"
	"fuzzycollector/config"
	"fuzzycollector/ledger"
	"fuzzycollector/logger"
	"fuzzycollector/staging"
	"fuzzycollector/tracing"
	"fuzzycollector/utils"
)

// ArchiveExt is the staging suffix for payloads that still need extraction.
const ArchiveExt = "zip"

// Catalog is the subset of catalog.Client the collector needs.
type Catalog interface {
	QueryFileType(ctx context.Context, fileType string, limit int) (*catalog.FileTypeResponse, error)
	FetchFile(ctx context.Context, sha256 string) ([]byte, error)
}

// Seen answers membership against a point-in-time set of recorded hashes.
// *ledger.Index satisfies it.
type Seen interface {
	Contains(contentHash string) bool
}

// SeenSource hands out the snapshot used to filter one batch.
type SeenSource interface {
	Snapshot() *ledger.Index
}

// SnapshotSaver persists the raw catalog response.
type SnapshotSaver interface {
	Save(raw []byte) (string, error)
}

// Summary counts one collection pass.
type Summary struct {
	Retrieved  int
	Duplicates int
	Malformed  int
	Downloaded int
	Failed     int
}

func (s Summary) Counts() map[string]int {
	return map[string]int{
		"retrieved":  s.Retrieved,
		"duplicates": s.Duplicates,
		"malformed":  s.Malformed,
		"downloaded": s.Downloaded,
		"failed":     s.Failed,
	}
}

type Collector struct {
	catalog            Catalog
	seen               SeenSource
	queue              *staging.Queue
	snapshots          SnapshotSaver
	fileType           string
	limit              int
	requiresExtraction bool
	progress           bool
}

// New builds a collector. queue is the archive queue when extraction is
// required and the sample staging queue otherwise. snapshots may be nil.
func New(cfg *config.Config, cat Catalog, seen SeenSource, queue *staging.Queue, snapshots SnapshotSaver) *Collector {
	return &Collector{
		catalog:            cat,
		seen:               seen,
		queue:              queue,
		snapshots:          snapshots,
		fileType:           cfg.FileType,
		limit:              cfg.Limit,
		requiresExtraction: cfg.RequiresExtraction,
		progress:           cfg.Progress,
	}
}

// stagingExt is the suffix downloaded payloads are queued under.
func (c *Collector) stagingExt(fileType string) string {
	if c.requiresExtraction {
		return ArchiveExt
	}
	return fileType
}

// FetchCandidates returns up to limit content hashes tagged with fileType.
// Failures are logged and yield an empty result.
func (c *Collector) FetchCandidates(ctx context.Context, limit int, fileType string) []string {
	defer tracing.StartRegion(ctx, "fetch_candidates")()

	resp, err := c.catalog.QueryFileType(ctx, fileType, limit)
	if err != nil {
		logger.Warnf("Catalog query for %s failed: %v", fileType, err)
		return []string{}
	}
	if c.snapshots != nil && len(resp.Raw) > 0 {
		if _, err := c.snapshots.Save(resp.Raw); err != nil {
			logger.Warnf("Failed to save metadata snapshot: %v", err)
		}
	}

	hashes := make([]string, 0, len(resp.Data))
	for _, entry := range resp.Data {
		hashes = append(hashes, entry.SHA256)
	}
	if len(hashes) > limit && limit > 0 {
		hashes = hashes[:limit]
	}
	logger.Infof("%d samples retrieved from the catalog", len(hashes))
	return hashes
}

// FilterUnseen returns the candidates not present in seen, in input order.
// Malformed identifiers and repeats within the batch are dropped.
func FilterUnseen(candidates []string, seen Seen) []string {
	unseen, _, _ := filterUnseen(candidates, seen)
	return unseen
}

// filterUnseen also reports how many candidates were dropped as duplicates
// (recorded or repeated in the batch) and as malformed.
func filterUnseen(candidates []string, seen Seen) (unseen []string, duplicates, malformed int) {
	unseen = make([]string, 0, len(candidates))
	batch := make(map[string]struct{}, len(candidates))
	for _, raw := range candidates {
		h := strings.ToLower(strings.TrimSpace(raw))
		if !staging.ValidHash(h) {
			logger.Warnf("Ignoring malformed content hash %q", raw)
			malformed++
			continue
		}
		if _, dup := batch[h]; dup {
			duplicates++
			continue
		}
		batch[h] = struct{}{}
		if seen != nil && seen.Contains(h) {
			logger.Infof("Skipped duplicated content hash: %s", h)
			duplicates++
			continue
		}
		unseen = append(unseen, h)
	}
	return unseen, duplicates, malformed
}

// Materialize downloads one payload into the queue. It returns nil after
// logging when the fetch or the write fails.
func (c *Collector) Materialize(ctx context.Context, contentHash, fileType string) *staging.Item {
	defer tracing.StartRegion(ctx, "materialize")()

	entry := logger.WithField("sha256", contentHash)
	payload, err := c.catalog.FetchFile(ctx, contentHash)
	if err != nil {
		entry.Warnf("Failed to download sample: %v", err)
		return nil
	}

	item, err := c.queue.Enqueue(contentHash, c.stagingExt(fileType), bytes.NewReader(payload))
	if err != nil {
		entry.Warnf("Failed to stage sample: %v", err)
		return nil
	}
	entry.Infof("Downloaded %s", item.Path)
	return &item
}

// Run performs one collection pass. Single-item failures never abort it;
// cancelling ctx stops before the next download.
func (c *Collector) Run(ctx context.Context) Summary {
	ctx, endTask := tracing.StartTask(ctx, "collect")
	defer endTask()

	var sum Summary
	candidates := c.FetchCandidates(ctx, c.limit, c.fileType)
	sum.Retrieved = len(candidates)

	var seen Seen
	if c.seen != nil {
		seen = c.seen.Snapshot()
	}
	var unseen []string
	unseen, sum.Duplicates, sum.Malformed = filterUnseen(candidates, seen)

	if len(unseen) == 0 {
		logger.Infof("Collect summary: retrieved=%d duplicates=%d malformed=%d downloaded=0 failed=0",
			sum.Retrieved, sum.Duplicates, sum.Malformed)
		return sum
	}

	bar := utils.NewProgress(len(unseen), "Downloading samples", c.progress)
	for _, h := range unseen {
		if ctx.Err() != nil {
			logger.Warnf("Collection interrupted: %v", ctx.Err())
			break
		}
		if item := c.Materialize(ctx, h, c.fileType); item != nil {
			sum.Downloaded++
		} else {
			sum.Failed++
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()

	logger.Infof("Collect summary: retrieved=%d duplicates=%d malformed=%d downloaded=%d failed=%d",
		sum.Retrieved, sum.Duplicates, sum.Malformed, sum.Downloaded, sum.Failed)
	return sum
}
