package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fuzzycollector/catalog"
	"fuzzycollector/config"
	"fuzzycollector/ledger"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	hashA = strings.Repeat("a", 64)
	hashB = strings.Repeat("b", 64)
	hashC = strings.Repeat("c", 64)
)

var zipMagic = []byte("PK\x03\x04\x14\x00\x00\x00\x08\x00")

type fakeCatalog struct {
	hashes  []string
	fetches int
}

func (f *fakeCatalog) QueryFileType(ctx context.Context, fileType string, limit int) (*catalog.FileTypeResponse, error) {
	resp := &catalog.FileTypeResponse{QueryStatus: "ok", Raw: []byte(`{"query_status":"ok"}`)}
	for _, h := range f.hashes {
		resp.Data = append(resp.Data, catalog.Entry{SHA256: h, FileType: fileType})
	}
	return resp, nil
}

func (f *fakeCatalog) FetchFile(ctx context.Context, sha256 string) ([]byte, error) {
	f.fetches++
	return zipMagic, nil
}

// unpacker stands in for 7-Zip: each archive yields <hash>.elf with
// deterministic pseudo-random content.
type unpacker struct {
	fs afero.Fs
}

func (u unpacker) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	archive := args[1]
	dir := strings.TrimPrefix(args[2], "-o")
	h := strings.TrimSuffix(filepath.Base(archive), ".zip")
	buf := make([]byte, 2048)
	rand.New(rand.NewSource(int64(h[0]))).Read(buf)
	return nil, afero.WriteFile(u.fs, filepath.Join(dir, h+".elf"), buf, 0644)
}

type summaryRecorder struct {
	stages  []string
	samples int
}

func (r *summaryRecorder) RecordSample(ledger.Record) { r.samples++ }
func (r *summaryRecorder) RecordSummary(stage string, counts map[string]int) {
	r.stages = append(r.stages, stage)
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.APIKey = "key"
	cfg.SevenZipPath = "/usr/bin/7z"
	cfg.FileType = "elf"
	cfg.Limit = 10
	cfg.Progress = false
	cfg.StagingDir = "/data/samples/elf_samples"
	cfg.ArchiveDir = "/data/zip_samples/zipped_elf_samples"
	cfg.LedgerDir = "/data/fuzzy_hash"
	cfg.MetadataDir = "/data/metadata"
	return cfg
}

func newPipeline(t *testing.T, fs afero.Fs, cfg *config.Config, cat *fakeCatalog, rec *summaryRecorder) *Pipeline {
	t.Helper()
	p, err := New(cfg, fs, Deps{Catalog: cat, Runner: unpacker{fs: fs}, Recorder: rec, RunID: "run-1"})
	require.NoError(t, err)
	return p
}

func ledgerRows(t *testing.T, fs afero.Fs, cfg *config.Config) []string {
	t.Helper()
	data, err := afero.ReadFile(fs, cfg.LedgerPath())
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestRunSkipsKnownSamples(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()

	l, err := ledger.Open(fs, cfg.LedgerPath())
	require.NoError(t, err)
	require.NoError(t, l.Append(ledger.Record{SHA256: hashB, FileName: hashB + ".elf", FileType: "elf", FuzzyHash: "T1B", CalculatedAt: time.Now()}))

	cat := &fakeCatalog{hashes: []string{hashA, hashB, hashC}}
	rec := &summaryRecorder{}
	p := newPipeline(t, fs, cfg, cat, rec)

	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-1", report.RunID)
	require.NotNil(t, report.Collect)
	assert.Equal(t, 1, report.Collect.Duplicates)
	assert.Equal(t, 2, report.Collect.Downloaded)
	require.NotNil(t, report.Extract)
	assert.Equal(t, 2, report.Extract.Extracted)
	require.NotNil(t, report.Process)
	assert.Equal(t, 2, report.Process.Added)
	assert.Equal(t, 2, cat.fetches)

	rows := ledgerRows(t, fs, cfg)
	require.Len(t, rows, 4)
	assert.True(t, strings.HasPrefix(rows[2], hashA+","))
	assert.True(t, strings.HasPrefix(rows[3], hashC+","))

	for _, dir := range []string{cfg.StagingDir, cfg.ArchiveDir} {
		entries, err := afero.ReadDir(fs, dir)
		require.NoError(t, err)
		assert.Empty(t, entries, dir)
	}
	assert.Equal(t, []string{"collect", "extract", "process"}, rec.stages)
	assert.Equal(t, 2, rec.samples)
}

func TestRunTwiceAddsNothing(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()
	cat := &fakeCatalog{hashes: []string{hashA, hashC}}

	_, err := newPipeline(t, fs, cfg, cat, &summaryRecorder{}).Run(context.Background())
	require.NoError(t, err)
	before := ledgerRows(t, fs, cfg)

	report, err := newPipeline(t, fs, cfg, cat, &summaryRecorder{}).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Process.Added)
	assert.Equal(t, 2, report.Collect.Duplicates)
	assert.Equal(t, before, ledgerRows(t, fs, cfg))
}

func TestRunWithoutExtraction(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.RequiresExtraction = false
	cfg.SevenZipPath = ""

	payload := make([]byte, 1024)
	rand.New(rand.NewSource(7)).Read(payload)
	cat := &rawCatalog{fakeCatalog: fakeCatalog{hashes: []string{hashA}}, payload: payload}

	p, err := New(cfg, fs, Deps{Catalog: cat, RunID: "run-2"})
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Nil(t, report.Extract)
	assert.Equal(t, 1, report.Process.Added)
	assert.True(t, p.Ledger().Exists(hashA))
	assert.Contains(t, report.String(), "added=1")
}

type rawCatalog struct {
	fakeCatalog
	payload []byte
}

func (r *rawCatalog) FetchFile(ctx context.Context, sha256 string) ([]byte, error) {
	return r.payload, nil
}

// readOnlyLedgerFs refuses to open the ledger for writing.
type readOnlyLedgerFs struct {
	afero.Fs
	path string
}

func (f readOnlyLedgerFs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	if name == f.path && flag&(os.O_WRONLY|os.O_RDWR) != 0 {
		return nil, &os.PathError{Op: "open", Path: name, Err: errors.New("read-only file system")}
	}
	return f.Fs.OpenFile(name, flag, perm)
}

func TestWriteErrorEndsRun(t *testing.T) {
	base := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.RequiresExtraction = false

	payload := make([]byte, 1024)
	rand.New(rand.NewSource(9)).Read(payload)
	cat := &rawCatalog{fakeCatalog: fakeCatalog{hashes: []string{hashA}}, payload: payload}

	p, err := New(cfg, readOnlyLedgerFs{Fs: base, path: cfg.LedgerPath()}, Deps{Catalog: cat})
	require.NoError(t, err)
	report, err := p.Run(context.Background())
	var werr *ledger.WriteError
	require.ErrorAs(t, err, &werr)
	require.NotNil(t, report.Process)
	assert.Equal(t, 0, report.Process.Added)
	assert.NotEmpty(t, p.RunID())
}

func TestSnapshotWrittenPerRun(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testConfig()
	cfg.MetadataNaming = "fixed"
	_, err := newPipeline(t, fs, cfg, &fakeCatalog{}, &summaryRecorder{}).Run(context.Background())
	require.NoError(t, err)

	exists, err := afero.Exists(fs, filepath.Join(cfg.SnapshotDir(), fmt.Sprintf("%s_sample_metadata.json", cfg.FileType)))
	require.NoError(t, err)
	assert.True(t, exists)
}
