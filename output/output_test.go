package output

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"fuzzycollector/config"
	"fuzzycollector/ledger"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	otelLog "go.opentelemetry.io/otel/log"
)

const rawResponse = `{"query_status":"ok","data":[{"sha256_hash":"aa","file_name":"bot.elf"}]}`

func findAttr(kvs []otelLog.KeyValue, key string) (otelLog.Value, bool) {
	for _, kv := range kvs {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return otelLog.Value{}, false
}

func TestSnapshotNamingPolicies(t *testing.T) {
	fs := afero.NewMemMapFs()
	fixedNow := func() time.Time { return time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC) }

	dated := NewSnapshotWriter(fs, "/meta/elf_metadata", "elf", NamingDated)
	dated.now = fixedNow
	path, err := dated.Save([]byte(rawResponse))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/meta/elf_metadata", "elf_sample_metadata_250603.json"), path)

	fixed := NewSnapshotWriter(fs, "/meta/elf_metadata", "elf", NamingFixed)
	path, err = fixed.Save([]byte(rawResponse))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/meta/elf_metadata", "elf_sample_metadata.json"), path)

	digest := NewSnapshotWriter(fs, "/meta/elf_metadata", "elf", NamingDigest)
	first, err := digest.Save([]byte(rawResponse))
	require.NoError(t, err)
	second, err := digest.Save([]byte(rawResponse))
	require.NoError(t, err)
	assert.Equal(t, first, second, "identical snapshots share a name")
	assert.Regexp(t, `elf_sample_metadata_[0-9a-f]{16}\.json$`, first)
}

func TestSnapshotIsPrettyPrinted(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewSnapshotWriter(fs, "/meta", "exe", NamingFixed)
	path, err := w.Save([]byte(rawResponse))
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "\n    \"query_status\": \"ok\"")
}

func TestSnapshotKeepsRawResponse(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := NewSnapshotWriter(fs, "/meta", "elf", NamingFixed)
	raw := `{"query_status":"ok","data":[{"sha256_hash":"aa","file_size":12345678901234567890,"file_name":"<x&y>"}]}`
	path, err := w.Save([]byte(raw))
	require.NoError(t, err)

	data, err := afero.ReadFile(fs, path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "12345678901234567890")
	assert.Contains(t, text, `"<x&y>"`)
	assert.Less(t, strings.Index(text, "query_status"), strings.Index(text, `"data"`))
	assert.Less(t, strings.Index(text, "sha256_hash"), strings.Index(text, "file_size"))
	assert.Less(t, strings.Index(text, "file_size"), strings.Index(text, "file_name"))
}

func TestSnapshotRejectsInvalidJSON(t *testing.T) {
	w := NewSnapshotWriter(afero.NewMemMapFs(), "/meta", "elf", NamingFixed)
	_, err := w.Save([]byte("not json"))
	assert.Error(t, err)

	w = NewSnapshotWriter(afero.NewMemMapFs(), "/meta", "elf", "hourly")
	_, err = w.Save([]byte(rawResponse))
	assert.Error(t, err)
}

func TestNewExporterDisabledWithoutEndpoint(t *testing.T) {
	exp, err := NewExporter(&config.Config{}, "run")
	require.NoError(t, err)
	assert.Nil(t, exp)

	// nil exporters are safe to use
	exp.RecordSample(ledger.Record{SHA256: "aa"})
	exp.RecordSummary("process", map[string]int{"added": 1})
	exp.Shutdown()
	assert.Equal(t, "", exp.Endpoint())

	_, err = NewExporter(&config.Config{OtelEndpoint: "collector:4318"}, "run")
	assert.Error(t, err)
}

func TestSampleAttributes(t *testing.T) {
	rec := ledger.Record{
		SHA256:       "aa",
		FileName:     "aa.elf",
		FileType:     "elf",
		FuzzyHash:    "T1ABC",
		CalculatedAt: time.Date(2025, 6, 3, 10, 0, 0, 0, time.UTC),
	}
	kvs := sampleAttributes(rec)
	v, ok := findAttr(kvs, "fuzzycollector.sample.tlsh")
	require.True(t, ok)
	assert.Equal(t, "T1ABC", v.AsString())
	v, ok = findAttr(kvs, "file.name")
	require.True(t, ok)
	assert.Equal(t, "aa.elf", v.AsString())

	kvs = summaryAttributes("process", map[string]int{"added": 2, "skipped": 1})
	v, ok = findAttr(kvs, "fuzzycollector.process.added")
	require.True(t, ok)
	assert.Equal(t, int64(2), v.AsInt64())
}

func TestExporterShipsRecords(t *testing.T) {
	var requests atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/v1/logs") {
			requests.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	cfg := &config.Config{OtelEndpoint: ts.URL + "/v1/logs", OtelTimeout: 5 * time.Second}
	exp, err := NewExporter(cfg, "run-1")
	require.NoError(t, err)
	require.NotNil(t, exp)

	exp.RecordSample(ledger.Record{SHA256: "aa", FileType: "elf", FuzzyHash: "T1"})
	exp.RecordSummary("process", map[string]int{"added": 1, "skipped": 0})
	exp.Shutdown()

	assert.GreaterOrEqual(t, requests.Load(), int32(1))
}

func TestDiscardRecorder(t *testing.T) {
	var r Recorder = Discard{}
	r.RecordSample(ledger.Record{})
	r.RecordSummary("collect", nil)
}
