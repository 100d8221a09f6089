package ledger

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ledgerPath = "/data/fuzzy_hash/elf_fuzzy_hash.csv"

func record(hash string) Record {
	return Record{
		SHA256:       hash,
		FileName:     hash + ".elf",
		FileType:     "elf",
		FuzzyHash:    "T1" + strings.ToUpper(hash),
		CalculatedAt: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func readLines(t *testing.T, fs afero.Fs) []string {
	t.Helper()
	data, err := afero.ReadFile(fs, ledgerPath)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestOpenMissingLedgerIsEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, err := Open(fs, ledgerPath)
	require.NoError(t, err)
	assert.Equal(t, 0, l.Len())
	assert.False(t, l.Exists("aa"))

	_, err = fs.Stat(ledgerPath)
	assert.Error(t, err, "ledger must not be created by Open")
}

func TestAppendWritesHeaderOnce(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, err := Open(fs, ledgerPath)
	require.NoError(t, err)
	require.NoError(t, l.Append(record("aa01")))
	require.NoError(t, l.Append(record("bb02")))

	// Simulate a process restart.
	l, err = Open(fs, ledgerPath)
	require.NoError(t, err)
	require.NoError(t, l.Append(record("cc03")))

	lines := readLines(t, fs)
	require.Len(t, lines, 4)
	assert.Equal(t, strings.Join(Header, ","), lines[0])
	headers := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "sha256,") {
			headers++
		}
	}
	assert.Equal(t, 1, headers)
}

func TestExistsReflectsAppendsAndRestarts(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, err := Open(fs, ledgerPath)
	require.NoError(t, err)

	assert.False(t, l.Exists("aa01"))
	require.NoError(t, l.Append(record("aa01")))
	assert.True(t, l.Exists("aa01"))
	assert.True(t, l.Exists("AA01"), "lookups are case-insensitive")

	reopened, err := Open(fs, ledgerPath)
	require.NoError(t, err)
	assert.True(t, reopened.Exists("aa01"))
	assert.False(t, reopened.Exists("bb02"))
	assert.Equal(t, 1, reopened.Len())
}

func TestAppendRejectsDuplicate(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, err := Open(fs, ledgerPath)
	require.NoError(t, err)
	require.NoError(t, l.Append(record("aa01")))

	err = l.Append(record("aa01"))
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, readLines(t, fs), 2)
}

func TestAppendOnReadOnlyFsIsWriteError(t *testing.T) {
	l, err := Open(afero.NewReadOnlyFs(afero.NewMemMapFs()), ledgerPath)
	require.NoError(t, err)

	err = l.Append(record("aa01"))
	var writeErr *WriteError
	require.ErrorAs(t, err, &writeErr)
	assert.Equal(t, ledgerPath, writeErr.Path)
	assert.False(t, l.Exists("aa01"), "failed appends must not be visible")
}

func TestSnapshotIsImmutable(t *testing.T) {
	fs := afero.NewMemMapFs()
	l, err := Open(fs, ledgerPath)
	require.NoError(t, err)
	require.NoError(t, l.Append(record("aa01")))

	snap := l.Snapshot()
	require.NoError(t, l.Append(record("bb02")))

	assert.True(t, snap.Contains("aa01"))
	assert.False(t, snap.Contains("bb02"))
	assert.True(t, l.Snapshot().Contains("bb02"))
}

func TestLookupAndLegacyRows(t *testing.T) {
	fs := afero.NewMemMapFs()
	legacy := "sha256,file_name,file_type,tlsh_hash,calculated_time\n" +
		"AA01,aa01.elf,elf,T1ABC,2025-04-30T08:15:00.123456\n" +
		"\n" +
		",missing.elf,elf,T1DEF,2025-04-30T08:16:00\n" +
		"bb02,bb02.elf,elf,T1XYZ,2025-04-30T08:17:00Z\n"
	require.NoError(t, afero.WriteFile(fs, ledgerPath, []byte(legacy), 0644))

	l, err := Open(fs, ledgerPath)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())

	rec, ok, err := l.Lookup("aa01")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "aa01.elf", rec.FileName)
	assert.Equal(t, "T1ABC", rec.FuzzyHash)
	assert.Equal(t, 2025, rec.CalculatedAt.Year())

	_, ok, err = l.Lookup("cc03")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAppendAfterEmptyFileWritesHeader(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, ledgerPath, nil, 0644))

	l, err := Open(fs, ledgerPath)
	require.NoError(t, err)
	require.NoError(t, l.Append(record("aa01")))

	lines := readLines(t, fs)
	require.Len(t, lines, 2)
	assert.Equal(t, strings.Join(Header, ","), lines[0])
}

func TestAppendTerminatesUnfinishedLastRow(t *testing.T) {
	fs := afero.NewMemMapFs()
	edited := "sha256,file_name,file_type,tlsh_hash,calculated_time\n" +
		"aa01,aa01.elf,elf,T1ABC,2025-04-30T08:15:00Z"
	require.NoError(t, afero.WriteFile(fs, ledgerPath, []byte(edited), 0644))

	l, err := Open(fs, ledgerPath)
	require.NoError(t, err)
	require.NoError(t, l.Append(record("bb02")))

	l, err = Open(fs, ledgerPath)
	require.NoError(t, err)
	assert.Equal(t, 2, l.Len())
	assert.True(t, l.Exists("aa01"))
	assert.True(t, l.Exists("bb02"))
	assert.Len(t, readLines(t, fs), 3)
}
