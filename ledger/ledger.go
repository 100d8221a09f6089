package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"fuzzycollector/logger"

	"github.com/spf13/afero"
)

// ErrDuplicate is returned by Append for a hash that is already recorded.
var ErrDuplicate = errors.New("content hash already recorded")

// WriteError reports that the ledger file could not be appended to.
type WriteError struct {
	Path string
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("ledger %s: write failed: %v", e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Ledger is the append-only CSV record of hashed samples for one file type.
// It assumes a single writer; no file locking is performed.
type Ledger struct {
	fs       afero.Fs
	path     string
	base     *Index
	appended map[string]struct{}
}

// Open reads every hash already recorded at path. A missing file yields an
// empty ledger; the file is created on the first Append.
func Open(fs afero.Fs, path string) (*Ledger, error) {
	l := &Ledger{
		fs:       fs,
		path:     path,
		appended: make(map[string]struct{}),
	}
	hashes, err := l.loadHashes()
	if err != nil {
		return nil, err
	}
	l.base = NewIndex(hashes)
	logger.Debugf("Loaded %d recorded hashes from %s", l.base.Len(), path)
	return l, nil
}

func (l *Ledger) loadHashes() ([]string, error) {
	var hashes []string
	err := l.scan(func(rec Record) bool {
		hashes = append(hashes, rec.SHA256)
		return true
	})
	return hashes, err
}

// scan walks every parseable row, stopping early when fn returns false.
func (l *Ledger) scan(fn func(Record) bool) error {
	f, err := l.fs.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("open ledger %s: %w", l.path, err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	reader.FieldsPerRecord = -1
	reader.ReuseRecord = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read ledger header %s: %w", l.path, err)
	}
	cols := resolveColumns(header)

	line := 1
	for {
		row, err := reader.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			logger.Warnf("Skipping malformed ledger row %d in %s: %v", line, l.path, err)
			continue
		}
		rec, err := parseRecord(cols, row)
		if err != nil {
			logger.Warnf("Skipping ledger row %d in %s: %v", line, l.path, err)
			continue
		}
		if !fn(rec) {
			return nil
		}
	}
}

// Path returns the ledger file location.
func (l *Ledger) Path() string {
	return l.path
}

// Exists reports whether a record with this hash has been appended, either
// before Open or by this process since.
func (l *Ledger) Exists(contentHash string) bool {
	h := normalizeHash(contentHash)
	if _, ok := l.appended[h]; ok {
		return true
	}
	return l.base.Contains(h)
}

// Len returns the number of distinct recorded hashes.
func (l *Ledger) Len() int {
	return l.base.Len() + len(l.appended)
}

// Snapshot returns an immutable view of the recorded hashes as of now.
func (l *Ledger) Snapshot() *Index {
	if len(l.appended) == 0 {
		return l.base
	}
	keys := make(map[string]struct{}, l.Len())
	for h := range l.base.keys {
		keys[h] = struct{}{}
	}
	for h := range l.appended {
		keys[h] = struct{}{}
	}
	return newIndexFromSet(keys)
}

// Lookup rereads the ledger and returns the row for contentHash.
func (l *Ledger) Lookup(contentHash string) (Record, bool, error) {
	h := normalizeHash(contentHash)
	if !l.Exists(h) {
		return Record{}, false, nil
	}
	var found Record
	var ok bool
	err := l.scan(func(rec Record) bool {
		if rec.SHA256 == h {
			found, ok = rec, true
			return false
		}
		return true
	})
	return found, ok, err
}

// Append durably writes one record. The header row is written only when the
// file did not exist or was empty.
func (l *Ledger) Append(rec Record) error {
	rec.SHA256 = normalizeHash(rec.SHA256)
	if rec.SHA256 == "" {
		return fmt.Errorf("ledger record without sha256")
	}
	if l.Exists(rec.SHA256) {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.SHA256)
	}

	needHeader, needNewline := true, false
	if info, err := l.fs.Stat(l.path); err == nil && info.Size() > 0 {
		needHeader = false
		terminated, err := l.endsWithNewline(info.Size())
		if err != nil {
			return &WriteError{Path: l.path, Err: err}
		}
		needNewline = !terminated
	}

	if err := l.fs.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return &WriteError{Path: l.path, Err: err}
	}
	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return &WriteError{Path: l.path, Err: err}
	}

	if needNewline {
		// an unterminated last row would swallow the new one
		if _, err := f.Write([]byte("\n")); err != nil {
			f.Close()
			return &WriteError{Path: l.path, Err: err}
		}
	}
	w := csv.NewWriter(f)
	if needHeader {
		if err := w.Write(Header); err != nil {
			f.Close()
			return &WriteError{Path: l.path, Err: err}
		}
	}
	if err := w.Write(rec.row()); err != nil {
		f.Close()
		return &WriteError{Path: l.path, Err: err}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return &WriteError{Path: l.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return &WriteError{Path: l.path, Err: err}
	}
	if err := f.Close(); err != nil {
		return &WriteError{Path: l.path, Err: err}
	}

	l.appended[rec.SHA256] = struct{}{}
	return nil
}

func (l *Ledger) endsWithNewline(size int64) (bool, error) {
	f, err := l.fs.Open(l.path)
	if err != nil {
		return false, err
	}
	defer f.Close()
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil && err != io.EOF {
		return false, err
	}
	return last[0] == '\n', nil
}
