// Package staging models a staging directory as a work queue: producers
// enqueue files named <content hash>.<ext>, the consumer lists pending items
// and acks (removes) each one once it has been visited.
package staging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"fuzzycollector/utils"

	"github.com/spf13/afero"
)

const partialSuffix = ".part"

// Item is one queued file.
type Item struct {
	ContentHash string
	Ext         string
	Name        string
	Path        string
	Size        int64
}

type Queue struct {
	fs  afero.Fs
	dir string
}

// NewQueue returns a queue rooted at dir, creating the directory if needed.
func NewQueue(fs afero.Fs, dir string) (*Queue, error) {
	if err := fs.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir %s: %w", dir, err)
	}
	return &Queue{fs: fs, dir: dir}, nil
}

func (q *Queue) Dir() string {
	return q.dir
}

// ValidHash reports whether h is a hex digest usable as a file name.
func ValidHash(h string) bool {
	if len(h) < 32 || len(h) > 128 {
		return false
	}
	for i := 0; i < len(h); i++ {
		c := h[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// FileName returns the queue file name for a content hash.
func FileName(contentHash, ext string) string {
	return contentHash + "." + ext
}

// ParseName extracts the content hash from a <hash>.<ext> file name.
func ParseName(name, ext string) (string, bool) {
	suffix := "." + ext
	if !strings.HasSuffix(name, suffix) {
		return "", false
	}
	h := strings.TrimSuffix(name, suffix)
	if !ValidHash(h) {
		return "", false
	}
	return strings.ToLower(h), true
}

// Enqueue writes r to <hash>.<ext>, replacing any existing entry. The data is
// written to a temporary name first so consumers never see a partial file.
func (q *Queue) Enqueue(contentHash, ext string, r io.Reader) (Item, error) {
	if !ValidHash(contentHash) {
		return Item{}, fmt.Errorf("invalid content hash %q", contentHash)
	}
	name := FileName(strings.ToLower(contentHash), ext)
	path, err := utils.JoinWithin(q.dir, name)
	if err != nil {
		return Item{}, fmt.Errorf("stage %s: %w", name, err)
	}

	tmp := path + partialSuffix
	f, err := q.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return Item{}, fmt.Errorf("stage %s: %w", name, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = q.fs.Remove(tmp)
		return Item{}, fmt.Errorf("stage %s: %w", name, err)
	}
	if err := q.fs.Rename(tmp, path); err != nil {
		_ = q.fs.Remove(tmp)
		return Item{}, fmt.Errorf("stage %s: %w", name, err)
	}
	return Item{ContentHash: strings.ToLower(contentHash), Ext: ext, Name: name, Path: path, Size: n}, nil
}

// Pending lists queued items with the given extension in name order.
// Files that do not follow the naming convention are ignored.
func (q *Queue) Pending(ext string) ([]Item, error) {
	entries, err := afero.ReadDir(q.fs, q.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list staging dir %s: %w", q.dir, err)
	}
	items := make([]Item, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		h, ok := ParseName(entry.Name(), ext)
		if !ok {
			continue
		}
		items = append(items, Item{
			ContentHash: h,
			Ext:         ext,
			Name:        entry.Name(),
			Path:        filepath.Join(q.dir, entry.Name()),
			Size:        entry.Size(),
		})
	}
	return items, nil
}

// Read returns the full content of a queued item.
func (q *Queue) Read(item Item) ([]byte, error) {
	return afero.ReadFile(q.fs, item.Path)
}

// Head returns at most n leading bytes of a queued item.
func (q *Queue) Head(item Item, n int) ([]byte, error) {
	f, err := q.fs.Open(item.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, n)
	read, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf[:read], nil
}

// Ack removes a visited item. Acking an item that is already gone is not an error.
func (q *Queue) Ack(item Item) error {
	if err := q.fs.Remove(item.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ack %s: %w", item.Name, err)
	}
	return nil
}
