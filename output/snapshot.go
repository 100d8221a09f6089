package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"fuzzycollector/hasher"
	"fuzzycollector/logger"

	"github.com/spf13/afero"
)

// Naming policies for metadata snapshot files.
const (
	NamingDated  = "dated"
	NamingFixed  = "fixed"
	NamingDigest = "digest"
)

// SnapshotWriter stores raw catalog responses for audit and debugging.
type SnapshotWriter struct {
	fs       afero.Fs
	dir      string
	fileType string
	policy   string
	now      func() time.Time
}

func NewSnapshotWriter(fs afero.Fs, dir, fileType, policy string) *SnapshotWriter {
	return &SnapshotWriter{
		fs:       fs,
		dir:      dir,
		fileType: fileType,
		policy:   policy,
		now:      time.Now,
	}
}

func (s *SnapshotWriter) fileName(raw []byte) (string, error) {
	base := s.fileType + "_sample_metadata"
	switch s.policy {
	case NamingFixed:
		return base + ".json", nil
	case NamingDigest:
		sum, err := hasher.Digest(raw, "blake3")
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s_%s.json", base, sum[:16]), nil
	case NamingDated, "":
		return fmt.Sprintf("%s_%s.json", base, s.now().Format("060102")), nil
	default:
		return "", fmt.Errorf("unknown snapshot naming policy %q", s.policy)
	}
}

// Save writes raw JSON, re-indented but otherwise byte for byte, into the
// snapshot directory and returns the path.
func (s *SnapshotWriter) Save(raw []byte) (string, error) {
	name, err := s.fileName(raw)
	if err != nil {
		return "", err
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, bytes.TrimSpace(raw), "", "    "); err != nil {
		return "", fmt.Errorf("snapshot is not valid JSON: %w", err)
	}
	pretty.WriteByte('\n')

	if err := s.fs.MkdirAll(s.dir, 0755); err != nil {
		return "", fmt.Errorf("create metadata dir %s: %w", s.dir, err)
	}
	path := filepath.Join(s.dir, name)
	if err := afero.WriteFile(s.fs, path, pretty.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("write snapshot %s: %w", path, err)
	}
	logger.Infof("Metadata saved to %s", path)
	return path, nil
}
