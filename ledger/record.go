package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Header is the ledger's CSV header row; the first column is the dedup key.
var Header = []string{"sha256", "file_name", "file_type", "tlsh_hash", "calculated_time"}

// Record is one immutable ledger row.
type Record struct {
	SHA256       string    `json:"sha256"`
	FileName     string    `json:"file_name"`
	FileType     string    `json:"file_type"`
	FuzzyHash    string    `json:"tlsh_hash"`
	CalculatedAt time.Time `json:"calculated_time"`
}

// timeLayouts accepts our own RFC 3339 timestamps and the naive ISO 8601
// timestamps found in ledgers written by earlier tooling.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func (r Record) row() []string {
	return []string{
		r.SHA256,
		r.FileName,
		r.FileType,
		r.FuzzyHash,
		r.CalculatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type columns struct {
	sha256, fileName, fileType, fuzzy, calculated int
}

func resolveColumns(header []string) columns {
	cols := columns{sha256: 0, fileName: -1, fileType: -1, fuzzy: -1, calculated: -1}
	for i, name := range header {
		switch strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")) {
		case "sha256":
			cols.sha256 = i
		case "file_name":
			cols.fileName = i
		case "file_type":
			cols.fileType = i
		case "tlsh_hash":
			cols.fuzzy = i
		case "calculated_time":
			cols.calculated = i
		}
	}
	return cols
}

func field(row []string, idx int) string {
	if idx < 0 || idx >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[idx])
}

func parseRecord(cols columns, row []string) (Record, error) {
	rec := Record{
		SHA256:    normalizeHash(field(row, cols.sha256)),
		FileName:  field(row, cols.fileName),
		FileType:  field(row, cols.fileType),
		FuzzyHash: field(row, cols.fuzzy),
	}
	if rec.SHA256 == "" {
		return rec, fmt.Errorf("row without sha256")
	}
	if raw := field(row, cols.calculated); raw != "" {
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, raw); err == nil {
				rec.CalculatedAt = ts.UTC()
				break
			}
		}
	}
	return rec, nil
}

func normalizeHash(h string) string {
	return strings.ToLower(strings.TrimSpace(h))
}
