// Package output persists the side products of a run: catalog metadata
// snapshots on disk and, when configured, an OTLP log mirror of ledger rows
// and stage summaries.
package output

import "fuzzycollector/ledger"

// SchemaVersion tags every exported record.
const SchemaVersion = "1.0.0"

// Recorder receives ledger rows and stage summaries as they are produced.
type Recorder interface {
	RecordSample(rec ledger.Record)
	RecordSummary(stage string, counts map[string]int)
}

// Discard is a Recorder that drops everything.
type Discard struct{}

func (Discard) RecordSample(ledger.Record)            {}
func (Discard) RecordSummary(string, map[string]int) {}
