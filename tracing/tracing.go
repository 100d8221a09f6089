// Package tracing wraps runtime/trace. Collection, extraction and hashing
// each run as a task; build with -tags trace to record them.
package tracing

// DefaultFile is written by Start when no path is given.
const DefaultFile = "fuzzycollector.trace"
