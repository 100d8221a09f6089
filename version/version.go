package version

// Version is overridden at build time via -ldflags "-X fuzzycollector/version.Version=...".
var Version = "0.1.0"
