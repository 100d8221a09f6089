package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"fuzzycollector/logger"

	"github.com/spf13/afero"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go handleSignalEvent(cancel, sigChan)

	root := newRootCmd(&app{out: os.Stdout, fs: afero.NewOsFs()})
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// handleSignalEvent cancels the run on the first signal. The item in flight
// completes; everything still queued waits for the next run.
func handleSignalEvent(cancelFunc context.CancelFunc, sigChan <-chan os.Signal) {
	sig, ok := <-sigChan
	if !ok {
		return
	}
	logger.Infof("Signal %v received. Finishing the current item and shutting down...", sig)
	cancelFunc()
}
