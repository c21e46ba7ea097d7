// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

var (
	shutdownRequested = make(chan struct{})
	requestShutdownOnce sync.Once
)

// requestShutdown signals the goroutine started by withShutdownCancel to
// cancel its context, same as an interrupt signal would.
func requestShutdown() {
	requestShutdownOnce.Do(func() { close(shutdownRequested) })
}

// withShutdownCancel returns a context that is canceled when an OS
// interrupt/termination signal is received or requestShutdown is called.
func withShutdownCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer cancel()
		select {
		case <-ctx.Done():
		case <-shutdownRequested:
		}
	}()
	return ctx
}

// shutdownListener listens for OS interrupt/termination signals and
// requests a shutdown when one is received. A second signal forces an
// immediate exit, in case graceful shutdown hangs.
func shutdownListener() {
	interruptChannel := make(chan os.Signal, 1)
	signal.Notify(interruptChannel, os.Interrupt, syscall.SIGTERM)

	<-interruptChannel
	log.Info("Received shutdown signal, shutting down...")
	requestShutdown()

	<-interruptChannel
	log.Warn("Received second shutdown signal, exiting now.")
	os.Exit(1)
}
