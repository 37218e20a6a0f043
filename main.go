// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"loopviz/cmd"
	"loopviz/internal/log"
	"loopviz/pkg/build"
)

// main is the entry point for the loopback visualizer.
//
// 1. Startup Phase (Cold Path):
//   - Initialize build information
//   - Parse command line arguments and load configuration
//
// 2. Concurrent Phase (Hot Path):
//   - Capture callbacks convert and enqueue audio
//   - The analyzer publishes spectrum frames to the transports
//
// 3. Shutdown Phase (Cold Path):
//   - SIGINT or SIGTERM cancels the context
//   - Capture, recording and transports are closed in order
func main() {
	// Development builds carry no ldflags and report "unknown".
	if err := build.Initialize(); err != nil {
		log.Debugf("build: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Execute(ctx); err != nil {
		stop()
		log.Fatalf("%v", err)
	}
}
