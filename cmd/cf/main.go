package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	os.Exit(runMain())
}

// runMain carries the exit code instead of calling os.Exit directly so the
// script tests can re-enter the binary through TestMain.
func runMain() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	rootCtx = ctx

	if err := rootCmd.Execute(); err != nil {
		// Cobra already printed the flag or usage error.
		return 1
	}
	return 0
}
