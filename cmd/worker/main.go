package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/isoforge/isoforge-backend/internal/app"
	"github.com/isoforge/isoforge-backend/internal/platform/errs"
	"github.com/isoforge/isoforge-backend/internal/platform/taskerr"
)

// Headless task worker: stream consumer plus reaper, no HTTP listener.
// Exit codes: 0 clean shutdown, 2 invalid configuration, 3 task store
// unreachable, 4 work log unreachable, 5 provider credentials missing or
// rejected.
func main() {
	a, err := app.NewWorker()
	if err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(exitCode(err))
	}

	if err := a.Start(); err != nil {
		a.Log.Error("Worker failed to start", "error", err)
		a.Close()
		os.Exit(exitCode(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	a.Log.Info("Shutting down", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		a.Log.Warn("Shutdown incomplete", "error", err)
	}
	a.Close()
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, errs.ErrStoreUnavailable):
		return 3
	case errors.Is(err, errs.ErrLogUnavailable):
		return 4
	case taskerr.KindOf(err) == taskerr.AuthFailed:
		return 5
	default:
		return 2
	}
}
