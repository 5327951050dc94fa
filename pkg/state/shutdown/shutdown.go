package shutdown

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"medlink/pkg/logger"
)

// SetupSignalHandler returns a context cancelled on SIGINT/SIGTERM. A
// second signal exits immediately.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-ch
		logger.Info("shutdown_signal", "signal", sig.String())
		cancel()
		<-ch
		logger.Error("shutdown_forced")
		os.Exit(1)
	}()
	return ctx
}

// Abort logs a fatal startup error and exits.
func Abort(msg string, args ...any) {
	logger.Error(msg, args...)
	logger.Sync()
	os.Exit(1)
}
