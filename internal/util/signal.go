package util

import (
	"context"
	"os"
	"os/signal"

	"github.com/airbloc/logger"
)

// ContextWithSignal returns a context cancelled when one of the given
// signals arrives. Used by the CLI entry points so a preempted worker
// still flushes its output log.
func ContextWithSignal(parent context.Context, sig ...os.Signal) (context.Context, context.CancelFunc) {
	log := logger.New("cs224b/util")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, sig...)

	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case s := <-sigChan:
			log.Verbose("{} received during execution.", s.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	return ctx, func() {
		signal.Stop(sigChan)
		cancel()
	}
}
