package ward

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// SIGHUPReloader watches for SIGHUP signals and reruns the configured
// reload function. Call Cancel to stop watching.
type SIGHUPReloader struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the SIGHUP watcher.
func (r *SIGHUPReloader) Cancel() {
	r.cancel()
	<-r.done
}

// ReloadFunc is called on each SIGHUP. It should re-read configuration
// and apply it to the running proxy (toggles, countries, sources).
type ReloadFunc func(ctx context.Context) error

// WatchSIGHUP starts a goroutine that listens for SIGHUP signals and
// calls the reload function. The returned SIGHUPReloader can be used to
// stop watching.
func WatchSIGHUP(reload ReloadFunc, logger *slog.Logger) *SIGHUPReloader {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)

	go func() {
		defer close(done)
		defer signal.Stop(sigCh)

		for {
			select {
			case <-ctx.Done():
				return
			case <-sigCh:
				logger.Info("received SIGHUP, reloading...")
				if err := reload(ctx); err != nil {
					logger.Error("reload failed", "error", err)
					continue
				}
				logger.Info("configuration reloaded")
			}
		}
	}()

	return &SIGHUPReloader{cancel: cancel, done: done}
}
