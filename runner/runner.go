// Package runner drives the periodic sync loop described in §5: a pass
// runs, then the runner sleeps before the next one, backing off from a
// 500ms floor towards a 5s ceiling on repeated failures and resetting to
// the floor on success or on a network reachability up-edge. The sleep
// itself is interruptible by Stop or by a fresh up-edge so a reconnect
// doesn't have to wait out a long backoff.
//
// Grounded on the pack's Kong go-database-reconciler diff.go defaultBackOff
// (backoff/v4's exponential backoff wrapped with a retry budget), adapted
// here from a bounded-retry helper into the engine's own indefinite
// run-sleep-run loop.
package runner

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"docsync/remote"
)

// MinInterval is the sleep floor between passes on a healthy run.
const MinInterval = 500 * time.Millisecond

// MaxInterval is the sleep ceiling after repeated pass failures.
const MaxInterval = 5 * time.Second

// PassFunc runs one full reconciliation cycle.
type PassFunc func(ctx context.Context) error

// Runner drives PassFunc on a timer, with failure backoff and
// network-up-edge wake (§5).
type Runner struct {
	pass    PassFunc
	network remote.NetworkMonitor
	logger  *zap.Logger

	backoff backoff.BackOff

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Runner. network may be nil, in which case the runner never
// wakes early on a reachability edge and relies solely on its timer.
func New(pass PassFunc, network remote.NetworkMonitor, logger *zap.Logger) *Runner {
	return &Runner{
		pass:    pass,
		network: network,
		logger:  logger,
		backoff: newBackOff(),
	}
}

func newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = MinInterval
	b.MaxInterval = MaxInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0 // never give up; the loop runs indefinitely
	return b
}

// Start launches the run-sleep loop in a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(runCtx)
}

// Stop cancels the loop and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	<-r.done
}

func (r *Runner) loop(ctx context.Context) {
	defer close(r.done)

	var upEdge <-chan struct{}
	if r.network != nil {
		upEdge = r.network.OnUp()
	}

	for {
		if err := r.pass(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("sync pass failed, backing off", zap.Error(err))
			if !r.sleep(ctx, upEdge, r.backoff.NextBackOff()) {
				return
			}
			continue
		}

		r.backoff.Reset()
		if !r.sleep(ctx, upEdge, MinInterval) {
			return
		}
	}
}

// sleep waits for d, or returns early (true) on a network up-edge, or
// returns false if ctx was cancelled first.
func (r *Runner) sleep(ctx context.Context, upEdge <-chan struct{}, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	case <-upEdge:
		r.backoff.Reset()
		return true
	}
}
