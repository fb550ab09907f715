package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc"
)

// ErrRunnerStopped is returned by Trigger when the runner is not started.
var ErrRunnerStopped = errors.New("etl runner is not running")

// Runner owns background runs for a long-lived process. Runs started by
// Trigger outlive the request that asked for them and are cancelled by Stop.
type Runner struct {
	coord *Coordinator
	log   *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      *conc.WaitGroup
	running bool
}

// NewRunner creates a lifecycle-managed runner for coord.
func NewRunner(coord *Coordinator, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{coord: coord, log: log}
}

// Start enables Trigger. When runNow is set, a first run is started
// immediately.
func (r *Runner) Start(ctx context.Context, runNow bool) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg = conc.NewWaitGroup()
	r.running = true
	r.mu.Unlock()

	r.log.Info("etl runner started")
	if runNow {
		if err := r.Trigger(); err != nil && !errors.Is(err, ErrRunInProgress) {
			return err
		}
	}
	return nil
}

// Trigger starts a run in the background. It returns ErrRunInProgress if a
// run in this process is still going.
func (r *Runner) Trigger() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return ErrRunnerStopped
	}
	if !r.coord.mu.TryLock() {
		return ErrRunInProgress
	}

	ctx := r.ctx
	r.wg.Go(func() {
		defer r.coord.mu.Unlock()
		sum, err := r.coord.runLocked(ctx)
		if err != nil {
			r.log.Warn("etl run not started", "error", err)
			return
		}
		r.log.Debug("background etl run done", "job_id", sum.JobID, "status", sum.Status)
	})
	return nil
}

// Stop cancels any in-flight run and waits for it, or for ctx.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return nil
	}
	cancel, wg := r.cancel, r.wg
	r.running = false
	r.cancel = nil
	r.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	r.log.Info("etl runner stopped")
	return nil
}
