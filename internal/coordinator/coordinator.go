package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	"cryptoetl/internal/fetcher"
	"cryptoetl/internal/jobs"
	"cryptoetl/internal/metrics"
	"cryptoetl/internal/model"
	"cryptoetl/internal/normalize"
	"cryptoetl/internal/store"
	"cryptoetl/internal/upsert"
)

// ErrRunInProgress is returned when a run is requested while another one,
// in this process or another, still holds the run guard.
var ErrRunInProgress = errors.New("etl run already in progress")

// finishTimeout bounds the job update written after a failed run, which may
// happen after the run's own context was cancelled.
const finishTimeout = 10 * time.Second

// RawSink stores the audit copy of every fetched item.
type RawSink interface {
	SaveRaw(ctx context.Context, source string, payload json.RawMessage, ingestedAt time.Time) error
}

// Locker is a cross-process run guard.
type Locker interface {
	TryLock(ctx context.Context) (func(), error)
}

// Summary describes the outcome of one run.
type Summary struct {
	JobID         string
	Status        model.JobStatus
	// Accepted counts validated records. It is stored as the job's
	// items_processed only when the run commits.
	Accepted      int
	Rejected      int
	FailedSources []string
	Duration      time.Duration
	// Err is the cause of a FAILED run.
	Err error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLocker adds a cross-process guard on top of the in-process one.
func WithLocker(l Locker) Option {
	return func(c *Coordinator) { c.locker = l }
}

// WithLogger sets the run logger.
func WithLogger(log *slog.Logger) Option {
	return func(c *Coordinator) { c.log = log }
}

// WithClock overrides the time source used for ingestion timestamps.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// Coordinator runs the ingestion pipeline: sources are fetched concurrently,
// then each source's items are stored raw, normalized and validated in the
// configured source order, and accepted records are committed to the unified
// table in a single transaction.
type Coordinator struct {
	sources []fetcher.Source
	raw     RawSink
	engine  *upsert.Engine
	tracker *jobs.Tracker
	locker  Locker
	log     *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// New creates a new Coordinator with the given sources
func New(sources []fetcher.Source, raw RawSink, engine *upsert.Engine, tracker *jobs.Tracker, opts ...Option) *Coordinator {
	c := &Coordinator{
		sources: sources,
		raw:     raw,
		engine:  engine,
		tracker: tracker,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes one ingestion run and waits for it to finish.
//
// The returned error is set only when the run could not start: another run
// holds the guard, or the job record could not be created. Failures after
// that are reported through Summary.Status and Summary.Err.
func (c *Coordinator) Run(ctx context.Context) (Summary, error) {
	if !c.mu.TryLock() {
		return Summary{}, ErrRunInProgress
	}
	defer c.mu.Unlock()
	return c.runLocked(ctx)
}

func (c *Coordinator) runLocked(ctx context.Context) (Summary, error) {
	if len(c.sources) == 0 {
		return Summary{}, fmt.Errorf("no sources configured")
	}
	if c.locker != nil {
		release, err := c.locker.TryLock(ctx)
		if errors.Is(err, store.ErrLocked) {
			return Summary{}, ErrRunInProgress
		}
		if err != nil {
			return Summary{}, fmt.Errorf("acquire run lock: %w", err)
		}
		defer release()
	}

	job, err := c.tracker.Start(ctx)
	if err != nil {
		return Summary{}, err
	}

	started := time.Now()
	log := c.log.With("job_id", job.JobID)
	log.Info("etl run started", "sources", len(c.sources))

	sum := Summary{JobID: job.JobID, Status: model.JobRunning}
	batches := c.fetchAll(ctx)

	unified := c.engine.NewBatch()
	runErr := c.process(ctx, log, batches, unified, &sum)
	if runErr == nil && ctx.Err() != nil {
		runErr = fmt.Errorf("run cancelled: %w", ctx.Err())
	}
	if runErr == nil {
		if _, err := unified.Commit(ctx); err != nil {
			runErr = fmt.Errorf("commit unified records: %w", err)
		}
	} else {
		unified.Discard()
	}
	sum.Duration = time.Since(started)

	// The job row must reach a terminal state even when ctx is done.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	if runErr != nil {
		sum.Err = runErr
		// Nothing reached the unified table, so no item counts as persisted.
		if err := c.tracker.Fail(finishCtx, job.JobID, 0, runErr); err != nil {
			log.Error("record failed job", "error", err)
		} else {
			sum.Status = model.JobFailed
		}
		log.Error("etl run failed", "accepted", sum.Accepted, "rejected", sum.Rejected, "error", runErr)
	} else if err := c.tracker.Succeed(finishCtx, job.JobID, sum.Accepted); err != nil {
		// Unified rows are committed; only the job record is behind.
		sum.Err = err
		log.Error("record successful job", "error", err)
	} else {
		sum.Status = model.JobSuccess
		log.Info("etl run finished",
			"accepted", sum.Accepted,
			"rejected", sum.Rejected,
			"failed_sources", sum.FailedSources,
			"duration", sum.Duration,
		)
	}

	metrics.RecordRun(string(sum.Status), sum.Duration)
	return sum, nil
}

// fetchAll fetches every source concurrently. A panicking source is turned
// into a failed batch like any other fetch error.
func (c *Coordinator) fetchAll(ctx context.Context) []fetcher.Batch {
	batches := make([]fetcher.Batch, len(c.sources))

	var wg conc.WaitGroup
	for i, src := range c.sources {
		wg.Go(func() {
			var (
				items []fetcher.RawItem
				err   error
				pc    panics.Catcher
			)
			pc.Try(func() { items, err = src.Fetch(ctx) })
			if r := pc.Recovered(); r != nil {
				err = r.AsError()
			}
			batches[i] = fetcher.Batch{Source: src.Name(), Items: items, Err: err}
		})
	}
	wg.Wait()

	return batches
}

// process consumes batches in source order. It returns an error only for
// failures that abort the run; bad items and failed sources are counted.
func (c *Coordinator) process(ctx context.Context, log *slog.Logger, batches []fetcher.Batch, unified *upsert.Batch, sum *Summary) error {
	for _, b := range batches {
		if b.Failed() {
			sum.FailedSources = append(sum.FailedSources, b.Source)
			metrics.RecordFetchFailure(b.Source, string(fetcher.TypeOf(b.Err)))
			log.Warn("source fetch failed",
				"source", b.Source,
				"type", fetcher.TypeOf(b.Err),
				"retryable", fetcher.IsRetryable(b.Err),
				"error", b.Err,
			)
			continue
		}

		accepted, rejected := 0, 0
		for _, item := range b.Items {
			ingestedAt := c.now().UTC()
			if err := c.raw.SaveRaw(ctx, b.Source, item.Payload, ingestedAt); err != nil {
				return err
			}

			cand, err := normalize.Normalize(item, ingestedAt)
			if err == nil {
				var rec model.Record
				rec, err = normalize.Validate(cand)
				if err == nil {
					unified.Stage(rec)
					accepted++
					continue
				}
			}
			rejected++
			log.Warn("record rejected", "source", b.Source, "error", err)
		}

		sum.Accepted += accepted
		sum.Rejected += rejected
		metrics.RecordRecords(b.Source, metrics.OutcomeAccepted, accepted)
		metrics.RecordRecords(b.Source, metrics.OutcomeRejected, rejected)
		log.Info("source processed", "source", b.Source, "fetched", len(b.Items), "accepted", accepted, "rejected", rejected)
	}
	return nil
}
