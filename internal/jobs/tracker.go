// Package jobs persists the lifecycle of ingestion runs in the etl_jobs table.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"cryptoetl/internal/model"
)

var (
	// ErrNoJobs is returned by Latest when no run has been recorded.
	ErrNoJobs = errors.New("no etl jobs recorded")
	// ErrJobNotRunning is returned when finishing a job that is not RUNNING.
	ErrJobNotRunning = errors.New("job is not running")
)

// Tracker creates and finalizes job records.
type Tracker struct {
	db  *gorm.DB
	now func() time.Time
}

// New returns a Tracker on db.
func New(db *gorm.DB) *Tracker {
	return &Tracker{db: db, now: time.Now}
}

// Start records a new job in the RUNNING state.
func (t *Tracker) Start(ctx context.Context) (*model.ETLJob, error) {
	job := &model.ETLJob{
		JobID:     uuid.NewString(),
		Status:    model.JobRunning,
		StartTime: t.now().UTC(),
	}
	if err := t.db.WithContext(ctx).Create(job).Error; err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return job, nil
}

// Succeed moves a RUNNING job to SUCCESS.
func (t *Tracker) Succeed(ctx context.Context, jobID string, items int) error {
	return t.finish(ctx, jobID, model.JobSuccess, items, nil)
}

// Fail moves a RUNNING job to FAILED with cause as its error message.
func (t *Tracker) Fail(ctx context.Context, jobID string, items int, cause error) error {
	msg := "unknown error"
	if cause != nil && cause.Error() != "" {
		msg = cause.Error()
	}
	return t.finish(ctx, jobID, model.JobFailed, items, &msg)
}

func (t *Tracker) finish(ctx context.Context, jobID string, status model.JobStatus, items int, msg *string) error {
	if !model.JobRunning.CanTransition(status) {
		return fmt.Errorf("invalid job transition %s -> %s", model.JobRunning, status)
	}
	end := t.now().UTC()
	res := t.db.WithContext(ctx).
		Model(&model.ETLJob{}).
		Where("job_id = ? AND status = ?", jobID, model.JobRunning).
		Updates(map[string]any{
			"status":          status,
			"items_processed": items,
			"end_time":        end,
			"error_message":   msg,
		})
	if res.Error != nil {
		return fmt.Errorf("finish job %s: %w", jobID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finish job %s as %s: %w", jobID, status, ErrJobNotRunning)
	}
	return nil
}

// Get returns the job with the given id.
func (t *Tracker) Get(ctx context.Context, jobID string) (*model.ETLJob, error) {
	var job model.ETLJob
	if err := t.db.WithContext(ctx).Where("job_id = ?", jobID).Take(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// Latest returns the most recently started job.
func (t *Tracker) Latest(ctx context.Context) (*model.ETLJob, error) {
	var job model.ETLJob
	err := t.db.WithContext(ctx).Order("start_time DESC").Order("job_id DESC").Take(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoJobs
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// List returns up to limit jobs, newest first.
func (t *Tracker) List(ctx context.Context, limit int) ([]model.ETLJob, error) {
	if limit <= 0 {
		limit = 20
	}
	var out []model.ETLJob
	err := t.db.WithContext(ctx).Order("start_time DESC").Order("job_id DESC").Limit(limit).Find(&out).Error
	return out, err
}
