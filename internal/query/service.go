// Package query implements the read side: paginated unified data, run
// statistics and the health probe.
package query

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cryptoetl/internal/jobs"
	"cryptoetl/internal/model"
)

const (
	DefaultLimit = 10
	MaxLimit     = 100

	// LastRunNever is reported when no job has been recorded.
	LastRunNever = "NEVER_RUN"
	// LastRunUnknown is reported when the job table cannot be read.
	LastRunUnknown = "UNKNOWN"

	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// Pinger probes the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Page is a limit/offset window.
type Page struct {
	Limit  int
	Offset int
}

// Normalize clamps limit into [1, MaxLimit] (zero means DefaultLimit) and
// offset to be non-negative.
func (p Page) Normalize() Page {
	switch {
	case p.Limit == 0:
		p.Limit = DefaultLimit
	case p.Limit < 1:
		p.Limit = 1
	case p.Limit > MaxLimit:
		p.Limit = MaxLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Filter narrows the unified listing. Empty fields match everything.
type Filter struct {
	Symbol string
	Source string
}

// Result is one page of unified entities with the unfiltered-by-page total.
type Result struct {
	Total int64
	Page  Page
	Items []model.UnifiedEntity
}

// Stats summarizes the store for the stats endpoint.
type Stats struct {
	TotalUnified int64
	LastJob      *model.ETLJob
}

// Health is the outcome of a health probe.
type Health struct {
	Status            string
	DatabaseReachable bool
	LastETLStatus     string
	ServerTime        time.Time
}

// Service answers read queries against the store.
type Service struct {
	db      *gorm.DB
	pinger  Pinger
	tracker *jobs.Tracker
	now     func() time.Time
}

// New returns a Service.
func New(db *gorm.DB, pinger Pinger, tracker *jobs.Tracker) *Service {
	return &Service{db: db, pinger: pinger, tracker: tracker, now: time.Now}
}

// List returns unified entities, most recently updated first.
func (s *Service) List(ctx context.Context, f Filter, p Page) (Result, error) {
	p = p.Normalize()

	scope := func(db *gorm.DB) *gorm.DB {
		if sym := strings.ToUpper(strings.TrimSpace(f.Symbol)); sym != "" {
			db = db.Where("symbol = ?", sym)
		}
		if src := strings.TrimSpace(f.Source); src != "" {
			db = db.Where(datatypes.JSONQuery("source_data").HasKey(src))
		}
		return db
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&model.UnifiedEntity{}).Scopes(scope).Count(&total).Error; err != nil {
		return Result{}, err
	}

	items := make([]model.UnifiedEntity, 0, p.Limit)
	err := s.db.WithContext(ctx).Scopes(scope).
		Order("last_updated DESC").Order("symbol ASC").
		Limit(p.Limit).Offset(p.Offset).
		Find(&items).Error
	if err != nil {
		return Result{}, err
	}
	return Result{Total: total, Page: p, Items: items}, nil
}

// Stats returns the unified row count and the latest job, if any.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.UnifiedEntity{}).Count(&total).Error; err != nil {
		return Stats{}, err
	}

	job, err := s.tracker.Latest(ctx)
	if errors.Is(err, jobs.ErrNoJobs) {
		return Stats{TotalUnified: total}, nil
	}
	if err != nil {
		return Stats{}, err
	}
	return Stats{TotalUnified: total, LastJob: job}, nil
}

// Jobs returns the most recent runs.
func (s *Service) Jobs(ctx context.Context, limit int) ([]model.ETLJob, error) {
	return s.tracker.List(ctx, Page{Limit: limit}.Normalize().Limit)
}

// Health probes the store. It never returns an error: an unreachable store
// is reported as a degraded status.
func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:            StatusOK,
		DatabaseReachable: true,
		LastETLStatus:     LastRunUnknown,
		ServerTime:        s.now().UTC(),
	}

	if err := s.pinger.Ping(ctx); err != nil {
		h.Status = StatusDegraded
		h.DatabaseReachable = false
		return h
	}

	job, err := s.tracker.Latest(ctx)
	switch {
	case errors.Is(err, jobs.ErrNoJobs):
		h.LastETLStatus = LastRunNever
	case err != nil:
		h.LastETLStatus = LastRunUnknown
	default:
		h.LastETLStatus = string(job.Status)
	}
	return h
}
