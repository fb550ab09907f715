// Package upsert merges validated records into the unified table, one row per
// symbol, and stages a run's writes so they commit or roll back together.
package upsert

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cryptoetl/internal/model"
)

// NormalizeSymbol returns the canonical merge key for a symbol.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Merge applies rec to existing and returns the resulting entity. existing
// may be nil for a symbol seen for the first time; it is never mutated.
//
// The incoming source always gets its own entry in source_data. Price and
// market cap are overwritten by the last write, unless guard is set and rec
// is older than the observation that produced the current price. An empty
// incoming name keeps the stored one.
func Merge(existing *model.UnifiedEntity, rec model.Record, now time.Time, guard bool) *model.UnifiedEntity {
	symbol := NormalizeSymbol(rec.Symbol)
	now = now.UTC()

	if existing == nil {
		return &model.UnifiedEntity{
			Symbol:      symbol,
			Name:        rec.Name,
			Price:       rec.Price,
			MarketCap:   copyFloat(rec.MarketCap),
			SourceData:  datatypes.NewJSONType(map[string]float64{rec.Source: rec.Price}),
			ObservedAt:  rec.Timestamp.UTC(),
			LastUpdated: now,
		}
	}

	merged := *existing
	merged.Symbol = symbol
	sources := existing.Sources()
	sources[rec.Source] = rec.Price
	merged.SourceData = datatypes.NewJSONType(sources)
	merged.LastUpdated = now

	if guard && rec.Timestamp.Before(existing.ObservedAt) {
		return &merged
	}

	merged.Price = rec.Price
	merged.ObservedAt = rec.Timestamp.UTC()
	merged.MarketCap = copyFloat(rec.MarketCap)
	if rec.Name != "" {
		merged.Name = rec.Name
	}
	return &merged
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for last_updated.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithStaleGuard keeps the current price when an older observation arrives.
func WithStaleGuard(enabled bool) Option {
	return func(e *Engine) { e.staleGuard = enabled }
}

// WithLogger sets the logger used for commit diagnostics.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// Engine writes merged entities to the unified table.
type Engine struct {
	db         *gorm.DB
	now        func() time.Time
	staleGuard bool
	log        *slog.Logger
}

// New returns an Engine on db.
func New(db *gorm.DB, opts ...Option) *Engine {
	e := &Engine{
		db:  db,
		now: time.Now,
		log: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Upsert merges a single record outside of any run batch.
func (e *Engine) Upsert(ctx context.Context, rec model.Record) (*model.UnifiedEntity, error) {
	var out *model.UnifiedEntity
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = e.apply(tx, map[string]*model.UnifiedEntity{}, rec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// NewBatch starts collecting records for one run.
func (e *Engine) NewBatch() *Batch {
	return &Batch{engine: e}
}

// Batch holds a run's accepted records until Commit. Nothing is written to
// the unified table before Commit, so a discarded batch leaves it untouched.
type Batch struct {
	engine  *Engine
	records []model.Record
	done    bool
}

// Stage queues rec for the next Commit.
func (b *Batch) Stage(rec model.Record) {
	b.records = append(b.records, rec)
}

// Len returns the number of staged records.
func (b *Batch) Len() int {
	return len(b.records)
}

// Discard drops every staged record.
func (b *Batch) Discard() {
	b.records = nil
	b.done = true
}

// ErrBatchClosed is returned when a committed or discarded batch is reused.
var ErrBatchClosed = errors.New("batch already committed or discarded")

// Commit applies every staged record in order inside one transaction and
// returns the number of records applied. On error nothing is persisted.
func (b *Batch) Commit(ctx context.Context) (int, error) {
	if b.done {
		return 0, ErrBatchClosed
	}
	b.done = true
	if len(b.records) == 0 {
		return 0, nil
	}

	e := b.engine
	seen := make(map[string]*model.UnifiedEntity)
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, rec := range b.records {
			if _, err := e.apply(tx, seen, rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		e.log.Error("unified commit rolled back", "records", len(b.records), "error", err)
		return 0, err
	}

	e.log.Debug("unified commit", "records", len(b.records), "symbols", len(seen))
	return len(b.records), nil
}

// apply merges rec against the current row for its symbol. seen caches rows
// already written in this transaction.
func (e *Engine) apply(tx *gorm.DB, seen map[string]*model.UnifiedEntity, rec model.Record) (*model.UnifiedEntity, error) {
	symbol := NormalizeSymbol(rec.Symbol)
	if symbol == "" {
		return nil, errors.New("record has empty symbol")
	}

	existing, cached := seen[symbol]
	if !cached {
		var row model.UnifiedEntity
		err := tx.Where("symbol = ?", symbol).Take(&row).Error
		switch {
		case err == nil:
			existing = &row
		case errors.Is(err, gorm.ErrRecordNotFound):
			existing = nil
		default:
			return nil, fmt.Errorf("load %s: %w", symbol, err)
		}
	}

	merged := Merge(existing, rec, e.now(), e.staleGuard)
	var err error
	if existing == nil {
		err = tx.Create(merged).Error
	} else {
		err = tx.Save(merged).Error
	}
	if err != nil {
		return nil, fmt.Errorf("upsert %s: %w", symbol, err)
	}

	seen[symbol] = merged
	return merged, nil
}
