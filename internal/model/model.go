package model

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus is the lifecycle state of one ingestion run.
type JobStatus string

const (
	// JobPending is the state of a job that has been created but not started.
	JobPending JobStatus = "PENDING"
	// JobRunning is entered exactly once, when the run starts.
	JobRunning JobStatus = "RUNNING"
	// JobSuccess marks a run whose unified changes were committed.
	JobSuccess JobStatus = "SUCCESS"
	// JobFailed marks a run that aborted; its unified changes were discarded.
	JobFailed JobStatus = "FAILED"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobStatus) Terminal() bool {
	return s == JobSuccess || s == JobFailed
}

// CanTransition reports whether the state machine allows s -> to.
func (s JobStatus) CanTransition(to JobStatus) bool {
	switch s {
	case JobPending:
		return to == JobRunning
	case JobRunning:
		return to == JobSuccess || to == JobFailed
	default:
		return false
	}
}

// RawRecord is the append-only audit copy of one fetched item.
type RawRecord struct {
	ID         uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Source     string         `gorm:"type:varchar(64);not null;index" json:"source"`
	Payload    datatypes.JSON `json:"payload"`
	IngestedAt time.Time      `gorm:"not null;index" json:"ingested_at"`
}

func (RawRecord) TableName() string {
	return "raw_data"
}

// UnifiedEntity is the merged, one-row-per-symbol view across all sources.
type UnifiedEntity struct {
	Symbol     string                                 `gorm:"primaryKey;type:varchar(32)" json:"symbol"`
	Name       string                                 `gorm:"type:varchar(128)" json:"name"`
	Price      float64                                `gorm:"not null" json:"price"`
	MarketCap  *float64                               `json:"market_cap"`
	SourceData datatypes.JSONType[map[string]float64] `json:"source_data"`
	// ObservedAt is the timestamp of the observation that set Price.
	ObservedAt  time.Time `json:"observed_at"`
	LastUpdated time.Time `gorm:"not null;index" json:"last_updated"`
}

func (UnifiedEntity) TableName() string {
	return "unified_data"
}

// Sources returns a copy of the per-source price map.
func (e UnifiedEntity) Sources() map[string]float64 {
	src := e.SourceData.Data()
	out := make(map[string]float64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// ETLJob records the outcome of one ingestion run.
type ETLJob struct {
	JobID          string     `gorm:"primaryKey;type:varchar(36)" json:"job_id"`
	Status         JobStatus  `gorm:"type:varchar(16);not null;index" json:"status"`
	ItemsProcessed int        `gorm:"not null;default:0" json:"items_processed"`
	StartTime      time.Time  `gorm:"not null;index" json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	ErrorMessage   *string    `json:"error_message,omitempty"`
}

func (ETLJob) TableName() string {
	return "etl_jobs"
}

// Record is a normalized observation that passed validation.
type Record struct {
	Symbol    string
	Name      string
	Price     float64
	MarketCap *float64
	Source    string
	Timestamp time.Time
}
