package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Status is the lifecycle state of an export job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusPaused     Status = "paused"
)

// Terminal reports whether no further processing may happen for the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	// DefaultBatchSize is how many items one ProcessBatch call pulls.
	DefaultBatchSize = 100
	// DefaultMaxRetries bounds how often the sweeper re-dispatches a
	// stalled job before failing it.
	DefaultMaxRetries = 3
	// StaleAfter is how long a processing job may go without batch
	// progress before the sweeper considers its worker dead.
	StaleAfter = 30 * time.Minute
	// RedispatchPendingAfter is how long a pending job may sit
	// unclaimed before the sweeper re-publishes it.
	RedispatchPendingAfter = 5 * time.Minute
)

// ExportJob is one resumable conversation export. Progress lives in the row
// itself so any worker can pick the job up from its cursor. Version guards
// every update so two workers cannot advance the same job concurrently.
type ExportJob struct {
	ID              snowflake.ID      `gorm:"primaryKey" json:"id"`
	LocationID      string            `gorm:"column:location_id;type:text;not null;index:ix_export_jobs_location" json:"location_id"`
	TransactionID   snowflake.ID      `gorm:"column:transaction_id;not null" json:"transaction_id"`
	Kind            string            `gorm:"type:text;not null" json:"kind"`
	Format          string            `gorm:"type:text;not null" json:"format"`
	Filters         datatypes.JSONMap `gorm:"type:jsonb;not null;default:'{}'" json:"filters"`
	TotalItems      int               `gorm:"column:total_items;not null;default:0" json:"total_items"`
	ProcessedItems  int               `gorm:"column:processed_items;not null;default:0" json:"processed_items"`
	BatchSize       int               `gorm:"column:batch_size;not null;default:100" json:"batch_size"`
	CurrentBatch    int               `gorm:"column:current_batch;not null;default:0" json:"current_batch"`
	TotalBatches    int               `gorm:"column:total_batches;not null;default:0" json:"total_batches"`
	Cursor          string            `gorm:"type:text;not null;default:''" json:"-"`
	RetryCount      int               `gorm:"column:retry_count;not null;default:0" json:"retry_count"`
	MaxRetries      int               `gorm:"column:max_retries;not null;default:3" json:"max_retries"`
	Status          Status            `gorm:"type:text;not null;index:ix_export_jobs_status_last_processed,priority:1" json:"status"`
	Error           string            `gorm:"type:text;not null;default:''" json:"error,omitempty"`
	Version         int64             `gorm:"not null;default:0" json:"-"`
	LastProcessedAt *time.Time        `gorm:"column:last_processed_at;index:ix_export_jobs_status_last_processed,priority:2" json:"last_processed_at,omitempty"`
	CreatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"created_at"`
	UpdatedAt       time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP" json:"updated_at"`
}

// TableName sets the database table name.
func (ExportJob) TableName() string { return "export_jobs" }
