package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/platform"
	transactiondomain "github.com/smallbiznis/conversa/internal/transaction/domain"
	"gorm.io/gorm"
)

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrStaleJob       = errors.New("stale_job")
	ErrDispatchFailed = errors.New("dispatch_failed")
	ErrBatchFailed    = errors.New("batch_failed")
	ErrNotPausable    = errors.New("not_pausable")
	ErrNotResumable   = errors.New("not_resumable")
)

// StartExportRequest describes the export a location is asking for.
type StartExportRequest struct {
	LocationID string    `json:"location_id"`
	Kind       string    `json:"kind"`
	Format     string    `json:"format"`
	StartDate  time.Time `json:"start_date"`
	EndDate    time.Time `json:"end_date"`
	Query      string    `json:"query"`
	BatchSize  int       `json:"batch_size"`
}

// StartExportResponse is the accepted job plus the priced quote it was
// charged at.
type StartExportResponse struct {
	Job              *ExportJob   `json:"job"`
	TransactionID    snowflake.ID `json:"transaction_id"`
	FinalAmountCents int64        `json:"final_amount_cents"`
}

// JobStatus pairs a job with the wallet transaction that paid for it,
// so callers see progress and settlement in one read.
type JobStatus struct {
	Job         *ExportJob                           `json:"job"`
	Transaction *transactiondomain.WalletTransaction `json:"transaction,omitempty"`
}

// Dispatcher hands accepted jobs to the worker pool. Implemented by the
// redis stream publisher.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID snowflake.ID, attempt int) error
}

// Sink receives exported batches. Implementations must tolerate the same
// batch arriving twice, since a retried job replays from its cursor.
type Sink interface {
	WriteBatch(ctx context.Context, job *ExportJob, batch int, items []platform.Conversation) error
}

type Service interface {
	// StartExport prices the requested export, charges the location
	// wallet and enqueues the job. The wallet transaction is recorded
	// as failed and no job is created when any meter charge fails.
	StartExport(ctx context.Context, req StartExportRequest) (*StartExportResponse, error)
	// Run claims a dispatched job and processes batches until the job
	// completes, pauses, fails or loses its claim to another worker.
	Run(ctx context.Context, jobID snowflake.ID) error
	// ProcessBatch advances a processing job by exactly one page.
	ProcessBatch(ctx context.Context, jobID snowflake.ID) (*ExportJob, error)
	// Status returns the job with its current progress and the wallet
	// transaction it was charged under.
	Status(ctx context.Context, locationID string, jobID snowflake.ID) (*JobStatus, error)
	// List returns the location's jobs, newest first.
	List(ctx context.Context, locationID string, page, size int) ([]ExportJob, int64, error)
	// Pause asks a pending or processing job to stop after its current
	// batch.
	Pause(ctx context.Context, locationID string, jobID snowflake.ID) (*ExportJob, error)
	// Resume re-enqueues a paused job from its saved cursor.
	Resume(ctx context.Context, locationID string, jobID snowflake.ID) (*ExportJob, error)
	// SweepStale requeues processing jobs whose worker stopped making
	// progress, failing those that exhausted their retries, and
	// re-publishes pending jobs nobody claimed. Returns requeued and
	// failed counts.
	SweepStale(ctx context.Context) (requeued int, failed int, err error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, job *ExportJob) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*ExportJob, error)
	ListByLocation(ctx context.Context, db *gorm.DB, locationID string, offset, limit int) ([]ExportJob, int64, error)
	// Update persists the job guarded by job.Version as the expected
	// stored version, bumping it on success. Returns ErrStaleJob when
	// another writer got there first. Callers stamp job.UpdatedAt from
	// their clock; it is stored as given.
	Update(ctx context.Context, db *gorm.DB, job *ExportJob) error
	ListStale(ctx context.Context, db *gorm.DB, status Status, before time.Time) ([]ExportJob, error)
}
