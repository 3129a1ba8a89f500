package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/clock"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
	obscontext "github.com/smallbiznis/conversa/internal/observability/context"
	obslogger "github.com/smallbiznis/conversa/internal/observability/logger"
	"github.com/smallbiznis/conversa/internal/observability/metrics"
	"github.com/smallbiznis/conversa/internal/platform"
	pricingdomain "github.com/smallbiznis/conversa/internal/pricing/domain"
	transactiondomain "github.com/smallbiznis/conversa/internal/transaction/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	Repo         exportjobdomain.Repository
	Transactions transactiondomain.Repository
	Pricing      pricingdomain.Service
	Client       *platform.Client
	Executor     *platform.Executor
	Dispatcher   exportjobdomain.Dispatcher
	Sink         exportjobdomain.Sink
	Metrics      *metrics.Metrics
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	repo         exportjobdomain.Repository
	transactions transactiondomain.Repository
	pricing      pricingdomain.Service
	client       *platform.Client
	executor     *platform.Executor
	dispatcher   exportjobdomain.Dispatcher
	sink         exportjobdomain.Sink
	metrics      *metrics.Metrics
}

func New(p Params) exportjobdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("exportjob.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		repo:         p.Repo,
		transactions: p.Transactions,
		pricing:      p.Pricing,
		client:       p.Client,
		executor:     p.Executor,
		dispatcher:   p.Dispatcher,
		sink:         p.Sink,
		metrics:      p.Metrics,
	}
}

func (s *Service) StartExport(ctx context.Context, req exportjobdomain.StartExportRequest) (*exportjobdomain.StartExportResponse, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		return nil, err
	}
	log := obslogger.WithLocation(obslogger.WithContext(ctx, s.log), req.LocationID)

	filters := platform.SearchFilters{
		LocationID: req.LocationID,
		StartDate:  req.StartDate,
		EndDate:    req.EndDate,
		Query:      req.Query,
	}

	var counts platform.ItemCounts
	err = s.executor.Execute(ctx, req.LocationID, func(ctx context.Context, token string) error {
		var err error
		counts, err = s.client.CountItems(ctx, token, filters)
		return err
	})
	if err != nil {
		return nil, err
	}

	est, err := s.pricing.Estimate(ctx, req.LocationID, counts.PerMeter())
	if err != nil {
		if errors.Is(err, pricingdomain.ErrNothingToCharge) {
			return nil, fmt.Errorf("%w: no items match the filters", exportjobdomain.ErrInvalidRequest)
		}
		return nil, err
	}

	now := s.clock.Now().UTC()
	txn := &transactiondomain.WalletTransaction{
		ID:                  s.genID.Generate(),
		LocationID:          req.LocationID,
		ItemCounts:          transactiondomain.CountsToJSON(est.ItemCounts),
		CentsPrices:         transactiondomain.CountsToJSON(est.CentsPrices),
		BaseAmountCents:     est.BaseCents,
		DiscountPercent:     est.DiscountPercent,
		DiscountAmountCents: est.DiscountCents,
		FinalAmountCents:    est.FinalCents,
		Status:              transactiondomain.StatusPending,
		ChargeIDs:           datatypes.JSONMap{},
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := s.transactions.Insert(ctx, s.db, txn); err != nil {
		return nil, err
	}

	jobID := s.genID.Generate()
	result, err := s.pricing.Charge(ctx, est, fmt.Sprintf("%s export %s", req.Kind, jobID))
	if err != nil {
		log.Warn("wallet charge failed",
			zap.String("failed_meter", result.FailedMeter),
			zap.Error(err),
		)
		if markErr := s.transactions.MarkFailed(ctx, s.db, txn.ID, result.ChargeIDs, err.Error(), s.clock.Now().UTC()); markErr != nil {
			log.Error("mark transaction failed", zap.Error(markErr))
		}
		return nil, err
	}
	if err := s.transactions.MarkCharged(ctx, s.db, txn.ID, result.ChargeIDs, s.clock.Now().UTC()); err != nil {
		return nil, err
	}

	job := &exportjobdomain.ExportJob{
		ID:            jobID,
		LocationID:    req.LocationID,
		TransactionID: txn.ID,
		Kind:          req.Kind,
		Format:        req.Format,
		Filters:       filtersToJSON(req),
		TotalItems:    int(est.TotalItems),
		BatchSize:     req.BatchSize,
		TotalBatches:  totalBatches(int(est.TotalItems), req.BatchSize),
		MaxRetries:    exportjobdomain.DefaultMaxRetries,
		Status:        exportjobdomain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.repo.Insert(ctx, s.db, job); err != nil {
		return nil, err
	}

	s.metrics.RecordExportStarted(ctx, job.Kind)
	log.Info("export accepted",
		zap.Stringer("job_id", job.ID),
		zap.Int("total_items", job.TotalItems),
		zap.Int64("final_amount_cents", est.FinalCents),
	)

	// A failed publish is not fatal here: the wallet is already charged
	// and the sweeper re-publishes unclaimed pending jobs.
	if err := s.dispatcher.Dispatch(ctx, job.ID, 0); err != nil {
		log.Warn("job dispatch failed, sweeper will retry", zap.Error(err))
	}

	return &exportjobdomain.StartExportResponse{
		Job:              job,
		TransactionID:    txn.ID,
		FinalAmountCents: est.FinalCents,
	}, nil
}

func (s *Service) Run(ctx context.Context, jobID snowflake.ID) error {
	ctx = obscontext.WithJobID(ctx, jobID.String())
	log := obslogger.WithContext(ctx, s.log)

	job, err := s.repo.FindByID(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return exportjobdomain.ErrNotFound
	}

	switch job.Status {
	case exportjobdomain.StatusPending:
		job.Status = exportjobdomain.StatusProcessing
		now := s.clock.Now().UTC()
		job.LastProcessedAt = &now
		if err := s.update(ctx, job); err != nil {
			if errors.Is(err, exportjobdomain.ErrStaleJob) {
				// another worker claimed the duplicate delivery
				return nil
			}
			return err
		}
	case exportjobdomain.StatusProcessing:
		// resumed by the sweeper after a worker died mid-run
	default:
		return nil
	}

	for {
		job, err = s.ProcessBatch(ctx, jobID)
		if err != nil {
			return s.handleBatchFailure(ctx, jobID, err)
		}
		if job.Status != exportjobdomain.StatusProcessing {
			log.Info("export run finished", zap.String("status", string(job.Status)))
			return nil
		}
		if ctx.Err() != nil {
			// shutdown mid-job: leave it processing, the sweeper
			// requeues it once it goes stale
			return ctx.Err()
		}
	}
}

func (s *Service) ProcessBatch(ctx context.Context, jobID snowflake.ID) (*exportjobdomain.ExportJob, error) {
	job, err := s.repo.FindByID(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, exportjobdomain.ErrNotFound
	}
	if job.Status != exportjobdomain.StatusProcessing {
		return job, nil
	}

	var page platform.ConversationPage
	err = s.executor.Execute(ctx, job.LocationID, func(ctx context.Context, token string) error {
		var err error
		page, err = s.client.SearchConversations(ctx, token, filtersFromJob(job), job.Cursor, job.BatchSize)
		return err
	})
	if err != nil {
		s.metrics.RecordBatchProcessed(ctx, job.Kind, "error")
		return job, fmt.Errorf("%w: fetch page: %w", exportjobdomain.ErrBatchFailed, err)
	}

	batch := job.CurrentBatch + 1
	if len(page.Items) > 0 {
		if err := s.sink.WriteBatch(ctx, job, batch, page.Items); err != nil {
			s.metrics.RecordBatchProcessed(ctx, job.Kind, "error")
			return job, fmt.Errorf("%w: write batch %d: %w", exportjobdomain.ErrBatchFailed, batch, err)
		}
	}

	now := s.clock.Now().UTC()
	job.ProcessedItems += len(page.Items)
	job.CurrentBatch = batch
	job.Cursor = page.NextCursor
	job.LastProcessedAt = &now
	// An empty page is not the end of the export: the upstream may hand
	// back sparse pages mid-scroll. Only an exhausted cursor completes.
	if page.NextCursor == "" {
		job.Status = exportjobdomain.StatusCompleted
		job.Cursor = ""
	}

	if err := s.update(ctx, job); err != nil {
		return job, err
	}

	s.metrics.RecordBatchProcessed(ctx, job.Kind, "ok")
	return job, nil
}

// handleBatchFailure decides between immediate requeue and giving up.
// Authentication errors cannot heal on their own, so they fail the job
// right away; transient upstream errors burn one retry.
func (s *Service) handleBatchFailure(ctx context.Context, jobID snowflake.ID, batchErr error) error {
	log := obslogger.WithContext(ctx, s.log)

	job, err := s.repo.FindByID(ctx, s.db, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status != exportjobdomain.StatusProcessing {
		return batchErr
	}

	permanent := errors.Is(batchErr, platform.ErrAuthenticationFailed)
	job.RetryCount++
	job.Error = batchErr.Error()

	if permanent || job.RetryCount > job.MaxRetries {
		job.Status = exportjobdomain.StatusFailed
		if err := s.update(ctx, job); err != nil && !errors.Is(err, exportjobdomain.ErrStaleJob) {
			return err
		}
		log.Error("export job failed",
			zap.Int("retry_count", job.RetryCount),
			zap.Bool("permanent", permanent),
			zap.Error(batchErr),
		)
		return batchErr
	}

	job.Status = exportjobdomain.StatusPending
	if err := s.update(ctx, job); err != nil {
		if errors.Is(err, exportjobdomain.ErrStaleJob) {
			return batchErr
		}
		return err
	}
	if err := s.dispatcher.Dispatch(ctx, job.ID, job.RetryCount); err != nil {
		log.Warn("requeue dispatch failed, sweeper will retry", zap.Error(err))
	}
	log.Warn("export batch failed, job requeued",
		zap.Int("retry_count", job.RetryCount),
		zap.Error(batchErr),
	)
	return batchErr
}

func (s *Service) Status(ctx context.Context, locationID string, jobID snowflake.ID) (*exportjobdomain.JobStatus, error) {
	job, err := s.ownedJob(ctx, locationID, jobID)
	if err != nil {
		return nil, err
	}
	txn, err := s.transactions.FindByID(ctx, s.db, job.TransactionID)
	if err != nil {
		return nil, err
	}
	return &exportjobdomain.JobStatus{Job: job, Transaction: txn}, nil
}

func (s *Service) List(ctx context.Context, locationID string, page, size int) ([]exportjobdomain.ExportJob, int64, error) {
	if page < 1 {
		page = 1
	}
	if size < 1 || size > 100 {
		size = 20
	}
	return s.repo.ListByLocation(ctx, s.db, locationID, (page-1)*size, size)
}

func (s *Service) Pause(ctx context.Context, locationID string, jobID snowflake.ID) (*exportjobdomain.ExportJob, error) {
	job, err := s.ownedJob(ctx, locationID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != exportjobdomain.StatusPending && job.Status != exportjobdomain.StatusProcessing {
		return nil, exportjobdomain.ErrNotPausable
	}

	job.Status = exportjobdomain.StatusPaused
	if err := s.update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Service) Resume(ctx context.Context, locationID string, jobID snowflake.ID) (*exportjobdomain.ExportJob, error) {
	job, err := s.ownedJob(ctx, locationID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != exportjobdomain.StatusPaused {
		return nil, exportjobdomain.ErrNotResumable
	}

	job.Status = exportjobdomain.StatusPending
	if err := s.update(ctx, job); err != nil {
		return nil, err
	}
	if err := s.dispatcher.Dispatch(ctx, job.ID, job.RetryCount); err != nil {
		return nil, fmt.Errorf("%w: %v", exportjobdomain.ErrDispatchFailed, err)
	}
	return job, nil
}

func (s *Service) SweepStale(ctx context.Context) (int, int, error) {
	now := s.clock.Now().UTC()
	requeued, failed := 0, 0

	stale, err := s.repo.ListStale(ctx, s.db, exportjobdomain.StatusProcessing, now.Add(-exportjobdomain.StaleAfter))
	if err != nil {
		return 0, 0, err
	}
	for i := range stale {
		job := &stale[i]
		log := s.log.With(zap.Stringer("job_id", job.ID))

		job.RetryCount++
		if job.RetryCount > job.MaxRetries {
			job.Status = exportjobdomain.StatusFailed
			job.Error = "worker made no progress and retries are exhausted"
			if err := s.update(ctx, job); err != nil {
				if errors.Is(err, exportjobdomain.ErrStaleJob) {
					continue
				}
				return requeued, failed, err
			}
			failed++
			log.Error("stale export job failed", zap.Int("retry_count", job.RetryCount))
			continue
		}

		job.Status = exportjobdomain.StatusPending
		if err := s.update(ctx, job); err != nil {
			if errors.Is(err, exportjobdomain.ErrStaleJob) {
				continue
			}
			return requeued, failed, err
		}
		if err := s.dispatcher.Dispatch(ctx, job.ID, job.RetryCount); err != nil {
			log.Warn("stale job dispatch failed", zap.Error(err))
			continue
		}
		requeued++
		log.Warn("stale export job requeued", zap.Int("retry_count", job.RetryCount))
	}

	pending, err := s.repo.ListStale(ctx, s.db, exportjobdomain.StatusPending, now.Add(-exportjobdomain.RedispatchPendingAfter))
	if err != nil {
		return requeued, failed, err
	}
	for i := range pending {
		job := &pending[i]
		// bump the version so only one sweeper instance re-publishes
		if err := s.update(ctx, job); err != nil {
			if errors.Is(err, exportjobdomain.ErrStaleJob) {
				continue
			}
			return requeued, failed, err
		}
		if err := s.dispatcher.Dispatch(ctx, job.ID, job.RetryCount); err != nil {
			s.log.Warn("pending job dispatch failed",
				zap.Stringer("job_id", job.ID),
				zap.Error(err),
			)
			continue
		}
		requeued++
	}

	return requeued, failed, nil
}

// update stamps the job with the service clock before the guarded write,
// so stale detection in the sweeper works off injected time.
func (s *Service) update(ctx context.Context, job *exportjobdomain.ExportJob) error {
	job.UpdatedAt = s.clock.Now().UTC()
	return s.repo.Update(ctx, s.db, job)
}

func (s *Service) ownedJob(ctx context.Context, locationID string, jobID snowflake.ID) (*exportjobdomain.ExportJob, error) {
	job, err := s.repo.FindByID(ctx, s.db, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil || job.LocationID != locationID {
		return nil, exportjobdomain.ErrNotFound
	}
	return job, nil
}

func normalizeRequest(req exportjobdomain.StartExportRequest) (exportjobdomain.StartExportRequest, error) {
	req.LocationID = strings.TrimSpace(req.LocationID)
	if req.LocationID == "" {
		return req, fmt.Errorf("%w: location_id is required", exportjobdomain.ErrInvalidRequest)
	}

	req.Kind = strings.TrimSpace(strings.ToLower(req.Kind))
	if req.Kind == "" {
		req.Kind = "conversations"
	}
	if req.Kind != "conversations" {
		return req, fmt.Errorf("%w: unsupported kind %q", exportjobdomain.ErrInvalidRequest, req.Kind)
	}

	req.Format = strings.TrimSpace(strings.ToLower(req.Format))
	if req.Format == "" {
		req.Format = "jsonl"
	}
	if req.Format != "jsonl" && req.Format != "csv" {
		return req, fmt.Errorf("%w: unsupported format %q", exportjobdomain.ErrInvalidRequest, req.Format)
	}

	if !req.StartDate.IsZero() && !req.EndDate.IsZero() && req.EndDate.Before(req.StartDate) {
		return req, fmt.Errorf("%w: end_date before start_date", exportjobdomain.ErrInvalidRequest)
	}

	if req.BatchSize <= 0 {
		req.BatchSize = exportjobdomain.DefaultBatchSize
	}
	if req.BatchSize > 500 {
		req.BatchSize = 500
	}
	return req, nil
}

func totalBatches(totalItems, batchSize int) int {
	if totalItems <= 0 || batchSize <= 0 {
		return 0
	}
	return (totalItems + batchSize - 1) / batchSize
}

func filtersToJSON(req exportjobdomain.StartExportRequest) datatypes.JSONMap {
	filters := datatypes.JSONMap{}
	if !req.StartDate.IsZero() {
		filters["start_date"] = req.StartDate.UTC().Format(time.RFC3339)
	}
	if !req.EndDate.IsZero() {
		filters["end_date"] = req.EndDate.UTC().Format(time.RFC3339)
	}
	if req.Query != "" {
		filters["query"] = req.Query
	}
	return filters
}

func filtersFromJob(job *exportjobdomain.ExportJob) platform.SearchFilters {
	filters := platform.SearchFilters{LocationID: job.LocationID}
	if raw, ok := job.Filters["start_date"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.StartDate = t
		}
	}
	if raw, ok := job.Filters["end_date"].(string); ok {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			filters.EndDate = t
		}
	}
	if raw, ok := job.Filters["query"].(string); ok {
		filters.Query = raw
	}
	return filters
}
