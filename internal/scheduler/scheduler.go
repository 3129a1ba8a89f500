package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/clock"
	credentialdomain "github.com/smallbiznis/conversa/internal/credential/domain"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
	obsmetrics "github.com/smallbiznis/conversa/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	ExportJobSvc  exportjobdomain.Service
	CredentialSvc credentialdomain.Service
	Config        Config `optional:"true"`
}

// Scheduler runs the periodic maintenance sweeps: requeueing stalled export
// jobs and purging archived credentials past retention.
type Scheduler struct {
	log           *zap.Logger
	cfg           Config
	genID         *snowflake.Node
	clock         clock.Clock
	exportJobSvc  exportjobdomain.Service
	credentialSvc credentialdomain.Service
}

func New(p Params) (*Scheduler, error) {
	if p.Log == nil || p.GenID == nil || p.Clock == nil || p.ExportJobSvc == nil || p.CredentialSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		log:           p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:           p.Config.withDefaults(),
		genID:         p.GenID,
		clock:         p.Clock,
		exportJobSvc:  p.ExportJobSvc,
		credentialSvc: p.CredentialSvc,
	}, nil
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name)
	if owner {
		s.logJobStart(ctx, run)
	}
	log := s.logger(ctx).With(
		zap.String("job", name),
		zap.String("run_id", run.runID),
	)
	sweepMetrics := obsmetrics.Sweep()
	sweepMetrics.IncJobRun(name)

	err := fn(ctx)
	sweepMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(ctx, run)
	}
	if err == nil {
		return nil
	}

	// deadline is a soft timeout: the next run picks the work back up
	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		sweepMetrics.IncJobTimeout(name)
	}
	sweepMetrics.IncJobError(name, err)
	if isTimeout {
		log.Warn("job timed out",
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return nil
	}

	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) error
	}{
		{"export_sweep", s.isJobEnabled("export_sweep"), func(ctx context.Context) error {
			return s.runJob(ctx, "export_sweep", s.cfg.JobTimeout, s.ExportSweepJob)
		}},
		{"archive_purge", s.isJobEnabled("archive_purge"), func(ctx context.Context) error {
			return s.runJob(ctx, "archive_purge", s.cfg.JobTimeout, s.ArchivePurgeJob)
		}},
	}

	for _, job := range jobs {
		if job.Enabled {
			err = errors.Join(err, job.Run(parent))
		}
	}

	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	sweepMetrics := obsmetrics.Sweep()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			sweepMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	// empty EnabledJobs means every job runs (monolith mode)
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// ExportSweepJob requeues processing jobs whose worker went quiet and
// re-publishes pending jobs nobody picked up.
func (s *Scheduler) ExportSweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "export_sweep")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	requeued, failed, err := s.exportJobSvc.SweepStale(ctx)
	run.AddProcessed(requeued + failed)

	sweepMetrics := obsmetrics.Sweep()
	if requeued > 0 {
		sweepMetrics.IncJobSwept("export_sweep", "requeued")
	}
	if failed > 0 {
		sweepMetrics.IncJobSwept("export_sweep", "failed")
	}
	if err != nil {
		s.logSweepError(ctx, run, "export sweep failed", "export_sweep", err)
		return err
	}

	if requeued > 0 || failed > 0 {
		s.logger(ctx).Info("export sweep finished",
			zap.Int("requeued", requeued),
			zap.Int("failed", failed),
		)
	}
	return nil
}

// ArchivePurgeJob drops archived credentials whose retention expired.
func (s *Scheduler) ArchivePurgeJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "archive_purge")
	if owner {
		s.logJobStart(ctx, run)
		defer s.logJobFinish(ctx, run)
	}

	purged, err := s.credentialSvc.PurgeExpiredArchives(ctx)
	run.AddProcessed(int(purged))
	if err != nil {
		s.logSweepError(ctx, run, "archive purge failed", "archive_purge", err)
		return err
	}

	if purged > 0 {
		obsmetrics.Sweep().IncJobSwept("archive_purge", "purged")
		s.logger(ctx).Info("archived credentials purged", zap.Int64("purged", purged))
	}
	return nil
}
