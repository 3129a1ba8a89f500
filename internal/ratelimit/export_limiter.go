package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/config"
)

const (
	keyExportStart = "export:start:%s"
	keyJobLock     = "export:job:lock:%s"
)

// ExportLimiter throttles export starts per location and serializes job
// processing so one worker runs a job at a time. Both are best-effort: the
// job version column is what actually guarantees single-writer progress.
type ExportLimiter struct {
	enabled bool

	bucket *TokenBucket
	locker *Locker

	startRate  float64
	startBurst int
	lockTTL    time.Duration
}

func NewExportLimiter(cfg config.Config, bucket *TokenBucket, locker *Locker) *ExportLimiter {
	if !cfg.RateLimitEnabled {
		return &ExportLimiter{}
	}
	return &ExportLimiter{
		enabled:    true,
		bucket:     bucket,
		locker:     locker,
		startRate:  cfg.ExportStartRate,
		startBurst: cfg.ExportStartBurst,
		lockTTL:    time.Duration(cfg.JobLockTTLSeconds) * time.Second,
	}
}

func (l *ExportLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// AllowStart reports whether the location may start another export now.
func (l *ExportLimiter) AllowStart(ctx context.Context, locationID string) (bool, error) {
	if !l.Enabled() {
		return true, nil
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyExportStart, strings.TrimSpace(locationID)), l.startRate, l.startBurst)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}

// TryLockJob claims the processing lock for a job.
func (l *ExportLimiter) TryLockJob(ctx context.Context, jobID snowflake.ID) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}
	return l.locker.TryLock(ctx, fmt.Sprintf(keyJobLock, jobID), l.lockTTL)
}

// ReleaseJob releases a previously claimed job lock.
func (l *ExportLimiter) ReleaseJob(ctx context.Context, jobID snowflake.ID, token string) error {
	if !l.Enabled() {
		return nil
	}
	return l.locker.Release(ctx, fmt.Sprintf(keyJobLock, jobID), token)
}
