package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/clock"
	credentialdomain "github.com/smallbiznis/conversa/internal/credential/domain"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
	"github.com/smallbiznis/conversa/internal/platform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExportSvc struct {
	exportjobdomain.Service

	requeued int
	failed   int
	err      error
	calls    int
}

func (f *fakeExportSvc) SweepStale(ctx context.Context) (int, int, error) {
	f.calls++
	return f.requeued, f.failed, f.err
}

type fakeCredentialSvc struct {
	purged int64
	err    error
	calls  int
}

func (f *fakeCredentialSvc) PurgeExpiredArchives(ctx context.Context) (int64, error) {
	f.calls++
	return f.purged, f.err
}

func (f *fakeCredentialSvc) Resolve(ctx context.Context, locationID string) (string, error) {
	return "", credentialdomain.ErrNoCredential
}

func (f *fakeCredentialSvc) ForceRenew(ctx context.Context, locationID string) (string, error) {
	return "", credentialdomain.ErrNoCredential
}

func (f *fakeCredentialSvc) StoreGrant(ctx context.Context, tok platform.Token) error { return nil }

func (f *fakeCredentialSvc) ArchiveAndDelete(ctx context.Context, companyID, locationID string) error {
	return nil
}

func newScheduler(t *testing.T, exports *fakeExportSvc, creds *fakeCredentialSvc, cfg Config) *Scheduler {
	t.Helper()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)

	sched, err := New(Params{
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)),
		ExportJobSvc:  exports,
		CredentialSvc: creds,
		Config:        cfg,
	})
	require.NoError(t, err)
	return sched
}

func TestRunOnceRunsAllJobs(t *testing.T) {
	exports := &fakeExportSvc{requeued: 2, failed: 1}
	creds := &fakeCredentialSvc{purged: 5}
	sched := newScheduler(t, exports, creds, Config{})

	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Equal(t, 1, exports.calls)
	assert.Equal(t, 1, creds.calls)
}

func TestRunOnceJobFilter(t *testing.T) {
	exports := &fakeExportSvc{}
	creds := &fakeCredentialSvc{}
	sched := newScheduler(t, exports, creds, Config{EnabledJobs: []string{"export_sweep"}})

	require.NoError(t, sched.RunOnce(context.Background()))
	assert.Equal(t, 1, exports.calls)
	assert.Zero(t, creds.calls)
}

func TestRunOnceCollectsErrors(t *testing.T) {
	exports := &fakeExportSvc{err: errors.New("db gone")}
	creds := &fakeCredentialSvc{purged: 1}
	sched := newScheduler(t, exports, creds, Config{})

	err := sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export_sweep")
	// one failing job does not stop the other
	assert.Equal(t, 1, creds.calls)
}

func TestNewRejectsMissingDeps(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.RunInterval)
	assert.Equal(t, 30*time.Second, cfg.JobTimeout)
}
