package platform

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

type stubResolver struct {
	resolveToken string
	resolveErr   error
	renewToken   string
	renewErr     error
	renewCalls   int
}

func (s *stubResolver) Resolve(ctx context.Context, locationID string) (string, error) {
	return s.resolveToken, s.resolveErr
}

func (s *stubResolver) ForceRenew(ctx context.Context, locationID string) (string, error) {
	s.renewCalls++
	return s.renewToken, s.renewErr
}

func TestExecutorSuccessNoRetry(t *testing.T) {
	resolver := &stubResolver{resolveToken: "tok-1"}
	exec := NewExecutor(resolver, zap.NewNop())

	var seen []string
	err := exec.Execute(context.Background(), "loc_1", func(ctx context.Context, token string) error {
		seen = append(seen, token)
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []string{"tok-1"}, seen)
	assert.Equal(t, 0, resolver.renewCalls)
}

func TestExecutorRetriesOnceOnUnauthorized(t *testing.T) {
	resolver := &stubResolver{resolveToken: "stale", renewToken: "fresh"}
	exec := NewExecutor(resolver, zap.NewNop())

	var seen []string
	err := exec.Execute(context.Background(), "loc_1", func(ctx context.Context, token string) error {
		seen = append(seen, token)
		if token == "stale" {
			return ErrUnauthorized
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, []string{"stale", "fresh"}, seen)
	assert.Equal(t, 1, resolver.renewCalls)
}

func TestExecutorSecondUnauthorizedIsAuthenticationFailed(t *testing.T) {
	resolver := &stubResolver{resolveToken: "stale", renewToken: "still-stale"}
	exec := NewExecutor(resolver, zap.NewNop())

	calls := 0
	err := exec.Execute(context.Background(), "loc_1", func(ctx context.Context, token string) error {
		calls++
		return ErrUnauthorized
	})

	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 2, calls, "op must not run a third time")
}

func TestExecutorRenewFailure(t *testing.T) {
	resolver := &stubResolver{resolveToken: "stale", renewErr: errors.New("refresh_rejected")}
	exec := NewExecutor(resolver, zap.NewNop())

	err := exec.Execute(context.Background(), "loc_1", func(ctx context.Context, token string) error {
		return ErrUnauthorized
	})

	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestExecutorPassesThroughOtherErrors(t *testing.T) {
	resolver := &stubResolver{resolveToken: "tok-1"}
	exec := NewExecutor(resolver, zap.NewNop())

	opErr := errors.New("boom")
	err := exec.Execute(context.Background(), "loc_1", func(ctx context.Context, token string) error {
		return opErr
	})

	assert.ErrorIs(t, err, opErr)
	assert.Equal(t, 0, resolver.renewCalls)
}

func TestExecutorResolveFailure(t *testing.T) {
	resolver := &stubResolver{resolveErr: errors.New("no_credential")}
	exec := NewExecutor(resolver, zap.NewNop())

	called := false
	err := exec.Execute(context.Background(), "loc_1", func(ctx context.Context, token string) error {
		called = true
		return nil
	})

	assert.Error(t, err)
	assert.False(t, called)
}
