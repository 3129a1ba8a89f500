package platform

import (
	"context"
	"errors"
	"fmt"

	obslogger "github.com/smallbiznis/conversa/internal/observability/logger"
	"go.uber.org/zap"
)

// TokenResolver supplies location access tokens and can force a renewal when
// the upstream rejects one mid-flight.
type TokenResolver interface {
	Resolve(ctx context.Context, locationID string) (string, error)
	ForceRenew(ctx context.Context, locationID string) (string, error)
}

// Executor runs upstream calls under a resolved location token and retries
// exactly once with a force-renewed token when the upstream answers 401.
type Executor struct {
	resolver TokenResolver
	log      *zap.Logger
}

func NewExecutor(resolver TokenResolver, log *zap.Logger) *Executor {
	return &Executor{resolver: resolver, log: log.Named("platform.executor")}
}

// Execute resolves a token for the location and invokes op with it. If op
// fails with ErrUnauthorized the token is force-renewed and op runs one more
// time; a second 401 surfaces as ErrAuthenticationFailed. Any other error
// from op passes through unchanged.
func (e *Executor) Execute(ctx context.Context, locationID string, op func(ctx context.Context, token string) error) error {
	token, err := e.resolver.Resolve(ctx, locationID)
	if err != nil {
		return fmt.Errorf("resolve token: %w", err)
	}

	err = op(ctx, token)
	if !errors.Is(err, ErrUnauthorized) {
		return err
	}

	obslogger.WithContext(ctx, e.log).Info("upstream rejected token, renewing",
		zap.String("location_id", locationID),
	)

	token, renewErr := e.resolver.ForceRenew(ctx, locationID)
	if renewErr != nil {
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, renewErr)
	}

	if err := op(ctx, token); err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return ErrAuthenticationFailed
		}
		return err
	}
	return nil
}
