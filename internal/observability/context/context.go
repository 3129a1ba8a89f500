package obscontext

import "context"

type contextKey string

const (
	requestIDKey  contextKey = "request_id"
	locationIDKey contextKey = "location_id"
	jobIDKey      contextKey = "job_id"
)

// WithRequestID stores the request correlation id in the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext returns the request correlation id, if any.
func RequestIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(requestIDKey).(string)
	return value
}

// WithLocationID stores the tenant location id in the context.
func WithLocationID(ctx context.Context, locationID string) context.Context {
	if locationID == "" {
		return ctx
	}
	return context.WithValue(ctx, locationIDKey, locationID)
}

// LocationIDFromContext returns the tenant location id, if any.
func LocationIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(locationIDKey).(string)
	return value
}

// WithJobID stores the export job id in the context.
func WithJobID(ctx context.Context, jobID string) context.Context {
	if jobID == "" {
		return ctx
	}
	return context.WithValue(ctx, jobIDKey, jobID)
}

// JobIDFromContext returns the export job id, if any.
func JobIDFromContext(ctx context.Context) string {
	value, _ := ctx.Value(jobIDKey).(string)
	return value
}
