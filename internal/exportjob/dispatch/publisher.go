package dispatch

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/conversa/internal/config"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
)

// Publisher enqueues accepted export jobs onto a redis stream. Delivery is
// at-least-once; consumers deduplicate through the job's version column.
type Publisher struct {
	client *redis.Client
	stream string
}

func NewPublisher(client *redis.Client, cfg config.Config) *Publisher {
	return &Publisher{client: client, stream: cfg.DispatchStream}
}

func (p *Publisher) Dispatch(ctx context.Context, jobID snowflake.ID, attempt int) error {
	err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]any{
			"job_id":  jobID.String(),
			"attempt": attempt,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", exportjobdomain.ErrDispatchFailed, err)
	}
	return nil
}
