package exportjob

import (
	"context"

	"github.com/smallbiznis/conversa/internal/exportjob/dispatch"
	exportjobdomain "github.com/smallbiznis/conversa/internal/exportjob/domain"
	"github.com/smallbiznis/conversa/internal/exportjob/repository"
	"github.com/smallbiznis/conversa/internal/exportjob/service"
	"github.com/smallbiznis/conversa/internal/exportjob/sink"
	"go.uber.org/fx"
)

var Module = fx.Module("exportjob.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(sink.NewFileSink),
	fx.Provide(func(s *sink.FileSink) exportjobdomain.Sink { return s }),
	fx.Provide(dispatch.NewPublisher),
	fx.Provide(func(p *dispatch.Publisher) exportjobdomain.Dispatcher { return p }),
	fx.Provide(dispatch.NewConsumer),
	fx.Invoke(runConsumer),
)

func runConsumer(lc fx.Lifecycle, c *dispatch.Consumer) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return c.Start(ctx) },
		OnStop:  func(ctx context.Context) error { return c.Stop(ctx) },
	})
}
