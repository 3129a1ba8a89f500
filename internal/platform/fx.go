package platform

import (
	"github.com/smallbiznis/conversa/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("platform",
	fx.Provide(provideClient),
	fx.Provide(NewExecutor),
)

func provideClient(cfg config.Config, log *zap.Logger) *Client {
	return NewClient(ConfigFromApp(cfg), log)
}
