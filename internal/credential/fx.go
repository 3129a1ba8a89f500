package credential

import (
	credentialdomain "github.com/smallbiznis/conversa/internal/credential/domain"
	"github.com/smallbiznis/conversa/internal/credential/repository"
	"github.com/smallbiznis/conversa/internal/credential/service"
	"github.com/smallbiznis/conversa/internal/platform"
	"go.uber.org/fx"
)

var Module = fx.Module("credential.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
	fx.Provide(func(c *platform.Client) credentialdomain.Exchanger { return c }),
	fx.Provide(func(s credentialdomain.Service) platform.TokenResolver { return s }),
)
