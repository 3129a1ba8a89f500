package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/conversa/internal/clock"
	"github.com/smallbiznis/conversa/internal/migration"
	"github.com/smallbiznis/conversa/internal/observability"
	"github.com/smallbiznis/conversa/internal/scheduler"
	"github.com/smallbiznis/conversa/internal/server"
	"github.com/smallbiznis/conversa/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		clock.Module,
		migration.Module,
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake() *snowflake.Node {
	node, err := snowflake.NewNode(1)
	if err != nil {
		panic(err)
	}
	return node
}
