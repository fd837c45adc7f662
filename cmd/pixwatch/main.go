package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/pixwatch/internal/clock"
	"github.com/smallbiznis/pixwatch/internal/config"
	"github.com/smallbiznis/pixwatch/internal/logger"
	"github.com/smallbiznis/pixwatch/internal/migration"
	"github.com/smallbiznis/pixwatch/internal/observability"
	"github.com/smallbiznis/pixwatch/internal/scheduler"
	"github.com/smallbiznis/pixwatch/internal/server"
	"github.com/smallbiznis/pixwatch/pkg/db"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		logger.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		clock.Module,
		db.Module,
		migration.Module,

		// server.Module pulls in rate limiting, records, payment tracking and checkout.
		server.Module,
		scheduler.Module,
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
