package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/orderpulse/orderpulse/internal/clock"
	"github.com/orderpulse/orderpulse/internal/config"
	"github.com/orderpulse/orderpulse/internal/migration"
	"github.com/orderpulse/orderpulse/internal/observability"
	"github.com/orderpulse/orderpulse/internal/scheduler"
	"github.com/orderpulse/orderpulse/internal/server"
	"github.com/orderpulse/orderpulse/pkg/db"
	"github.com/orderpulse/orderpulse/pkg/log"
	"go.uber.org/fx"
)

func main() {
	app := fx.New(
		config.Module,
		log.Module,
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

func RegisterSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}
