package main

import (
	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	"github.com/smallbiznis/clinicpay/internal/migration"
	"github.com/smallbiznis/clinicpay/internal/observability"
	"github.com/smallbiznis/clinicpay/internal/scheduler"
	"github.com/smallbiznis/clinicpay/internal/seed"
	"github.com/smallbiznis/clinicpay/internal/server"
	"github.com/smallbiznis/clinicpay/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

func main() {
	app := fx.New(
		// Core Infrastructure
		config.Module,
		observability.Module,
		fx.Provide(RegisterSnowflake),
		db.Module,
		migration.Module,
		clock.Module,
		seed.Module,

		// Ledger, reconciliation and the HTTP surface
		server.Module,
		scheduler.Module,

		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
	)
	app.Run()
}

func RegisterSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.SnowflakeNode)
}
