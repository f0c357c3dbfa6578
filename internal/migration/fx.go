package migration

import (
	"github.com/smallbiznis/clinicpay/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.DBMigrate {
			return nil
		}

		switch conn.Dialector.Name() {
		case "postgres":
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			return RunMigrations(sqlDB)
		case "sqlite":
			return ApplySQLite(conn)
		default:
			log.Warn("schema migrations are not bundled for this database; apply them manually",
				zap.String("dialect", conn.Dialector.Name()),
			)
			return nil
		}
	}),
)
