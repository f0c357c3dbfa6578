package seed

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/clinicpay/internal/clock"
	"github.com/smallbiznis/clinicpay/internal/config"
	patientdomain "github.com/smallbiznis/clinicpay/internal/patient/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("seed",
	fx.Invoke(func(db *gorm.DB, cfg config.Config, node *snowflake.Node, balances patientdomain.BalanceAggregator, clk clock.Clock, log *zap.Logger) error {
		if !cfg.SeedDemoData || cfg.IsProduction() {
			return nil
		}

		result, err := EnsureDemoClinic(context.Background(), db, node, balances, clk.Now())
		if err != nil {
			return err
		}
		if result.Created {
			log.Info("seeded demo clinic data",
				zap.String("patient_id", result.Patient.ID.String()),
				zap.Int("sessions", len(result.Sessions)),
				zap.String("total_debt", result.Patient.TotalDebt.String()),
			)
		}
		return nil
	}),
)
