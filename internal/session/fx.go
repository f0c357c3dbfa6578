package session

import (
	"github.com/smallbiznis/clinicpay/internal/session/domain"
	"github.com/smallbiznis/clinicpay/internal/session/repository"
	"github.com/smallbiznis/clinicpay/internal/session/service"
	"go.uber.org/fx"
)

var Module = fx.Module("session",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s domain.Service) domain.BalanceReader { return s }),
	fx.Provide(func(s domain.Service) domain.BalanceTracker { return s }),
)
