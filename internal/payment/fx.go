package payment

import (
	"github.com/smallbiznis/clinicpay/internal/payment/domain"
	"github.com/smallbiznis/clinicpay/internal/payment/repository"
	"github.com/smallbiznis/clinicpay/internal/payment/service"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s domain.Service) domain.CardLedger { return s }),
)
