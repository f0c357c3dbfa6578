package patient

import (
	"github.com/smallbiznis/clinicpay/internal/patient/domain"
	"github.com/smallbiznis/clinicpay/internal/patient/repository"
	"github.com/smallbiznis/clinicpay/internal/patient/service"
	"go.uber.org/fx"
)

var Module = fx.Module("patient",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(s domain.Service) domain.Directory { return s }),
	fx.Provide(func(s domain.Service) domain.Reader { return s }),
	fx.Provide(func(s domain.Service) domain.BalanceAggregator { return s }),
)
