package sale

import (
	"github.com/smallbiznis/clinicpay/internal/sale/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("sale",
	fx.Provide(repository.Provide),
)
