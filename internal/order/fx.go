package order

import (
	"github.com/orderpulse/orderpulse/internal/order/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("order",
	fx.Provide(repository.Provide),
)
