package settlement

import (
	"github.com/orderpulse/orderpulse/internal/settlement/repository"
	"github.com/orderpulse/orderpulse/internal/settlement/service"
	"go.uber.org/fx"
)

var Module = fx.Module("settlement",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
