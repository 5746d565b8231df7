package event

import (
	"github.com/orderpulse/orderpulse/internal/event/repository"
	"github.com/orderpulse/orderpulse/internal/event/service"
	"go.uber.org/fx"
)

var Module = fx.Module("event",
	fx.Provide(repository.Provide),
	fx.Provide(service.New),
)
