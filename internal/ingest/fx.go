package ingest

import (
	"github.com/orderpulse/orderpulse/internal/ingest/mappers/amazon"
	"github.com/orderpulse/orderpulse/internal/ingest/mappers/flipkart"
	"github.com/orderpulse/orderpulse/internal/ingest/mappers/razorpay"
	"github.com/orderpulse/orderpulse/internal/ingest/mappers/selloship"
	"github.com/orderpulse/orderpulse/internal/ingest/mappers/shopify"
	"github.com/orderpulse/orderpulse/internal/ingest/verify"
	"go.uber.org/fx"
)

var Module = fx.Module("ingest",
	fx.Provide(verify.NewKeyCache),
	fx.Provide(shopify.New),
	fx.Provide(flipkart.New),
	fx.Provide(amazon.New),
	fx.Provide(selloship.New),
	fx.Provide(razorpay.New),
	fx.Provide(newRegistry),
	fx.Provide(NewService),
)

func newRegistry(
	shopifyMapper *shopify.Mapper,
	flipkartMapper *flipkart.Mapper,
	amazonMapper *amazon.Mapper,
	selloshipMapper *selloship.Mapper,
	razorpayMapper *razorpay.Mapper,
) *Registry {
	return NewRegistry(
		shopifyMapper,
		flipkartMapper,
		amazonMapper,
		selloshipMapper,
		razorpayMapper,
	)
}
