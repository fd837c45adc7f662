package checkout

import (
	"github.com/smallbiznis/pixwatch/internal/checkout/service"
	"github.com/smallbiznis/pixwatch/internal/payment/gateway"
	"github.com/smallbiznis/pixwatch/internal/payment/watch"
	"go.uber.org/fx"
)

var Module = fx.Module("checkout.service",
	fx.Provide(func(c *gateway.Client) service.ChargeCreator { return c }),
	fx.Provide(func(m *watch.Manager) service.Watcher { return m }),
	fx.Provide(service.New),
)
