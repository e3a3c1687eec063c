package payplus

import "go.uber.org/fx"

var Module = fx.Module("payplus",
	fx.Provide(NewClient),
)
