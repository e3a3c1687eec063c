package payment

import (
	"github.com/clearpointsec/billing/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment.service",
	fx.Provide(webhook.NewService),
)
