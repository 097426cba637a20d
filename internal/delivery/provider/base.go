// Package provider holds the concrete delivery gateways and registers their
// factories. Each file owns one provider's transport details.
package provider

import (
	"fmt"
	"time"

	"beacon/internal/delivery"
	logx "beacon/pkg/logx"
)

// base is embedded by every gateway: identity, rate metering, logging.
type base struct {
	name   string
	medium delivery.Medium
	meter  *delivery.RateMeter
	log    logx.Logger
	now    func() time.Time
}

func newBase(provider string, spec delivery.GatewaySpec, deps delivery.Deps) base {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	return base{
		name:   spec.Name,
		medium: spec.Medium,
		meter:  delivery.NewRateMeter(spec.RatePerSec, spec.RatePerHour),
		log:    log.With(logx.String("comp", "gateway"), logx.String("provider", provider), logx.String("gateway", spec.Name)),
		now:    time.Now,
	}
}

func (b *base) Name() string { return b.name }

func (b *base) RateStatus() delivery.RateStatus { return b.meter.Status(b.now()) }

func (b *base) record(n int) { b.meter.Record(b.now(), n) }

func failed(status int, format string, args ...any) delivery.GatewayResult {
	return delivery.GatewayResult{Error: fmt.Sprintf(format, args...), StatusCode: status}
}

// Register installs every built-in provider.
func Register(r *delivery.Registry) error {
	for key, f := range map[string]delivery.Factory{
		"smtp":     NewSMTP,
		"resend":   NewResend,
		"telegram": NewTelegram,
		"webhook":  NewWebhook,
		"log":      NewLog,
	} {
		if err := r.Register(key, f); err != nil {
			return err
		}
	}
	return nil
}
