package tracing

import (
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/backstage/services/eventstore/config"
)

// NewApplication starts the New Relic agent. Without a license key tracing is
// disabled and a nil application is returned; nrgin and the segment helpers
// in newrelic accept nil.
func NewApplication(cfg config.TracingConfig) (*newrelic.Application, error) {
	if cfg.LicenseKey == "" {
		log.Warn().Msg("New Relic license key not provided, tracing will be disabled")
		return nil, nil
	}

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(cfg.AppName),
		newrelic.ConfigLicense(cfg.LicenseKey),
		newrelic.ConfigDistributedTracerEnabled(cfg.DistribTracing),
		newrelic.ConfigAppLogForwardingEnabled(cfg.LogEnabled),
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize New Relic")
	}

	log.Info().Str("app", cfg.AppName).Msg("New Relic tracing enabled")
	return app, nil
}

// Shutdown flushes pending data and stops the agent
func Shutdown(app *newrelic.Application) {
	if app == nil {
		return
	}
	app.Shutdown(10 * time.Second)
	log.Info().Msg("New Relic tracer shutdown")
}
