// Package relay implements the optional NATS fan-out of broadcast
// envelopes described in SPEC_FULL.md §6: a purely observational
// sink, off by default, that never blocks or affects downstream
// delivery.
//
// Grounded on the teacher's pkg/nats/client.go: connection event
// handlers, PublishJSON, and the "log and continue" failure style,
// narrowed from the teacher's general pub/sub wrapper down to the one
// operation this adapter needs.
package relay

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Config configures the optional relay. Disabled by default.
type Config struct {
	Enabled bool
	URL     string
	Subject string
}

const defaultSubject = "qqadapter.events.message"

// Publisher wraps a NATS connection. A nil *Publisher (or one with
// Enabled=false) is a documented no-op, so callers never need to
// branch on whether relay is configured.
type Publisher struct {
	enabled bool
	subject string
	conn    *nats.Conn
	logger  zerolog.Logger
}

// Connect dials NATS if cfg.Enabled; otherwise it returns a disabled
// Publisher whose Publish calls are no-ops.
func Connect(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	logger = logger.With().Str("component", "relay").Logger()

	if !cfg.Enabled {
		return &Publisher{enabled: false, logger: logger}, nil
	}

	subject := cfg.Subject
	if subject == "" {
		subject = defaultSubject
	}

	conn, err := nats.Connect(cfg.URL,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn().Err(err).Msg("relay disconnected from NATS")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info().Msg("relay reconnected to NATS")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			logger.Warn().Err(err).Msg("relay NATS error")
		}),
	)
	if err != nil {
		return nil, err
	}

	logger.Info().Str("url", cfg.URL).Str("subject", subject).Msg("relay connected")
	return &Publisher{enabled: true, subject: subject, conn: conn, logger: logger}, nil
}

// Publish fans v out to the configured subject as JSON. Failures are
// logged and swallowed: the relay is observational only and must
// never affect the downstream broadcast path (SPEC_FULL.md §6).
func (p *Publisher) Publish(v any) {
	if p == nil || !p.enabled {
		return
	}

	raw, err := json.Marshal(v)
	if err != nil {
		p.logger.Warn().Err(err).Msg("relay failed to marshal envelope")
		return
	}

	if err := p.conn.Publish(p.subject, raw); err != nil {
		p.logger.Warn().Err(err).Msg("relay publish failed")
	}
}

// Close drains and closes the NATS connection, if any.
func (p *Publisher) Close() {
	if p == nil || !p.enabled || p.conn == nil {
		return
	}
	_ = p.conn.Drain()
}
