// Package events connects the hub's broadcast router to the surrounding
// systems that produce broadcast payloads. Producers publish to NATS
// subjects of the form "<prefix>.<event_type>"; the bridge republishes each
// message through the router, which applies subscription filtering.
package events

import (
	"fmt"
	"strings"
	"time"

	"github.com/adred-codev/connhub/internal/hub"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Bridge subscribes to the configured subject space and fans incoming
// payloads out through the broadcast router.
type Bridge struct {
	nc     *nats.Conn
	sub    *nats.Subscription
	router *hub.BroadcastRouter
	prefix string
	logger zerolog.Logger
}

// New connects to NATS. The connection retries forever with backoff so a
// broker restart never takes the hub down with it.
func New(url, prefix string, router *hub.BroadcastRouter, logger zerolog.Logger) (*Bridge, error) {
	log := logger.With().Str("component", "events_bridge").Logger()

	nc, err := nats.Connect(url,
		nats.Name("connhub"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}

	return &Bridge{
		nc:     nc,
		router: router,
		prefix: prefix,
		logger: log,
	}, nil
}

// Start subscribes to "<prefix>.>".
func (b *Bridge) Start() error {
	subject := b.prefix + ".>"
	sub, err := b.nc.Subscribe(subject, b.handle)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	b.sub = sub
	b.logger.Info().Str("subject", subject).Msg("Event bridge subscribed")
	return nil
}

// handle maps a subject to an event type and broadcasts the payload. The
// event type is the single token after the prefix; anything deeper is a
// misconfigured producer and gets dropped with a warning.
func (b *Bridge) handle(msg *nats.Msg) {
	eventType := strings.TrimPrefix(msg.Subject, b.prefix+".")
	if eventType == "" || strings.Contains(eventType, ".") {
		b.logger.Warn().
			Str("subject", msg.Subject).
			Msg("Ignoring event with malformed subject")
		return
	}

	delivered := b.router.Broadcast(eventType, msg.Data)
	b.logger.Debug().
		Str("event_type", eventType).
		Int("delivered", delivered).
		Int("payload_bytes", len(msg.Data)).
		Msg("Event fanned out")
}

// Close drains the subscription and connection. Safe to call once during
// shutdown.
func (b *Bridge) Close() {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			b.logger.Warn().Err(err).Msg("Unsubscribe failed")
		}
	}
	if err := b.nc.Drain(); err != nil {
		b.logger.Warn().Err(err).Msg("NATS drain failed")
	}
	b.logger.Info().Msg("Event bridge closed")
}
