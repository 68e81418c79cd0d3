package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"

	"PerpCore/internal/event"
	"PerpCore/internal/observability"
)

// Publisher drains the emitter's envelope channel into JetStream.
// Publishing is best effort: a failed publish is logged and the
// envelope dropped, consumers needing completeness replay the action
// log instead.
type Publisher struct {
	js      jetstream.JetStream
	in      <-chan *event.Envelope
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewPublisher(js jetstream.JetStream, in <-chan *event.Envelope, metrics *observability.Metrics, log zerolog.Logger) *Publisher {
	return &Publisher{
		js:      js,
		in:      in,
		metrics: metrics,
		log:     log.With().Str("component", "outbound_publisher").Logger(),
	}
}

// Run publishes envelopes until the context is cancelled or the input
// channel closes.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-p.in:
			if !ok {
				return nil
			}

			if err := p.publish(ctx, env); err != nil {
				if p.metrics != nil {
					p.metrics.PublishErrors.Inc()
				}
				p.log.Warn().
					Int64("sequence", env.Sequence).
					Str("kind", string(env.Kind)).
					Err(err).
					Msg("outbound publish failed")
				continue
			}
			if p.metrics != nil {
				p.metrics.EventsPublished.WithLabelValues(string(env.Kind)).Inc()
			}
		}
	}
}

func (p *Publisher) publish(ctx context.Context, env *event.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	_, err = p.js.Publish(ctx, env.Subject(), data)
	return err
}

// EnsureOutboundStream creates the stream all envelopes publish into.
func EnsureOutboundStream(ctx context.Context, js jetstream.JetStream, log zerolog.Logger) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      "PERP_CORE_EVENTS",
		Subjects:  []string{"perp.core.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create outbound stream: %w", err)
	}
	log.Info().Msg("ensured outbound stream PERP_CORE_EVENTS")
	return nil
}
