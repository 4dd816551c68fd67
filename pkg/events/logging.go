package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/lithammer/shortuuid/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// WatermillZerologAdapter routes watermill's logs through zerolog.
type WatermillZerologAdapter struct {
	logger zerolog.Logger
}

func NewWatermill(logger zerolog.Logger) *WatermillZerologAdapter {
	return &WatermillZerologAdapter{logger: logger.With().Str("component", "watermill").Logger()}
}

var _ watermill.LoggerAdapter = &WatermillZerologAdapter{}

func (w *WatermillZerologAdapter) Error(msg string, err error, fields watermill.LogFields) {
	w.logger.Error().Fields(map[string]interface{}(fields)).Err(err).Msg(msg)
}

// Info is logged at debug level, watermill is chatty.
func (w *WatermillZerologAdapter) Info(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) Debug(msg string, fields watermill.LogFields) {
	w.logger.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) Trace(msg string, fields watermill.LogFields) {
	w.logger.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w *WatermillZerologAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &WatermillZerologAdapter{logger: w.logger.With().Fields(map[string]interface{}(fields)).Logger()}
}

const MetadataCorrelationID = "correlation_id"

type correlationIDKeyType string

const correlationIDKey correlationIDKeyType = "correlation_id"

func ContextWithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, correlationIDKey, correlationID)
}

// CorrelationIDFromContext returns the id stored in ctx, or a generated one
// prefixed with "gen_".
func CorrelationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(correlationIDKey).(string); ok && v != "" {
		return v
	}
	log.Ctx(ctx).Debug().Msg("correlation id not found in context")
	return "gen_" + shortuuid.New()
}

// CorrelationPublisherDecorator stamps outgoing messages with the correlation
// id of their context unless one is already set.
type CorrelationPublisherDecorator struct {
	message.Publisher
}

func (c CorrelationPublisherDecorator) Publish(topic string, messages ...*message.Message) error {
	for _, msg := range messages {
		if msg.Metadata.Get(MetadataCorrelationID) != "" {
			continue
		}
		msg.Metadata.Set(MetadataCorrelationID, CorrelationIDFromContext(msg.Context()))
	}
	return c.Publisher.Publish(topic, messages...)
}
