package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstore/pkg/reconciler"
)

// Publisher serializes stream records onto a topic. Every outgoing message
// carries a sequence number, in the order Publish was called, and the turn id
// as correlation id.
type Publisher struct {
	publisher      message.Publisher
	topic          string
	sequenceNumber uint64
	mutex          sync.Mutex
}

type PublisherOption func(*Publisher)

func WithTopic(topic string) PublisherOption {
	return func(p *Publisher) {
		p.topic = topic
	}
}

func NewPublisher(publisher message.Publisher, options ...PublisherOption) *Publisher {
	ret := &Publisher{
		publisher: CorrelationPublisherDecorator{Publisher: publisher},
		topic:     TopicDeltas,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (p *Publisher) Publish(ctx context.Context, r StreamRecord) error {
	if err := r.Validate(); err != nil {
		return err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "could not encode stream record")
	}

	// held across Publish so sequence numbers match delivery order
	p.mutex.Lock()
	defer p.mutex.Unlock()

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.SetContext(ContextWithCorrelationID(ctx, r.TurnID))
	msg.Metadata.Set(MetadataSequenceNumber, strconv.FormatUint(p.sequenceNumber, 10))
	msg.Metadata.Set(MetadataTurnID, r.TurnID)
	p.sequenceNumber++

	return p.publisher.Publish(p.topic, msg)
}

// PublishBlind logs instead of returning publishing errors.
func (p *Publisher) PublishBlind(ctx context.Context, r StreamRecord) {
	if err := p.Publish(ctx, r); err != nil {
		log.Warn().Err(err).Str("turn_id", r.TurnID).Msg("failed to publish")
	}
}

// TransientPublisher is a reconciler.TransientSink that forwards transient
// deltas to TopicTransient for live display.
type TransientPublisher struct {
	publisher      *Publisher
	conversationID func(turnID string) string
}

var _ reconciler.TransientSink = &TransientPublisher{}

// NewTransientPublisher forwards to publisher, which should target
// TopicTransient. conversationOf maps a turn to its conversation; it may be nil.
func NewTransientPublisher(publisher *Publisher, conversationOf func(turnID string) string) *TransientPublisher {
	return &TransientPublisher{publisher: publisher, conversationID: conversationOf}
}

func (t *TransientPublisher) Transient(turnID string, d reconciler.Delta) {
	conversationID := turnID
	if t.conversationID != nil {
		if id := t.conversationID(turnID); id != "" {
			conversationID = id
		}
	}
	d.Transient = true
	t.publisher.PublishBlind(context.Background(), StreamRecord{
		ConversationID: conversationID,
		TurnID:         turnID,
		Delta:          d,
	})
}
