package events

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// EventRouter wires handlers to an in-process pubsub. Publishing blocks until
// the subscriber acked, so a turn's deltas are handled in the order they were
// published.
type EventRouter struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
	verbose    bool
	out        io.Writer
}

type EventRouterOption func(*EventRouter)

func WithLogger(logger watermill.LoggerAdapter) EventRouterOption {
	return func(r *EventRouter) {
		r.logger = logger
	}
}

func WithPublisher(publisher message.Publisher) EventRouterOption {
	return func(r *EventRouter) {
		r.Publisher = publisher
	}
}

func WithSubscriber(subscriber message.Subscriber) EventRouterOption {
	return func(r *EventRouter) {
		r.Subscriber = subscriber
	}
}

// WithVerbose logs watermill internals through zerolog and keeps message
// metadata in DumpRecords output.
func WithVerbose(verbose bool) EventRouterOption {
	return func(r *EventRouter) {
		r.verbose = verbose
		if verbose {
			r.logger = NewWatermill(log.Logger)
		}
	}
}

func WithOutput(w io.Writer) EventRouterOption {
	return func(r *EventRouter) {
		r.out = w
	}
}

func NewEventRouter(options ...EventRouterOption) (*EventRouter, error) {
	ret := &EventRouter{
		logger: watermill.NopLogger{},
		out:    os.Stdout,
	}

	for _, o := range options {
		o(ret)
	}

	if ret.Publisher == nil || ret.Subscriber == nil {
		goPubSub := gochannel.NewGoChannel(gochannel.Config{
			BlockPublishUntilSubscriberAck: true,
			// handlers see the publisher's context, correlation id included
			PreserveContext:                true,
		}, ret.logger)
		if ret.Publisher == nil {
			ret.Publisher = goPubSub
		}
		if ret.Subscriber == nil {
			ret.Subscriber = goPubSub
		}
	}

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

// Close closes the publisher and then the router, waiting for in-flight
// handlers. Errors are logged.
func (e *EventRouter) Close() error {
	log.Debug().Msg("closing publisher")
	if err := e.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
	}

	log.Debug().Msg("closing router")
	if err := e.router.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close router")
	}
	log.Debug().Msg("router closed")

	return nil
}

func (e *EventRouter) AddHandler(name string, topic string, f func(msg *message.Message) error) {
	e.router.AddNoPublisherHandler(name, topic, e.Subscriber, f)
}

// DumpRecords prints every message as indented JSON. Metadata is included in
// verbose mode.
func (e *EventRouter) DumpRecords(msg *message.Message) error {
	var s map[string]interface{}
	if err := json.Unmarshal(msg.Payload, &s); err != nil {
		log.Warn().Err(err).Str("message_id", msg.UUID).Msg("could not decode message")
		return nil
	}
	if e.verbose {
		s["meta"] = msg.Metadata
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(e.out, string(b))
	return err
}

func (e *EventRouter) Running() chan struct{} {
	return e.router.Running()
}

func (e *EventRouter) IsRunning() bool {
	return e.router.IsRunning()
}

func (e *EventRouter) Run(ctx context.Context) error {
	return e.router.Run(ctx)
}

func (e *EventRouter) RunHandlers(ctx context.Context) error {
	return e.router.RunHandlers(ctx)
}
