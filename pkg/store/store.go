package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstore/pkg/registry"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

var ErrClosed = errors.New("store is closed")

// ConversationStore manages conversation records.
type ConversationStore interface {
	CreateConversation(ctx context.Context, title string) (*turns.Conversation, error)
	GetConversation(ctx context.Context, id string) (*turns.Conversation, error)
	// ListConversations returns the most recently updated conversation first.
	ListConversations(ctx context.Context) ([]*turns.Conversation, error)
	TouchConversationTitle(ctx context.Context, id string, title string) error
	// DeleteConversation removes the conversation with its turns and parts.
	// Unknown ids are ignored.
	DeleteConversation(ctx context.Context, id string) error
}

// TurnStore persists turns and their ordered parts.
type TurnStore interface {
	// UpsertTurn replaces the stored parts of the turn with parts, creating the
	// turn if needed. It is applied atomically.
	UpsertTurn(ctx context.Context, conversationID string, turnID string, role turns.Role, parts []turns.Part) error
	// LoadTurns returns the turns of a conversation in creation order.
	LoadTurns(ctx context.Context, conversationID string) ([]*turns.Turn, error)
	// DeleteTurnAndFollowing removes the turn and every later turn of its
	// conversation. Unknown ids are ignored.
	DeleteTurnAndFollowing(ctx context.Context, turnID string) error
}

// Store is the message store used by the reconciler and the CLI.
type Store interface {
	ConversationStore
	TurnStore
	Close() error
}

type options struct {
	now      func() time.Time
	registry *registry.Registry
}

type Option func(*options)

// WithClock overrides the time source used for createdAt/updatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithRegistry sets the variant registry used to map parts. Defaults to registry.Default().
func WithRegistry(r *registry.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	if o.registry == nil {
		o.registry = registry.Default()
	}
	return o
}

func validateTurn(conversationID, turnID string, role turns.Role) error {
	if conversationID == "" {
		return &turns.InvalidPayloadError{Field: "conversationId", Reason: "required"}
	}
	if turnID == "" {
		return &turns.InvalidPayloadError{Field: "turnId", Reason: "required"}
	}
	if !role.Valid() {
		return &turns.InvalidPayloadError{Field: "role", Reason: "unknown role " + string(role)}
	}
	return nil
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
