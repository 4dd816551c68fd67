package events

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstore/pkg/reconciler"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

// TurnLoader reads back persisted turns. store.Store satisfies it.
type TurnLoader interface {
	LoadTurns(ctx context.Context, conversationID string) ([]*turns.Turn, error)
}

// ReconcileHandler feeds stream records into a reconciler.Manager. A session
// is opened on the first start delta of a turn. Bad messages are logged and
// acked so they are never redelivered.
type ReconcileHandler struct {
	manager        *reconciler.Manager
	loader         TurnLoader
	sessionOptions func(StreamRecord) []reconciler.SessionOption
}

type ReconcileHandlerOption func(*ReconcileHandler)

// WithSessionOptions supplies extra options for each newly opened session,
// e.g. initial parts when resuming a turn.
func WithSessionOptions(f func(StreamRecord) []reconciler.SessionOption) ReconcileHandlerOption {
	return func(h *ReconcileHandler) {
		h.sessionOptions = f
	}
}

// WithTurnLoader makes a session opened for an already persisted turn resume
// from its stored parts, so a late start delta cannot overwrite the turn.
func WithTurnLoader(l TurnLoader) ReconcileHandlerOption {
	return func(h *ReconcileHandler) {
		h.loader = l
	}
}

func NewReconcileHandler(manager *reconciler.Manager, options ...ReconcileHandlerOption) *ReconcileHandler {
	ret := &ReconcileHandler{manager: manager}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (h *ReconcileHandler) Handle(msg *message.Message) error {
	logger := log.With().
		Str("message_id", msg.UUID).
		Str(MetadataSequenceNumber, msg.Metadata.Get(MetadataSequenceNumber)).
		Logger()

	r, err := NewStreamRecordFromJSON(msg.Payload)
	if err != nil {
		logger.Error().Err(err).Str("payload", string(msg.Payload)).Msg("dropping message")
		return nil
	}
	logger = logger.With().Str("turn_id", r.TurnID).Str("kind", string(r.Delta.Kind)).Logger()

	if _, ok := h.manager.Get(r.TurnID); !ok {
		if r.Delta.Kind != reconciler.KindStart {
			logger.Warn().Msg("no open session for turn, dropping delta")
			return nil
		}
		role := r.Role
		if role == "" {
			role = turns.RoleAssistant
		}
		var opts []reconciler.SessionOption
		if h.sessionOptions != nil {
			opts = h.sessionOptions(r)
		}
		stored, err := h.storedTurn(msg.Context(), r)
		if err != nil {
			logger.Error().Err(err).Msg("could not check for a persisted turn, dropping delta")
			return nil
		}
		if stored != nil {
			logger.Info().Int("parts", len(stored.Parts)).Msg("resuming persisted turn")
			role = stored.Role
			opts = append(opts, reconciler.WithInitialParts(stored.Parts))
		}
		if _, err := h.manager.Open(r.ConversationID, r.TurnID, role, opts...); err != nil {
			logger.Error().Err(err).Msg("could not open session")
			return nil
		}
	}

	if err := h.manager.Apply(msg.Context(), r.TurnID, r.Delta); err != nil {
		logger.Debug().Err(err).Msg("delta not applied")
	}
	return nil
}

func (h *ReconcileHandler) storedTurn(ctx context.Context, r StreamRecord) (*turns.Turn, error) {
	if h.loader == nil {
		return nil, nil
	}
	loaded, err := h.loader.LoadTurns(ctx, r.ConversationID)
	if errors.Is(err, turns.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, t := range loaded {
		if t.ID == r.TurnID {
			return t, nil
		}
	}
	return nil, nil
}
