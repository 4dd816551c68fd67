package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstore/pkg/registry"
	"github.com/go-go-golems/turnstore/pkg/toolstate"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

// Finalizer persists the final part list of a turn. store.Store satisfies it.
type Finalizer interface {
	UpsertTurn(ctx context.Context, conversationID string, turnID string, role turns.Role, parts []turns.Part) error
}

// TransientSink receives deltas that are displayed live but never persisted.
type TransientSink interface {
	Transient(turnID string, d Delta)
}

type TransientSinkFunc func(turnID string, d Delta)

func (f TransientSinkFunc) Transient(turnID string, d Delta) { f(turnID, d) }

// Outcome records how a session ended.
type Outcome string

const (
	OutcomeOpen      Outcome = ""
	OutcomeCompleted Outcome = "completed"
	OutcomeAborted   Outcome = "aborted"
	OutcomeCancelled Outcome = "cancelled"
)

var errStreamClosed = errors.New("stream closed before completion")

// Session reconciles the delta stream of one in-progress turn into its ordered
// part list and persists the list exactly once when the stream ends.
type Session struct {
	mu             sync.Mutex
	conversationID string
	turnID         string
	role           turns.Role
	parts          []turns.Part

	registry  *registry.Registry
	tracker   *toolstate.Tracker
	finalizer Finalizer
	sink      TransientSink
	onDone    func(*Session)

	once     sync.Once
	done     chan struct{}
	closed   bool
	outcome  Outcome
	finalErr error
}

type SessionOption func(*Session)

func WithRegistry(r *registry.Registry) SessionOption {
	return func(s *Session) {
		s.registry = r
	}
}

func WithTransientSink(sink TransientSink) SessionOption {
	return func(s *Session) {
		s.sink = sink
	}
}

// WithInitialParts resumes a turn from previously persisted parts. Tool calls
// among them keep their state.
func WithInitialParts(parts []turns.Part) SessionOption {
	return func(s *Session) {
		s.parts = turns.CloneParts(parts)
	}
}

func withOnDone(f func(*Session)) SessionOption {
	return func(s *Session) {
		s.onDone = f
	}
}

func NewSession(conversationID, turnID string, role turns.Role, finalizer Finalizer, options ...SessionOption) (*Session, error) {
	if turnID == "" {
		return nil, fmt.Errorf("turn id cannot be empty")
	}
	if finalizer == nil {
		return nil, fmt.Errorf("finalizer cannot be nil")
	}
	if role == "" {
		role = turns.RoleAssistant
	}
	s := &Session{
		conversationID: conversationID,
		turnID:         turnID,
		role:           role,
		finalizer:      finalizer,
		done:           make(chan struct{}),
	}
	for _, o := range options {
		o(s)
	}
	if s.registry == nil {
		s.registry = registry.Default()
	}
	s.tracker = toolstate.NewTracker(toolstate.WithRegistry(s.registry))
	for _, p := range s.parts {
		if tp, ok := p.(turns.ToolPart); ok {
			if err := s.tracker.Observe(tp); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *Session) TurnID() string         { return s.turnID }
func (s *Session) ConversationID() string { return s.conversationID }
func (s *Session) Role() turns.Role       { return s.role }

// Parts returns a deep copy of the current part list.
func (s *Session) Parts() []turns.Part {
	s.mu.Lock()
	defer s.mu.Unlock()
	return turns.CloneParts(s.parts)
}

// Done is closed once the session has been finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Outcome() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcome
}

// Err returns the persistence error of the finalized session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalErr
}

func (s *Session) logger() *zerolog.Logger {
	l := log.With().
		Str("conversation_id", s.conversationID).
		Str("turn_id", s.turnID).
		Logger()
	return &l
}

// Apply reconciles one delta. A corrupt delta is dropped and reported with
// ErrCorruptStream; a rejected tool transition with ErrInvalidTransition. In
// both cases the session stays usable.
func (s *Session) Apply(d Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: turn %s", ErrSessionClosed, s.turnID)
	}

	if s.isTransient(d) {
		if s.sink != nil {
			s.sink.Transient(s.turnID, d)
		}
		return nil
	}

	var err error
	switch d.Kind {
	case KindStart:
		err = s.start(d)
	case KindAppend:
		err = s.append(d)
	case KindReplace:
		err = s.replace(d)
	case KindComplete, KindAbort:
		err = s.corrupt(d, "control delta passed to Apply", nil)
	default:
		err = s.corrupt(d, "unknown kind", nil)
	}
	if err != nil {
		s.logger().Warn().
			Err(err).
			Str("kind", string(d.Kind)).
			Int("position", d.TargetPosition).
			Msg("dropping delta")
	}
	return err
}

func (s *Session) isTransient(d Delta) bool {
	if d.Transient {
		return true
	}
	if d.Payload == nil || !d.Payload.Type.IsData() {
		return false
	}
	spec, err := s.registry.Data(d.Payload.Type.DataKind())
	return err == nil && spec.Transient
}

func (s *Session) corrupt(d Delta, reason string, err error) error {
	return &CorruptStreamError{TurnID: s.turnID, Position: d.TargetPosition, Kind: d.Kind, Reason: reason, Err: err}
}

func (s *Session) decode(d Delta) (turns.Part, error) {
	if d.Payload == nil {
		return nil, s.corrupt(d, "missing payload", nil)
	}
	p, err := turns.FromWire(*d.Payload)
	if err != nil {
		return nil, s.corrupt(d, "malformed payload", err)
	}
	if !s.registry.Has(p.Type()) {
		return nil, s.corrupt(d, "unregistered part type", &turns.UnknownVariantError{Type: p.Type()})
	}
	return p, nil
}

func (s *Session) start(d Delta) error {
	p, err := s.decode(d)
	if err != nil {
		return err
	}

	switch v := p.(type) {
	case turns.DataPart:
		if err := s.registry.ValidateData(v); err != nil {
			return s.corrupt(d, "invalid data payload", err)
		}
		if idx := turns.FindDataPart(s.parts, v.Kind, v.ID); idx >= 0 {
			s.parts[idx] = v
			return nil
		}
	case turns.ToolPart:
		if d.TargetPosition != len(s.parts) {
			return s.corrupt(d, fmt.Sprintf("start position out of range (have %d parts)", len(s.parts)), nil)
		}
		if turns.FindToolPart(s.parts, v.ToolCallID) >= 0 {
			return s.corrupt(d, "duplicate toolCallId "+v.ToolCallID, nil)
		}
		tp, err := s.tracker.Apply(transitionOf(v.Tool, *d.Payload))
		if err != nil {
			return err
		}
		p = tp
	}

	if d.TargetPosition != len(s.parts) {
		return s.corrupt(d, fmt.Sprintf("start position out of range (have %d parts)", len(s.parts)), nil)
	}
	s.parts = append(s.parts, p)
	return nil
}

func (s *Session) append(d Delta) error {
	if d.Payload == nil {
		return s.corrupt(d, "missing payload", nil)
	}
	if d.TargetPosition < 0 || d.TargetPosition >= len(s.parts) {
		return s.corrupt(d, fmt.Sprintf("position out of range (have %d parts)", len(s.parts)), nil)
	}
	w := *d.Payload
	target := s.parts[d.TargetPosition]
	if w.Type != "" && w.Type != target.Type() {
		return s.corrupt(d, "payload type "+string(w.Type)+" does not match "+string(target.Type()), nil)
	}

	switch v := target.(type) {
	case turns.TextPart:
		v.Text += w.Text
		s.parts[d.TargetPosition] = v
	case turns.ReasoningPart:
		v.Text += w.Text
		if len(w.ProviderMetadata) > 0 {
			v.ProviderMetadata = mergeMetadata(v.ProviderMetadata, w.ProviderMetadata)
		}
		s.parts[d.TargetPosition] = v
	case turns.ToolPart:
		if w.ToolCallID != "" && w.ToolCallID != v.ToolCallID {
			return s.corrupt(d, "toolCallId does not match target", nil)
		}
		w.ToolCallID = v.ToolCallID
		tp, err := s.tracker.Apply(transitionOf("", w))
		if err != nil {
			return err
		}
		s.parts[d.TargetPosition] = tp
	default:
		return s.corrupt(d, "cannot append to "+string(target.Type()), nil)
	}
	return nil
}

func (s *Session) replace(d Delta) error {
	if d.Payload == nil {
		return s.corrupt(d, "missing payload", nil)
	}
	w := *d.Payload

	if w.Type.IsTool() {
		return s.replaceTool(d, w)
	}

	p, err := s.decode(d)
	if err != nil {
		return err
	}
	if dp, ok := p.(turns.DataPart); ok {
		if err := s.registry.ValidateData(dp); err != nil {
			return s.corrupt(d, "invalid data payload", err)
		}
		if idx := turns.FindDataPart(s.parts, dp.Kind, dp.ID); idx >= 0 {
			s.parts[idx] = dp
			return nil
		}
		if d.TargetPosition == len(s.parts) {
			s.parts = append(s.parts, dp)
			return nil
		}
		return s.corrupt(d, "unknown data id "+dp.ID, nil)
	}

	if d.TargetPosition < 0 || d.TargetPosition >= len(s.parts) {
		return s.corrupt(d, fmt.Sprintf("position out of range (have %d parts)", len(s.parts)), nil)
	}
	target := s.parts[d.TargetPosition]
	if target.Type() != p.Type() {
		return s.corrupt(d, "payload type "+string(p.Type())+" does not match "+string(target.Type()), nil)
	}
	s.parts[d.TargetPosition] = p
	return nil
}

// replaceTool addresses the call by position. A toolCallId in the payload
// must name the part at that position.
func (s *Session) replaceTool(d Delta, w turns.WirePart) error {
	idx := d.TargetPosition
	if w.ToolCallID != "" {
		found := turns.FindToolPart(s.parts, w.ToolCallID)
		if found < 0 {
			return s.corrupt(d, "unknown toolCallId "+w.ToolCallID, nil)
		}
		if found != idx {
			return s.corrupt(d, fmt.Sprintf("toolCallId %s is at position %d", w.ToolCallID, found), nil)
		}
	}
	if idx < 0 || idx >= len(s.parts) {
		return s.corrupt(d, fmt.Sprintf("position out of range (have %d parts)", len(s.parts)), nil)
	}
	target, ok := s.parts[idx].(turns.ToolPart)
	if !ok {
		return s.corrupt(d, "payload type "+string(w.Type)+" does not match "+string(s.parts[idx].Type()), nil)
	}
	if target.Type() != w.Type {
		return s.corrupt(d, "payload type "+string(w.Type)+" does not match "+string(target.Type()), nil)
	}

	w.ToolCallID = target.ToolCallID
	tp, err := s.tracker.Apply(transitionOf(target.Tool, w))
	if err != nil {
		return err
	}
	s.parts[idx] = tp
	return nil
}

func transitionOf(tool string, w turns.WirePart) toolstate.Transition {
	return toolstate.Transition{
		Tool:       tool,
		ToolCallID: w.ToolCallID,
		State:      w.State,
		Input:      w.Input,
		Output:     w.Output,
		ErrorText:  w.ErrorText,
	}
}

func mergeMetadata(dst, src turns.ProviderMetadata) turns.ProviderMetadata {
	if dst == nil {
		dst = turns.ProviderMetadata{}
	}
	for provider, fields := range src {
		if dst[provider] == nil {
			dst[provider] = map[string]any{}
		}
		for k, v := range fields {
			dst[provider][k] = v
		}
	}
	return dst
}

// Complete persists the part list after a normal end of stream.
func (s *Session) Complete(ctx context.Context) error {
	return s.finalize(ctx, OutcomeCompleted, nil)
}

// Abort persists the part list as it stands. Tool calls that did not reach a
// terminal state are persisted in their current state.
func (s *Session) Abort(ctx context.Context, cause error) error {
	return s.finalize(ctx, OutcomeAborted, cause)
}

// Consume applies deltas until the stream completes, aborts, closes or ctx is
// cancelled, then finalizes the session. Per-delta errors are logged and do
// not stop consumption. The returned error is the persistence error, if any.
func (s *Session) Consume(ctx context.Context, deltas <-chan Delta) error {
	for {
		select {
		case <-ctx.Done():
			return s.finalize(ctx, OutcomeCancelled, ctx.Err())
		case d, ok := <-deltas:
			if !ok {
				return s.finalize(ctx, OutcomeAborted, errStreamClosed)
			}
			switch d.Kind {
			case KindComplete:
				return s.Complete(ctx)
			case KindAbort:
				return s.Abort(ctx, errors.New(d.Reason))
			case KindStart, KindAppend, KindReplace:
			}
			if err := s.Apply(d); errors.Is(err, ErrSessionClosed) {
				return s.Err()
			}
		}
	}
}

func (s *Session) finalize(ctx context.Context, outcome Outcome, cause error) error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.outcome = outcome
		parts := turns.CloneParts(s.parts)
		s.mu.Unlock()

		logger := s.logger()
		ev := logger.Info()
		if outcome != OutcomeCompleted {
			ev = logger.Warn()
			if cause != nil {
				ev = ev.AnErr("cause", cause)
			}
		}
		pending := s.tracker.Pending()
		ev.Str("outcome", string(outcome)).
			Int("parts", len(parts)).
			Int("pending_tool_calls", len(pending)).
			Msg("finalizing turn")

		// a cancelled stream still persists what was received
		err := s.finalizer.UpsertTurn(context.WithoutCancel(ctx), s.conversationID, s.turnID, s.role, parts)
		if err != nil {
			logger.Error().Err(err).Msg("persisting turn failed")
		}

		s.mu.Lock()
		s.finalErr = err
		s.mu.Unlock()
		close(s.done)

		if s.onDone != nil {
			s.onDone(s)
		}
	})
	return s.Err()
}
