package toolstate

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnstore/pkg/registry"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

// Transition moves a tool call to State. Input replaces the current input when
// non-nil; Output and ErrorText are only kept by the states that carry them.
type Transition struct {
	Tool       string
	ToolCallID string
	State      turns.ToolState
	Input      any
	Output     any
	ErrorText  string
}

// StartCall opens a tool call in input-streaming.
func StartCall(tool, toolCallID string) Transition {
	return Transition{Tool: tool, ToolCallID: toolCallID, State: turns.ToolStateInputStreaming}
}

// InputDelta replaces the partial input of a streaming call.
func InputDelta(toolCallID string, partial any) Transition {
	return Transition{ToolCallID: toolCallID, State: turns.ToolStateInputStreaming, Input: partial}
}

// InputAvailable records the complete input.
func InputAvailable(toolCallID string, input any) Transition {
	return Transition{ToolCallID: toolCallID, State: turns.ToolStateInputAvailable, Input: input}
}

// Succeed records the output of a call.
func Succeed(toolCallID string, output any) Transition {
	return Transition{ToolCallID: toolCallID, State: turns.ToolStateOutputAvailable, Output: output}
}

// Fail records the failure of a call.
func Fail(toolCallID string, errorText string) Transition {
	return Transition{ToolCallID: toolCallID, State: turns.ToolStateOutputError, ErrorText: errorText}
}

// Tracker holds the current state of every tool call it has seen, keyed by
// toolCallId. Terminal calls reject further transitions.
type Tracker struct {
	mu       sync.Mutex
	registry *registry.Registry
	calls    map[string]turns.ToolPart
	order    map[string]int
}

type TrackerOption func(*Tracker)

// WithRegistry validates tool names and payloads against declared schemas.
func WithRegistry(r *registry.Registry) TrackerOption {
	return func(t *Tracker) {
		t.registry = r
	}
}

func NewTracker(options ...TrackerOption) *Tracker {
	ret := &Tracker{
		calls: map[string]turns.ToolPart{},
		order: map[string]int{},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Observe seeds the tracker with a part whose state is already known, for
// example one loaded from storage. The part must be consistent with its state.
func (t *Tracker) Observe(p turns.ToolPart) error {
	if err := Check(p); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store(p)
	return nil
}

// Get returns the current state of a call.
func (t *Tracker) Get(toolCallID string) (turns.ToolPart, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.calls[toolCallID]
	return p, ok
}

// Pending returns the calls that have not reached a terminal state, in the
// order they were first seen.
func (t *Tracker) Pending() []turns.ToolPart {
	t.mu.Lock()
	defer t.mu.Unlock()
	ret := make([]turns.ToolPart, 0, len(t.calls))
	for _, p := range t.calls {
		if !p.State.Terminal() {
			ret = append(ret, p)
		}
	}
	sort.Slice(ret, func(i, j int) bool { return t.order[ret[i].ToolCallID] < t.order[ret[j].ToolCallID] })
	return ret
}

// Apply performs a transition and returns the updated part. The tracked part
// is left unchanged when an error is returned.
func (t *Tracker) Apply(tr Transition) (turns.ToolPart, error) {
	if tr.ToolCallID == "" {
		return turns.ToolPart{}, &turns.CorruptToolStateError{State: tr.State, Reason: "missing toolCallId"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cur, exists := t.calls[tr.ToolCallID]
	if exists && cur.State.Terminal() {
		err := &turns.InvalidTransitionError{ToolCallID: tr.ToolCallID, From: cur.State, To: tr.State}
		log.Warn().
			Str("tool", cur.Tool).
			Str("tool_call_id", tr.ToolCallID).
			Str("from", string(cur.State)).
			Str("to", string(tr.State)).
			Msg("rejecting transition of terminal tool call")
		return cur, err
	}

	next := cur
	if !exists {
		if tr.Tool == "" {
			return turns.ToolPart{}, &turns.CorruptToolStateError{ToolCallID: tr.ToolCallID, State: tr.State, Reason: "first transition must name the tool"}
		}
		next = turns.ToolPart{Tool: tr.Tool, ToolCallID: tr.ToolCallID, State: turns.ToolStateInputStreaming}
	} else if tr.Tool != "" && tr.Tool != cur.Tool {
		return cur, &turns.CorruptToolStateError{ToolCallID: tr.ToolCallID, State: tr.State, Reason: "tool changed from " + cur.Tool + " to " + tr.Tool}
	}

	if t.registry != nil {
		if _, err := t.registry.Tool(next.Tool); err != nil {
			return cur, err
		}
	}

	state := tr.State
	if state == "" {
		state = next.State
	}
	if !state.Valid() {
		return cur, &turns.CorruptToolStateError{ToolCallID: tr.ToolCallID, State: state, Reason: "unknown state"}
	}
	if exists && rank(state) < rank(cur.State) {
		log.Debug().
			Str("tool_call_id", tr.ToolCallID).
			Str("from", string(cur.State)).
			Str("to", string(state)).
			Msg("tool call moved backwards")
	}

	next.State = state
	if tr.Input != nil {
		next.Input = tr.Input
	}
	// a call that reaches an output without ever receiving input records {}
	inputReceived := next.Input != nil
	if !inputReceived && state.Terminal() {
		next.Input = map[string]any{}
	}
	next.Output = nil
	next.ErrorText = ""
	switch state {
	case turns.ToolStateOutputAvailable:
		next.Output = tr.Output
	case turns.ToolStateOutputError:
		next.ErrorText = tr.ErrorText
	case turns.ToolStateInputStreaming, turns.ToolStateInputAvailable:
	}

	if err := Check(next); err != nil {
		return cur, err
	}
	if err := t.validatePayload(next, inputReceived); err != nil {
		return cur, err
	}

	t.store(next)
	return next, nil
}

func (t *Tracker) validatePayload(p turns.ToolPart, inputReceived bool) error {
	if t.registry == nil {
		return nil
	}
	if inputReceived && p.State != turns.ToolStateInputStreaming {
		if err := t.registry.ValidateToolInput(p.Tool, p.Input); err != nil {
			return err
		}
	}
	if p.State == turns.ToolStateOutputAvailable {
		if err := t.registry.ValidateToolOutput(p.Tool, p.Output); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tracker) store(p turns.ToolPart) {
	if _, ok := t.order[p.ToolCallID]; !ok {
		t.order[p.ToolCallID] = len(t.order)
	}
	t.calls[p.ToolCallID] = p
}

func rank(s turns.ToolState) int {
	switch s {
	case turns.ToolStateInputStreaming:
		return 0
	case turns.ToolStateInputAvailable:
		return 1
	case turns.ToolStateOutputAvailable, turns.ToolStateOutputError:
		return 2
	}
	return -1
}
