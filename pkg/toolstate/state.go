package toolstate

import (
	"github.com/go-go-golems/turnstore/pkg/turns"
)

// Presence says whether a field must, may or must not be set in a state.
type Presence int

const (
	Absent Presence = iota
	Optional
	Required
)

// Rules is the field table of one state.
type Rules struct {
	Input     Presence
	Output    Presence
	ErrorText Presence
}

var rules = map[turns.ToolState]Rules{
	turns.ToolStateInputStreaming:  {Input: Optional, Output: Absent, ErrorText: Absent},
	turns.ToolStateInputAvailable:  {Input: Required, Output: Absent, ErrorText: Absent},
	turns.ToolStateOutputAvailable: {Input: Required, Output: Required, ErrorText: Absent},
	turns.ToolStateOutputError:     {Input: Required, Output: Absent, ErrorText: Required},
}

// States lists the declared states in their expected progression.
func States() []turns.ToolState {
	return []turns.ToolState{
		turns.ToolStateInputStreaming,
		turns.ToolStateInputAvailable,
		turns.ToolStateOutputAvailable,
		turns.ToolStateOutputError,
	}
}

// RulesFor returns the field table of s. ok is false for undeclared states.
func RulesFor(s turns.ToolState) (Rules, bool) {
	r, ok := rules[s]
	return r, ok
}

// Check validates a tool part against the field table of its state.
func Check(p turns.ToolPart) error {
	if p.ToolCallID == "" {
		return &turns.CorruptToolStateError{State: p.State, Reason: "missing toolCallId"}
	}
	r, ok := RulesFor(p.State)
	if !ok {
		return &turns.CorruptToolStateError{ToolCallID: p.ToolCallID, State: p.State, Reason: "unknown state"}
	}
	if err := checkField(p, "input", r.Input, p.Input != nil); err != nil {
		return err
	}
	if err := checkField(p, "output", r.Output, p.Output != nil); err != nil {
		return err
	}
	// errorText presence is defined by the state alone; an empty message is still a message.
	if r.ErrorText == Absent && p.ErrorText != "" {
		return &turns.CorruptToolStateError{ToolCallID: p.ToolCallID, State: p.State, Reason: "errorText must be absent"}
	}
	return nil
}

func checkField(p turns.ToolPart, name string, presence Presence, set bool) error {
	switch {
	case presence == Required && !set:
		return &turns.CorruptToolStateError{ToolCallID: p.ToolCallID, State: p.State, Reason: name + " is required"}
	case presence == Absent && set:
		return &turns.CorruptToolStateError{ToolCallID: p.ToolCallID, State: p.State, Reason: name + " must be absent"}
	}
	return nil
}
