package turns

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownVariant    = errors.New("unknown part variant")
	ErrCorruptToolState  = errors.New("corrupt tool state")
	ErrInvalidTransition = errors.New("invalid tool transition")
	ErrInvalidPayload    = errors.New("invalid payload")
	ErrNotFound          = errors.New("not found")
)

// UnknownVariantError reports a discriminant that is not registered.
type UnknownVariantError struct {
	Type PartType
}

func (e *UnknownVariantError) Error() string {
	if e == nil {
		return ErrUnknownVariant.Error()
	}
	return fmt.Sprintf("%s: %q", ErrUnknownVariant, e.Type)
}

func (e *UnknownVariantError) Is(target error) bool { return target == ErrUnknownVariant }

// CorruptToolStateError reports a tool part whose state is unknown or whose
// state-required fields are missing.
type CorruptToolStateError struct {
	ToolCallID string
	State      ToolState
	Reason     string
}

func (e *CorruptToolStateError) Error() string {
	if e == nil {
		return ErrCorruptToolState.Error()
	}
	return fmt.Sprintf("%s (call %q, state %q): %s", ErrCorruptToolState, e.ToolCallID, e.State, e.Reason)
}

func (e *CorruptToolStateError) Is(target error) bool { return target == ErrCorruptToolState }

// InvalidTransitionError reports a transition attempted after a tool call reached a terminal state.
type InvalidTransitionError struct {
	ToolCallID string
	From       ToolState
	To         ToolState
}

func (e *InvalidTransitionError) Error() string {
	if e == nil {
		return ErrInvalidTransition.Error()
	}
	return fmt.Sprintf("%s: call %q is terminal in %q, cannot move to %q", ErrInvalidTransition, e.ToolCallID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// InvalidPayloadError reports a value that does not satisfy its declared schema.
type InvalidPayloadError struct {
	Type   PartType
	Field  string
	Reason string
}

func (e *InvalidPayloadError) Error() string {
	if e == nil {
		return ErrInvalidPayload.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s for %q: %s", ErrInvalidPayload, e.Type, e.Reason)
	}
	return fmt.Sprintf("%s for %q (%s): %s", ErrInvalidPayload, e.Type, e.Field, e.Reason)
}

func (e *InvalidPayloadError) Is(target error) bool { return target == ErrInvalidPayload }

// NotFoundError reports a missing conversation or turn.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ErrNotFound.Error()
	}
	return fmt.Sprintf("%s %q %s", e.Resource, e.ID, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }
