package reconciler

import (
	"errors"
	"fmt"

	"github.com/go-go-golems/turnstore/pkg/turns"
)

// Kind says how a delta affects the part at its target position.
type Kind string

const (
	// KindStart adds a new part at the end of the list.
	KindStart Kind = "start"
	// KindAppend grows the target part: text is concatenated, tool calls advance.
	KindAppend Kind = "append"
	// KindReplace overwrites the target part. Data parts are addressed by id,
	// tool parts by toolCallId when given.
	KindReplace Kind = "replace"

	// KindComplete ends the stream normally.
	KindComplete Kind = "complete"
	// KindAbort ends the stream early; Reason says why.
	KindAbort Kind = "abort"
)

func (k Kind) Control() bool {
	return k == KindComplete || k == KindAbort
}

// Delta is one incremental update of an in-progress turn.
type Delta struct {
	TargetPosition int             `json:"targetPosition"`
	Kind           Kind            `json:"kind"`
	Payload        *turns.WirePart `json:"payload,omitempty"`
	// Transient deltas are shown live and never enter the persisted part list.
	Transient bool   `json:"transient,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

var (
	ErrCorruptStream = errors.New("corrupt stream")
	ErrSessionClosed = errors.New("session closed")
)

// CorruptStreamError reports a delta that cannot be applied. The delta is
// dropped; the part list is left unchanged.
type CorruptStreamError struct {
	TurnID   string
	Position int
	Kind     Kind
	Reason   string
	Err      error
}

func (e *CorruptStreamError) Error() string {
	if e == nil {
		return ErrCorruptStream.Error()
	}
	msg := fmt.Sprintf("%s (turn %q, %s at %d): %s", ErrCorruptStream, e.TurnID, e.Kind, e.Position, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptStreamError) Is(target error) bool { return target == ErrCorruptStream }

func (e *CorruptStreamError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Start returns a start delta carrying p.
func Start(position int, p turns.Part) Delta {
	w := turns.ToWire(p)
	return Delta{TargetPosition: position, Kind: KindStart, Payload: &w}
}

// AppendText returns an append delta adding text to a text or reasoning part.
func AppendText(position int, text string) Delta {
	return Delta{TargetPosition: position, Kind: KindAppend, Payload: &turns.WirePart{Text: text}}
}

// Replace returns a replace delta carrying p.
func Replace(position int, p turns.Part) Delta {
	w := turns.ToWire(p)
	return Delta{TargetPosition: position, Kind: KindReplace, Payload: &w}
}

func Complete() Delta {
	return Delta{Kind: KindComplete}
}

func Abort(reason string) Delta {
	return Delta{Kind: KindAbort, Reason: reason}
}
