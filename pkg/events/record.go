package events

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/go-go-golems/turnstore/pkg/reconciler"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

const (
	// TopicDeltas carries the delta stream of in-progress turns.
	TopicDeltas = "turnstore.deltas"
	// TopicTransient receives transient deltas re-published by the reconciler.
	TopicTransient = "turnstore.transient"

	MetadataSequenceNumber = "sequence_number"
	MetadataTurnID         = "turn_id"
)

// StreamRecord is one delta addressed to a turn. It is the message payload on
// TopicDeltas and the line format of replay files.
type StreamRecord struct {
	ConversationID string           `json:"conversationId"`
	TurnID         string           `json:"turnId"`
	Role           turns.Role       `json:"role,omitempty"`
	Delta          reconciler.Delta `json:"delta"`
}

func (r StreamRecord) Validate() error {
	if r.ConversationID == "" {
		return errors.New("record has no conversationId")
	}
	if r.TurnID == "" {
		return errors.New("record has no turnId")
	}
	if r.Role != "" && !r.Role.Valid() {
		return errors.Errorf("record has invalid role %q", r.Role)
	}
	if r.Delta.Kind == "" {
		return errors.New("record has no delta kind")
	}
	return nil
}

func NewStreamRecordFromJSON(b []byte) (StreamRecord, error) {
	var r StreamRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return StreamRecord{}, errors.Wrap(err, "could not decode stream record")
	}
	if err := r.Validate(); err != nil {
		return StreamRecord{}, err
	}
	return r, nil
}
