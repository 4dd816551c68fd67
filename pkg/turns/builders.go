package turns

// TurnBuilder helps construct a Turn with ordered Parts.
type TurnBuilder struct {
	turn Turn
}

func NewTurnBuilder(id string, role Role) *TurnBuilder {
	return &TurnBuilder{turn: Turn{ID: id, Role: role}}
}

func (tb *TurnBuilder) WithConversation(conversationID string) *TurnBuilder {
	tb.turn.ConversationID = conversationID
	return tb
}

func (tb *TurnBuilder) WithText(text string) *TurnBuilder {
	if text != "" {
		AppendPart(&tb.turn, NewTextPart(text))
	}
	return tb
}

func (tb *TurnBuilder) WithParts(parts ...Part) *TurnBuilder {
	AppendParts(&tb.turn, parts...)
	return tb
}

func (tb *TurnBuilder) Build() *Turn {
	return tb.turn.Clone()
}
