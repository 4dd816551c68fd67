package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/go-go-golems/turnstore/pkg/mapper"
	"github.com/go-go-golems/turnstore/pkg/turns"
)

type memoryTurn struct {
	id             string
	conversationID string
	role           turns.Role
	createdAt      time.Time
	seq            int64
	rows           []mapper.Row
}

// InMemoryStore is a thread-safe Store that keeps mapped rows in memory. It
// applies the same mapping and integrity checks as SQLStore.
type InMemoryStore struct {
	mu            sync.RWMutex
	mapper        *mapper.Mapper
	now           func() time.Time
	conversations map[string]*turns.Conversation
	turns         map[string]*memoryTurn
	seq           int64
	closed        bool
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	o := newOptions(opts)
	return &InMemoryStore{
		mapper:        mapper.New(o.registry),
		now:           o.now,
		conversations: map[string]*turns.Conversation{},
		turns:         map[string]*memoryTurn{},
	}
}

// now truncated to the millisecond precision of the sql backends
func (s *InMemoryStore) nowTime() time.Time {
	return fromMillis(s.now().UnixMilli())
}

func (s *InMemoryStore) CreateConversation(_ context.Context, title string) (*turns.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	now := s.nowTime()
	c := &turns.Conversation{ID: uuid.NewString(), Title: title, CreatedAt: now, UpdatedAt: now}
	s.conversations[c.ID] = c
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) GetConversation(_ context.Context, id string) (*turns.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	c, ok := s.conversations[id]
	if !ok {
		return nil, &turns.NotFoundError{Resource: "conversation", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (s *InMemoryStore) ListConversations(_ context.Context) ([]*turns.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	out := make([]*turns.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *InMemoryStore) TouchConversationTitle(_ context.Context, id string, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	c, ok := s.conversations[id]
	if !ok {
		return &turns.NotFoundError{Resource: "conversation", ID: id}
	}
	c.Title = title
	c.UpdatedAt = s.nowTime()
	return nil
}

func (s *InMemoryStore) DeleteConversation(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	delete(s.conversations, id)
	for tid, t := range s.turns {
		if t.conversationID == id {
			delete(s.turns, tid)
		}
	}
	return nil
}

func (s *InMemoryStore) UpsertTurn(_ context.Context, conversationID string, turnID string, role turns.Role, parts []turns.Part) error {
	if err := validateTurn(conversationID, turnID, role); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}

	c, ok := s.conversations[conversationID]
	if !ok {
		return &turns.NotFoundError{Resource: "conversation", ID: conversationID}
	}

	now := s.nowTime()
	rows, err := s.mapper.ToRows(turnID, parts)
	if err != nil {
		return err
	}
	for i := range rows {
		rows[i].CreatedAtMs = now.UnixMilli()
		if err := s.mapper.CheckRow(rows[i]); err != nil {
			return err
		}
	}

	t, ok := s.turns[turnID]
	if !ok {
		s.seq++
		t = &memoryTurn{id: turnID, createdAt: now, seq: s.seq}
		s.turns[turnID] = t
	}
	t.conversationID = conversationID
	t.role = role
	t.rows = rows
	c.UpdatedAt = now
	return nil
}

func (s *InMemoryStore) LoadTurns(_ context.Context, conversationID string) ([]*turns.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	if _, ok := s.conversations[conversationID]; !ok {
		return nil, &turns.NotFoundError{Resource: "conversation", ID: conversationID}
	}

	selected := s.turnsOf(conversationID)
	out := make([]*turns.Turn, 0, len(selected))
	for _, t := range selected {
		parts, err := s.mapper.FromRows(t.rows)
		if err != nil {
			return nil, err
		}
		out = append(out, &turns.Turn{
			ID:             t.id,
			ConversationID: t.conversationID,
			Role:           t.role,
			CreatedAt:      t.createdAt,
			Parts:          parts,
		})
	}
	return out, nil
}

func (s *InMemoryStore) DeleteTurnAndFollowing(_ context.Context, turnID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureOpen(); err != nil {
		return err
	}
	target, ok := s.turns[turnID]
	if !ok {
		return nil
	}
	for _, t := range s.turnsOf(target.conversationID) {
		if !before(t, target) {
			delete(s.turns, t.id)
		}
	}
	if c, ok := s.conversations[target.conversationID]; ok {
		c.UpdatedAt = s.nowTime()
	}
	return nil
}

func (s *InMemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *InMemoryStore) ensureOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

// turnsOf returns the turns of a conversation ordered by (createdAt, seq).
func (s *InMemoryStore) turnsOf(conversationID string) []*memoryTurn {
	var out []*memoryTurn
	for _, t := range s.turns {
		if t.conversationID == conversationID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

func before(a, b *memoryTurn) bool {
	if !a.createdAt.Equal(b.createdAt) {
		return a.createdAt.Before(b.createdAt)
	}
	return a.seq < b.seq
}
