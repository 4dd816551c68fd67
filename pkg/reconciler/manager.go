package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"github.com/go-go-golems/turnstore/pkg/turns"
)

var ErrShutdown = errors.New("reconciler shutting down")

// Manager owns the open sessions, one per in-progress turn. Finalized
// sessions are removed automatically.
type Manager struct {
	mu        sync.Mutex
	finalizer Finalizer
	options   []SessionOption
	sessions  map[string]*Session
}

func NewManager(finalizer Finalizer, options ...SessionOption) *Manager {
	return &Manager{
		finalizer: finalizer,
		options:   options,
		sessions:  map[string]*Session{},
	}
}

// Open starts a session for turnID. Extra options are applied after the
// manager defaults.
func (m *Manager) Open(conversationID, turnID string, role turns.Role, options ...SessionOption) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[turnID]; ok {
		return nil, fmt.Errorf("session for turn %s is already open", turnID)
	}
	opts := append(append([]SessionOption{}, m.options...), options...)
	opts = append(opts, withOnDone(m.remove))
	s, err := NewSession(conversationID, turnID, role, m.finalizer, opts...)
	if err != nil {
		return nil, err
	}
	m.sessions[turnID] = s
	log.Debug().
		Str("conversation_id", conversationID).
		Str("turn_id", turnID).
		Str("role", string(role)).
		Msg("opened session")
	return s, nil
}

func (m *Manager) Get(turnID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[turnID]
	return s, ok
}

// Apply routes a delta to the session of turnID. Control deltas finalize it.
func (m *Manager) Apply(ctx context.Context, turnID string, d Delta) error {
	s, ok := m.Get(turnID)
	if !ok {
		return fmt.Errorf("%w: no open session for turn %s", ErrSessionClosed, turnID)
	}
	switch d.Kind {
	case KindComplete:
		return s.Complete(ctx)
	case KindAbort:
		return s.Abort(ctx, errors.New(d.Reason))
	case KindStart, KindAppend, KindReplace:
	}
	return s.Apply(d)
}

func (m *Manager) Complete(ctx context.Context, turnID string) error {
	s, ok := m.Get(turnID)
	if !ok {
		return fmt.Errorf("%w: no open session for turn %s", ErrSessionClosed, turnID)
	}
	return s.Complete(ctx)
}

func (m *Manager) Abort(ctx context.Context, turnID string, cause error) error {
	s, ok := m.Get(turnID)
	if !ok {
		return fmt.Errorf("%w: no open session for turn %s", ErrSessionClosed, turnID)
	}
	return s.Abort(ctx, cause)
}

// Open turn ids, sorted.
func (m *Manager) TurnIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ret = append(ret, id)
	}
	sort.Strings(ret)
	return ret
}

// Shutdown aborts every open session concurrently, persisting what each has
// received so far.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	if len(sessions) > 0 {
		log.Info().Int("sessions", len(sessions)).Msg("shutting down open sessions")
	}

	p := pool.New().WithErrors().WithContext(ctx)
	for _, s := range sessions {
		s := s
		p.Go(func(ctx context.Context) error {
			return s.Abort(ctx, ErrShutdown)
		})
	}
	return p.Wait()
}

func (m *Manager) remove(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.sessions[s.turnID]; ok && cur == s {
		delete(m.sessions, s.turnID)
	}
}
