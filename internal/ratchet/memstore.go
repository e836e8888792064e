package ratchet

import (
	"context"
	"sync"
)

// MemoryStore keeps sessions in process memory. It backs tests and the
// ephemeral mode of chatd.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*State
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*State)}
}

func (m *MemoryStore) Load(_ context.Context, conversationID string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.sessions[conversationID]
	if !ok {
		return nil, ErrNoSession
	}
	return st.Clone(), nil
}

func (m *MemoryStore) Save(_ context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[state.ConversationID] = state.Clone()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, conversationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, conversationID)
	return nil
}
