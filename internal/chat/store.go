package chat

import "sync"

// MessageStore is the persisted message log contract. Implementations
// must key by Message.ID; Insert with an existing id replaces the row.
type MessageStore interface {
	Insert(Message) error
	Update(Message) error
	// QueryAll returns every message ordered by timestamp ascending.
	QueryAll() ([]Message, error)
	// QueryRecent returns the most recent limit messages, newest first.
	QueryRecent(limit int) ([]Message, error)
	ClearAll() error
}

// MemoryStore is an in-memory MessageStore used in tests and when no
// database path is configured.
type MemoryStore struct {
	mu   sync.Mutex
	msgs []Message
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Insert(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID == m.ID {
			s.msgs[i] = m
			return nil
		}
	}
	s.msgs = append(s.msgs, m)
	return nil
}

func (s *MemoryStore) Update(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.msgs {
		if s.msgs[i].ID == m.ID {
			s.msgs[i] = m
			return nil
		}
	}
	return errMessageNotFound{id: m.ID}
}

func (s *MemoryStore) QueryAll() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.msgs))
	copy(out, s.msgs)
	return out, nil
}

func (s *MemoryStore) QueryRecent(limit int) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.msgs)
	if limit > n {
		limit = n
	}
	out := make([]Message, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.msgs[i])
	}
	return out, nil
}

func (s *MemoryStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
	return nil
}
