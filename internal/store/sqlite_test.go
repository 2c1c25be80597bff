package store

import (
	"path/filepath"
	"testing"

	"chatd/internal/chat"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "chat.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteInsertAndQueryOrder(t *testing.T) {
	s := openTestStore(t)

	// Same-millisecond inserts must keep insertion order.
	u := chat.NewMessage(chat.RoleUser, "question", chat.StatusComplete)
	a := chat.NewMessage(chat.RoleAssistant, "", chat.StatusPending)
	a.Timestamp = u.Timestamp
	if err := s.Insert(u); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if err := s.Insert(a); err != nil {
		t.Fatalf("insert assistant: %v", err)
	}

	msgs, err := s.QueryAll()
	if err != nil {
		t.Fatalf("query all: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != u.ID || msgs[1].ID != a.ID {
		t.Fatalf("insertion order not preserved: %s, %s", msgs[0].ID, msgs[1].ID)
	}
	if msgs[0].Content != "question" || msgs[1].Status != chat.StatusPending {
		t.Fatalf("round trip mismatch: %+v", msgs)
	}
}

func TestSQLiteUpdate(t *testing.T) {
	s := openTestStore(t)
	m := chat.NewMessage(chat.RoleAssistant, "", chat.StatusPending)
	if err := s.Insert(m); err != nil {
		t.Fatalf("insert: %v", err)
	}

	m.Content = "answer"
	m.Status = chat.StatusComplete
	if err := s.Update(m); err != nil {
		t.Fatalf("update: %v", err)
	}
	msgs, _ := s.QueryAll()
	if msgs[0].Content != "answer" || msgs[0].Status != chat.StatusComplete {
		t.Fatalf("update not applied: %+v", msgs[0])
	}

	unknown := chat.NewMessage(chat.RoleUser, "x", chat.StatusComplete)
	if err := s.Update(unknown); err == nil {
		t.Fatalf("expected error updating unknown id")
	}
}

func TestSQLiteQueryRecent(t *testing.T) {
	s := openTestStore(t)
	ids := make([]string, 5)
	for i := range ids {
		m := chat.NewMessage(chat.RoleUser, "m", chat.StatusComplete)
		m.Timestamp = int64(1000 + i)
		ids[i] = m.ID
		if err := s.Insert(m); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	recent, err := s.QueryRecent(3)
	if err != nil {
		t.Fatalf("query recent: %v", err)
	}
	if len(recent) != 3 {
		t.Fatalf("expected 3, got %d", len(recent))
	}
	// Newest first.
	if recent[0].ID != ids[4] || recent[2].ID != ids[2] {
		t.Fatalf("unexpected recency order: %+v", recent)
	}
}

func TestSQLiteClearAllAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chat.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Insert(chat.NewMessage(chat.RoleUser, "a", chat.StatusComplete)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Insert(chat.NewMessage(chat.RoleUser, "b", chat.StatusComplete)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	s.Close()

	// Messages survive process restarts.
	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	msgs, _ := s.QueryAll()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 after reopen, got %d", len(msgs))
	}

	if err := s.ClearAll(); err != nil {
		t.Fatalf("clear: %v", err)
	}
	msgs, _ = s.QueryAll()
	if len(msgs) != 0 {
		t.Fatalf("expected empty log, got %d", len(msgs))
	}
}
