package chat

import "testing"

func TestBusDeliversInOrder(t *testing.T) {
	b := NewBus(8)
	ch, cancel := b.Subscribe()
	defer cancel()

	first := NewMessage(RoleAssistant, "a", StatusPending)
	second := first
	second.Content = "ab"
	b.Publish(first)
	b.Publish(second)

	if got := <-ch; got.Content != "a" {
		t.Fatalf("expected first snapshot, got %q", got.Content)
	}
	if got := <-ch; got.Content != "ab" {
		t.Fatalf("expected second snapshot, got %q", got.Content)
	}
}

func TestBusDropsOldestWhenFull(t *testing.T) {
	b := NewBus(2)
	ch, cancel := b.Subscribe()
	defer cancel()

	for _, c := range []string{"1", "2", "3", "4"} {
		b.Publish(NewMessage(RoleAssistant, c, StatusPending))
	}

	// Buffer of 2 keeps only the newest two snapshots.
	if got := <-ch; got.Content != "3" {
		t.Fatalf("expected snapshot 3, got %q", got.Content)
	}
	if got := <-ch; got.Content != "4" {
		t.Fatalf("expected snapshot 4, got %q", got.Content)
	}
	select {
	case m := <-ch:
		t.Fatalf("unexpected extra snapshot %q", m.Content)
	default:
	}
}

func TestBusUnsubscribe(t *testing.T) {
	b := NewBus(2)
	ch, cancel := b.Subscribe()
	cancel()
	// Publishing after unsubscribe must not panic on the closed channel.
	b.Publish(NewMessage(RoleAssistant, "x", StatusPending))
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
}
