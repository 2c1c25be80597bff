package chat

import "sync"

// Bus fans out message snapshots to subscribers. Publishing never
// blocks: when a subscriber's buffer is full the oldest snapshot is
// dropped, so slow observers lose intermediate states but always see
// the most recent ones in order.
type Bus struct {
	mu   sync.Mutex
	subs map[chan Message]struct{}
	size int
}

// NewBus returns a bus whose subscribers buffer up to size snapshots.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 16
	}
	return &Bus{subs: make(map[chan Message]struct{}), size: size}
}

// Subscribe registers a new observer channel. Call the returned cancel
// func to unsubscribe and close the channel.
func (b *Bus) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, b.size)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers m to every subscriber, dropping each subscriber's
// oldest buffered snapshot when its channel is full.
func (b *Bus) Publish(m Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		for {
			select {
			case ch <- m:
			default:
				select {
				case <-ch:
				default:
				}
				continue
			}
			break
		}
	}
}
