package web

import (
	"sync"

	"gnss-bridge/internal/gps"
)

// FixFeed fans fixes out to websocket listeners. It keeps the most recent
// value so new subscribers get an immediate sample. Slow listeners miss
// updates rather than blocking the publisher.
type FixFeed struct {
	mu       sync.RWMutex
	subs     map[int]chan FixView
	nextID   int
	last     FixView
	haveLast bool
}

func NewFixFeed() *FixFeed {
	return &FixFeed{subs: make(map[int]chan FixView)}
}

func (b *FixFeed) Subscribe(buffer int) (int, <-chan FixView) {
	if b == nil {
		return 0, nil
	}
	if buffer <= 0 {
		buffer = 4
	}
	ch := make(chan FixView, buffer)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	last, have := b.last, b.haveLast
	b.mu.Unlock()
	if have {
		ch <- last
	}
	return id, ch
}

func (b *FixFeed) Unsubscribe(id int) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *FixFeed) Len() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish matches gps.Options.OnFix.
func (b *FixFeed) Publish(f gps.Fix) {
	if b == nil {
		return
	}
	v := NewFixView(f)
	b.mu.Lock()
	b.last = v
	b.haveLast = true
	for _, ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
	b.mu.Unlock()
}

// Close ends every subscription. Later Publish calls only update the last
// value.
func (b *FixFeed) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()
}
