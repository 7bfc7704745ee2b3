package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Kind labels a memory lifecycle event.
type Kind string

const (
	KindItemPromoted   Kind = "item_promoted"
	KindItemRejected   Kind = "item_rejected"
	KindPromoteFailed  Kind = "promote_failed"
	KindTurnEvicted    Kind = "turn_evicted"
	KindPendingEvicted Kind = "pending_evicted"
	KindSessionEnded   Kind = "session_ended"
	KindCachePurged    Kind = "cache_purged"
)

// Event describes one memory lifecycle transition.
type Event struct {
	Kind      Kind
	SessionID string
	ItemID    string
	Count     int
	At        time.Time
}

const publishTimeout = 100 * time.Millisecond

// Feed is a bounded, drop-on-saturation event stream. Publishers never block
// longer than the publish timeout; a slow or absent consumer costs dropped
// events, not stalled memory operations.
type Feed struct {
	events  chan Event
	closed  bool
	dropped atomic.Uint64
	mu      sync.RWMutex
}

func NewFeed() *Feed {
	return &Feed{
		events: make(chan Event, 100),
	}
}

// Publish enqueues the event, stamping At when unset. Dropped on saturation.
func (f *Feed) Publish(ev Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	select {
	case f.events <- ev:
	default:
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case f.events <- ev:
		case <-timer.C:
			f.dropped.Add(1)
		}
	}
}

// Consume blocks for the next event. Returns false when the feed is closed
// and drained, or the context is done.
func (f *Feed) Consume(ctx context.Context) (Event, bool) {
	select {
	case ev, ok := <-f.events:
		if !ok {
			return Event{}, false
		}
		return ev, true
	case <-ctx.Done():
		return Event{}, false
	}
}

func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	close(f.events)
}

// Dropped reports how many events were discarded under saturation.
func (f *Feed) Dropped() uint64 {
	return f.dropped.Load()
}
