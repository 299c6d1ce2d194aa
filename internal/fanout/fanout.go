// Package fanout implements the Subscriber Fan-out (C7): bounded
// multi-consumer delivery of packet and MITM transaction events across
// thread/async boundaries, with a non-blocking, newest-drop enqueue
// policy.
//
// The enqueue is a non-blocking channel send with a default branch, so
// capture feeds are never allowed to block on a slow consumer.
package fanout

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netshark-go/netshark/internal/metrics"
	"github.com/netshark-go/netshark/internal/record"
)

// DefaultQueueDepth is the per-subscriber queue depth from §5.
const DefaultQueueDepth = 1024

// Subscriber is a single registered consumer of the event feed.
type Subscriber struct {
	ID string

	ch           chan record.Event
	dropped      uint64
	mu           sync.Mutex
	lastDelivery time.Time
}

// Deliveries returns the channel subscribers read from; the drainer
// owns blocking transport writes from this channel.
func (s *Subscriber) Deliveries() <-chan record.Event { return s.ch }

// Dropped returns the number of records dropped for this subscriber.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Subscriber) touch() {
	s.mu.Lock()
	s.lastDelivery = time.Now()
	s.mu.Unlock()
}

func (s *Subscriber) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDelivery
}

// Fanout is the registry of live Subscribers. Registration is read-mostly
// and guarded by a RWMutex so Broadcast never blocks on registry churn.
type Fanout struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	queueDepth  int
	idleTimeout time.Duration
	log         *zap.Logger
}

// New constructs an empty Fanout with the given per-subscriber queue
// depth and idle-unregister interval.
func New(queueDepth int, idleTimeout time.Duration, log *zap.Logger) *Fanout {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Fanout{
		subscribers: make(map[string]*Subscriber),
		queueDepth:  queueDepth,
		idleTimeout: idleTimeout,
		log:         log.Named("fanout"),
	}
}

// Register creates and returns a new Subscriber.
func (f *Fanout) Register(id string) *Subscriber {
	s := &Subscriber{ID: id, ch: make(chan record.Event, f.queueDepth), lastDelivery: time.Now()}

	f.mu.Lock()
	f.subscribers[id] = s
	f.mu.Unlock()

	return s
}

// Unregister explicitly removes a subscriber and closes its channel.
func (f *Fanout) Unregister(id string) {
	f.mu.Lock()
	s, ok := f.subscribers[id]
	if ok {
		delete(f.subscribers, id)
	}
	f.mu.Unlock()

	if ok {
		close(s.ch)
	}
}

// Broadcast replicates ev to every live subscriber, non-blockingly. A
// full queue drops the newest event (this one) and increments that
// subscriber's drop counter, per §4.7.
func (f *Fanout) Broadcast(ev record.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, s := range f.subscribers {
		select {
		case s.ch <- ev:
			s.touch()
		default:
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			metrics.SubscriberDrops.WithLabelValues(s.ID).Inc()
		}
	}
}

// BroadcastPacket wraps rec as an Event and broadcasts it; this is the
// Capture Engine's (C5) and offline ingest's delivery path into C7.
func (f *Fanout) BroadcastPacket(rec record.Packet) {
	f.Broadcast(record.Event{Packet: &rec})
}

// BroadcastTransaction wraps txn as an Event and broadcasts it; this is
// the MITM Proxy Engine's (C6) delivery path into the same C7, per the
// Data flow description in §1.
func (f *Fanout) BroadcastTransaction(txn record.MITMTransaction) {
	f.Broadcast(record.Event{Transaction: &txn})
}

// ReapIdle unregisters subscribers with no successful delivery for
// longer than the configured idle interval. Returns the reaped IDs.
func (f *Fanout) ReapIdle() []string {
	if f.idleTimeout <= 0 {
		return nil
	}

	cutoff := time.Now().Add(-f.idleTimeout)

	f.mu.Lock()
	var stale []string
	var staleSubs []*Subscriber
	for id, s := range f.subscribers {
		if s.idleSince().Before(cutoff) {
			stale = append(stale, id)
			staleSubs = append(staleSubs, s)
		}
	}
	for _, id := range stale {
		delete(f.subscribers, id)
	}
	f.mu.Unlock()

	for i, id := range stale {
		f.log.Debug("reaping idle subscriber", zap.String("subscriber_id", id))
		close(staleSubs[i].ch)
	}

	return stale
}

// Count returns the number of live subscribers.
func (f *Fanout) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subscribers)
}
