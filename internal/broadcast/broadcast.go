// Package broadcast implements the Broadcast Hub: a per-document fan-out
// of update bytes to every live subscriber (spec.md §4.4). It generalizes
// the teacher's "subscribe to a per-doc_id Redis channel, forward to the
// websocket" shape into an in-process Go-channel hub, since a single relay
// process has no need for cross-process pub/sub.
package broadcast

import "sync"

// bufferSize bounds how many unconsumed updates a subscriber may queue.
// Once a mailbox is full, further publishes are dropped for that
// subscriber; the subscriber itself is not removed from its topic.
const bufferSize = 64

type topic struct {
	mu   sync.RWMutex
	subs map[*Subscription]struct{}
}

// Hub owns every document's topic. Topics are created lazily on first
// Subscribe or EnsureTopic and torn down when their last subscriber
// leaves; a topic that never had a subscriber is not torn down.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]*topic
}

func New() *Hub {
	return &Hub{topics: make(map[string]*topic)}
}

// Subscription is a live subscriber's mailbox. Callers receive from C
// until it's closed (by Unsubscribe or a Hub-wide Close).
type Subscription struct {
	C      chan []byte
	docID  string
	hub    *Hub
	closed bool
	mu     sync.Mutex
}

// Subscribe registers for every future Publish on docID. Spec.md §4.5
// requires a channel to exist both after SYNC_STEP_1 and after the first
// UPDATE a connection sends — Subscribe is idempotent-safe to call either
// way, since each call returns a fresh Subscription independent of any
// other subscriber on the same doc.
func (h *Hub) Subscribe(docID string) *Subscription {
	h.mu.Lock()
	t, ok := h.topics[docID]
	if !ok {
		t = &topic{subs: make(map[*Subscription]struct{})}
		h.topics[docID] = t
	}
	h.mu.Unlock()

	sub := &Subscription{C: make(chan []byte, bufferSize), docID: docID, hub: h}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

// Publish fans update out to every subscriber of docID except skip (the
// connection that originated the update — self-echo suppression per
// spec.md §4.5). Slow subscribers whose mailbox is full have this publish
// dropped for them rather than blocking the publisher.
func (h *Hub) Publish(docID string, update []byte, skip *Subscription) {
	h.mu.RLock()
	t, ok := h.topics[docID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for sub := range t.subs {
		if sub == skip {
			continue
		}
		select {
		case sub.C <- update:
		default: // slow subscriber; drop rather than block the publisher
		}
	}
}

// Unsubscribe removes sub from its topic, closing its mailbox. If it was
// the topic's last subscriber, the topic itself is torn down.
//
// The close is done under the same topic lock Publish takes to send on
// sub.C, so a Publish in flight for this doc_id always either completes
// its send before the close or observes sub already removed from
// t.subs — never both halves of a send-on-closed-channel race.
func (h *Hub) Unsubscribe(sub *Subscription) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	sub.mu.Unlock()

	h.mu.Lock()
	t, ok := h.topics[sub.docID]
	if !ok {
		h.mu.Unlock()
		return
	}
	t.mu.Lock()
	delete(t.subs, sub)
	empty := len(t.subs) == 0
	close(sub.C)
	t.mu.Unlock()
	if empty {
		delete(h.topics, sub.docID)
	}
	h.mu.Unlock()
}

// EnsureTopic creates docID's topic if it doesn't exist yet, with no
// subscribers. Called from UPDATE handling per spec.md §4.5 so a doc no
// one has SYNC_STEP_1'd yet still has somewhere for late subscribers to
// attach without racing topic creation against Subscribe.
func (h *Hub) EnsureTopic(docID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[docID]; !ok {
		h.topics[docID] = &topic{subs: make(map[*Subscription]struct{})}
	}
}

// SubscriberCount reports how many live subscribers docID currently has,
// for diagnostics and tests.
func (h *Hub) SubscriberCount(docID string) int {
	h.mu.RLock()
	t, ok := h.topics[docID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}
