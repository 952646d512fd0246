// Package broadcast fans out job progress snapshots to live observers.
//
// The broadcaster is a purely ephemeral, best-effort layer over the ledger:
// it owns nothing but the per-job subscriber lists and the last snapshot it
// saw. It never reads or writes persisted job state, and it is never
// authoritative; clients that need the durable truth read the ledger.
package broadcast

import (
	"sync"

	"github.com/raphaelgruber/tripflow/internal/models"
)

// DefaultSubscriberBuffer is the per-subscriber snapshot buffer size. When a
// subscriber falls behind, the oldest buffered snapshot is dropped so that
// Publish never blocks on subscriber speed.
const DefaultSubscriberBuffer = 16

// Subscription is a cancellable handle on one job's snapshot stream. The
// channel closes when the job reaches a terminal state or the subscription
// is cancelled.
type Subscription struct {
	ch     chan models.ProgressSnapshot
	closed bool // guarded by the broadcaster mutex
	cancel func()
}

// Snapshots returns the live snapshot stream.
func (s *Subscription) Snapshots() <-chan models.ProgressSnapshot { return s.ch }

// Cancel releases the subscription's resources. It is safe to call more
// than once and has no effect on other subscribers.
func (s *Subscription) Cancel() { s.cancel() }

type jobTopic struct {
	subs     map[*Subscription]struct{}
	last     *models.ProgressSnapshot
	terminal bool
}

// Broadcaster is a per-job publish point. All methods are safe for
// concurrent use.
type Broadcaster struct {
	mu      sync.Mutex
	jobs    map[string]*jobTopic
	bufSize int
}

// New creates a broadcaster with the default per-subscriber buffer.
func New() *Broadcaster {
	return &Broadcaster{
		jobs:    make(map[string]*jobTopic),
		bufSize: DefaultSubscriberBuffer,
	}
}

// Subscribe registers an observer for the given job. Subscribing before the
// first publish is valid and simply waits. Subscribing to a job the
// broadcaster already saw finish yields the final snapshot and a closed
// channel.
func (b *Broadcaster) Subscribe(jobID string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic := b.topic(jobID)
	sub := &Subscription{ch: make(chan models.ProgressSnapshot, b.bufSize)}
	sub.cancel = func() { b.unsubscribe(jobID, sub) }

	if topic.terminal {
		if topic.last != nil {
			sub.ch <- *topic.last
		}
		sub.closed = true
		close(sub.ch)
		return sub
	}

	// Late subscribers to a running job start from the latest known state.
	if topic.last != nil {
		sub.ch <- *topic.last
	}
	topic.subs[sub] = struct{}{}
	return sub
}

// Publish delivers the snapshot to all current subscribers of the job,
// best-effort. A terminal snapshot closes every subscriber's stream.
func (b *Broadcaster) Publish(jobID string, snap models.ProgressSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	topic := b.topic(jobID)
	if topic.terminal {
		return
	}
	topic.last = &snap

	for sub := range topic.subs {
		select {
		case sub.ch <- snap:
		default:
			// Buffer full: drop the oldest so the newest always lands.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- snap
		}
	}

	if snap.Status.Terminal() {
		topic.terminal = true
		for sub := range topic.subs {
			sub.closed = true
			close(sub.ch)
		}
		topic.subs = make(map[*Subscription]struct{})
	}
}

// Forget drops all broadcaster state for a job. Used by the server once a
// terminal job's retention window lapses; late subscribers then fall back
// to the ledger.
func (b *Broadcaster) Forget(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.jobs, jobID)
}

// SubscriberCount returns the number of active subscribers for a job.
func (b *Broadcaster) SubscriberCount(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if topic, ok := b.jobs[jobID]; ok {
		return len(topic.subs)
	}
	return 0
}

// topic returns the topic for jobID, creating it if needed. Caller holds mu.
func (b *Broadcaster) topic(jobID string) *jobTopic {
	topic, ok := b.jobs[jobID]
	if !ok {
		topic = &jobTopic{subs: make(map[*Subscription]struct{})}
		b.jobs[jobID] = topic
	}
	return topic
}

func (b *Broadcaster) unsubscribe(jobID string, sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if topic, ok := b.jobs[jobID]; ok {
		delete(topic.subs, sub)
	}
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}
