package camera

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LudwikBielczynski/buildme-car/internal/metrics"
)

// Broadcast wakes every subscribed consumer exactly once per published frame.
//
// Each subscription owns its own single-slot latch. A fast consumer draining
// its latch cannot steal a wakeup from a slower consumer: the slow consumer's
// latch stays armed until that consumer waits on it. A shared signal would
// not give that guarantee.
//
// The latch map has its own lock, separate from the frame slot lock, so a
// publisher never holds the frame lock while waking consumers.
type Broadcast struct {
	mu      sync.Mutex
	latches map[string]chan struct{}
}

// NewBroadcast creates an empty broadcast registry.
func NewBroadcast() *Broadcast {
	return &Broadcast{latches: make(map[string]chan struct{})}
}

// Subscription is one consumer's identity in the broadcast.
// Callers must Close it when done so the latch map does not grow forever.
type Subscription struct {
	id string
	b  *Broadcast
	ch chan struct{}
}

// Subscribe registers a new consumer and returns its subscription handle.
func (b *Broadcast) Subscribe() *Subscription {
	s := &Subscription{
		id: uuid.NewString(),
		b:  b,
		ch: make(chan struct{}, 1),
	}
	b.mu.Lock()
	b.latches[s.id] = s.ch
	b.mu.Unlock()
	metrics.ActiveConsumers.Inc()
	return s
}

// NotifyAll arms every registered latch and returns without waiting for
// consumers. A latch already armed stays armed; the consumer will still see
// exactly one pending wakeup.
func (b *Broadcast) NotifyAll() {
	b.mu.Lock()
	for _, ch := range b.latches {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// Subscribers returns the number of registered subscriptions.
func (b *Broadcast) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.latches)
}

// Wait blocks until the next NotifyAll, or until ctx is done.
// It returns true on a wakeup and false on cancellation. A wakeup clears the
// latch, so the next Wait blocks until the following NotifyAll.
func (s *Subscription) Wait(ctx context.Context) bool {
	select {
	case <-s.ch:
		return true
	case <-ctx.Done():
		return false
	}
}

// WaitTimeout is Wait with a deadline instead of a context.
// It returns true on a wakeup and false on timeout.
func (s *Subscription) WaitTimeout(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.ch:
		return true
	case <-timer.C:
		return false
	}
}

// Close removes the subscription from the broadcast. Safe to call more than
// once; Wait must not be called after Close.
func (s *Subscription) Close() {
	s.b.mu.Lock()
	_, present := s.b.latches[s.id]
	delete(s.b.latches, s.id)
	s.b.mu.Unlock()
	if present {
		metrics.ActiveConsumers.Dec()
	}
}
