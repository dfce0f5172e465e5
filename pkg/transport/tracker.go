package transport

import (
	"context"
	"math/rand/v2"
	"sync"

	"github.com/gear6io/wirelink/pkg/errors"
	"github.com/gear6io/wirelink/pkg/protocol"
)

// Tracker routes decoded messages to the parties waiting for their type.
// The tracker lock only guards the identifier map; each identifier has its
// own waiter list with its own lock.
type Tracker struct {
	mu     sync.Mutex
	lists  map[protocol.MessageID]*waiterList
	closed error

	tokenMu sync.Mutex
	tokens  map[uint64]struct{}
}

type waiterList struct {
	mu      sync.Mutex
	waiters []*Waiter
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		lists:  make(map[protocol.MessageID]*waiterList),
		tokens: make(map[uint64]struct{}),
	}
}

// Register adds a waiter for id. If the tracker is closed the waiter is
// returned already failed.
func (t *Tracker) Register(id protocol.MessageID) *Waiter {
	w := &Waiter{id: id, tracker: t, notify: make(chan struct{}, 1)}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed != nil {
		w.fail(t.closed)
		return w
	}

	l, ok := t.lists[id]
	if !ok {
		l = &waiterList{}
		t.lists[id] = l
	}
	l.mu.Lock()
	l.waiters = append(l.waiters, w)
	l.mu.Unlock()
	return w
}

// Deliver hands msg to every waiter registered for its identifier and
// returns how many received it
func (t *Tracker) Deliver(msg protocol.Message) int {
	t.mu.Lock()
	l, ok := t.lists[msg.ID()]
	t.mu.Unlock()
	if !ok {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, w := range l.waiters {
		w.push(msg)
	}
	return len(l.waiters)
}

// Pending returns the number of waiters registered for id
func (t *Tracker) Pending(id protocol.MessageID) int {
	t.mu.Lock()
	l, ok := t.lists[id]
	t.mu.Unlock()
	if !ok {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters)
}

func (t *Tracker) remove(w *Waiter) {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.lists[w.id]
	if !ok {
		return
	}
	l.mu.Lock()
	for i, candidate := range l.waiters {
		if candidate == w {
			l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
			break
		}
	}
	empty := len(l.waiters) == 0
	l.mu.Unlock()

	if empty {
		delete(t.lists, w.id)
	}
}

// Close fails every pending waiter with err. Waiters registered afterwards
// fail immediately with the same error.
func (t *Tracker) Close(err error) {
	t.mu.Lock()
	if t.closed != nil {
		t.mu.Unlock()
		return
	}
	t.closed = err
	lists := t.lists
	t.lists = make(map[protocol.MessageID]*waiterList)
	t.mu.Unlock()

	for _, l := range lists {
		l.mu.Lock()
		for _, w := range l.waiters {
			w.fail(err)
		}
		l.waiters = nil
		l.mu.Unlock()
	}
}

// AcquireToken returns a random non-zero correlation token that is not held
// by any other outstanding request
func (t *Tracker) AcquireToken() uint64 {
	t.tokenMu.Lock()
	defer t.tokenMu.Unlock()

	for {
		token := rand.Uint64()
		if token == 0 {
			continue
		}
		if _, taken := t.tokens[token]; taken {
			continue
		}
		t.tokens[token] = struct{}{}
		return token
	}
}

// ReleaseToken makes token available again
func (t *Tracker) ReleaseToken(token uint64) {
	t.tokenMu.Lock()
	delete(t.tokens, token)
	t.tokenMu.Unlock()
}

// Waiter is a subscription to every message of one identifier that arrives
// while it is registered. Messages are queued, so a caller that filters and
// waits again does not miss a message delivered in between.
type Waiter struct {
	id      protocol.MessageID
	tracker *Tracker

	mu     sync.Mutex
	queue  []protocol.Message
	err    error
	notify chan struct{}
}

// MessageID returns the identifier the waiter is subscribed to
func (w *Waiter) MessageID() protocol.MessageID {
	return w.id
}

// Next returns the oldest queued message, blocking until one arrives, the
// waiter fails or ctx is done. Queued messages are returned before a
// failure is reported.
func (w *Waiter) Next(ctx context.Context) (protocol.Message, error) {
	for {
		w.mu.Lock()
		if len(w.queue) > 0 {
			msg := w.queue[0]
			w.queue[0] = nil
			w.queue = w.queue[1:]
			w.mu.Unlock()
			return msg, nil
		}
		if w.err != nil {
			err := w.err
			w.mu.Unlock()
			return nil, err
		}
		w.mu.Unlock()

		select {
		case <-w.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Cancel removes the waiter from its tracker and fails it. Other waiters are
// not affected. Calling Cancel more than once is safe.
func (w *Waiter) Cancel() {
	w.tracker.remove(w)
	w.fail(errors.New(ErrWaitCanceled, "wait canceled", nil).
		AddContext("message", w.id.String()))
}

func (w *Waiter) push(msg protocol.Message) {
	w.mu.Lock()
	if w.err != nil {
		w.mu.Unlock()
		return
	}
	w.queue = append(w.queue, msg)
	w.mu.Unlock()
	w.wake()
}

func (w *Waiter) fail(err error) {
	w.mu.Lock()
	if w.err == nil {
		w.err = err
	}
	w.mu.Unlock()
	w.wake()
}

func (w *Waiter) wake() {
	select {
	case w.notify <- struct{}{}:
	default:
	}
}
