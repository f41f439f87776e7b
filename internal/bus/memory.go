package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/flowdhq/flowd/pkg/schema"
)

// MemoryBus is an in-process Bus for tests and single-process deployments.
// Subjects follow NATS matching rules ("*" one token, ">" tail).
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[int64]*memorySub
	nextID int64
	closed bool
}

type memorySub struct {
	pattern string
	handler Handler
}

// NewMemoryBus creates an empty in-memory bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[int64]*memorySub)}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, payload any) error {
	data, err := marshalPayload(subject, payload)
	if err != nil {
		return err
	}

	for _, h := range b.matching(subject) {
		go func(h Handler) {
			_, _ = h(context.Background(), subject, data)
		}(h)
	}
	return nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, payload any, timeout time.Duration) ([]byte, error) {
	data, err := marshalPayload(subject, payload)
	if err != nil {
		return nil, err
	}

	handlers := b.matching(subject)
	if len(handlers) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeBus, "no responders for %s", subject)
	}

	type reply struct {
		data []byte
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		resp, err := handlers[0](ctx, subject, data)
		ch <- reply{data: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeBus, "request %s: %s", subject, r.err.Error()).WithCause(r.err)
		}
		return r.data, nil
	case <-timer.C:
		return nil, schema.NewErrorf(schema.ErrCodeTimeout, "request %s timed out after %s", subject, timeout)
	case <-ctx.Done():
		return nil, schema.NewError(schema.ErrCodeCancelled, "request cancelled").WithCause(ctx.Err())
	}
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, schema.NewError(schema.ErrCodeBus, "bus is closed")
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = &memorySub{pattern: subject, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[int64]*memorySub)
	return nil
}

func (b *MemoryBus) matching(subject string) []Handler {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var handlers []Handler
	for _, sub := range b.subs {
		if matchSubject(sub.pattern, subject) {
			handlers = append(handlers, sub.handler)
		}
	}
	return handlers
}

// matchSubject implements NATS-style subject matching.
func matchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
