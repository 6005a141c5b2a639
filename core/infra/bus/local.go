package bus

import (
	"context"
	"strings"
	"sync"

	"github.com/cordum/toolforge/core/tool"
)

// LocalBus fans events out in-process. Used when no NATS server is
// configured and in tests.
type LocalBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]localSub
}

type localSub struct {
	subject string
	handler func(tool.Event)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: map[int]localSub{}}
}

// Publish delivers ev synchronously to every matching subscriber.
func (b *LocalBus) Publish(_ context.Context, ev tool.Event) error {
	if ev.Type == "" {
		return errEmptyTopic
	}
	b.mu.RLock()
	var targets []func(tool.Event)
	for _, sub := range b.subs {
		if SubjectMatches(sub.subject, ev.Type) {
			targets = append(targets, sub.handler)
		}
	}
	b.mu.RUnlock()
	for _, fn := range targets {
		fn(ev)
	}
	return nil
}

func (b *LocalBus) Subscribe(subject string, handler func(tool.Event)) (func(), error) {
	if subject == "" {
		return nil, errEmptyTopic
	}
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = localSub{subject: subject, handler: handler}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

// SubjectMatches applies NATS wildcard rules: "*" matches one token, a
// trailing ">" matches one or more.
func SubjectMatches(pattern, subject string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, p := range pt {
		if p == ">" {
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if p != "*" && p != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
