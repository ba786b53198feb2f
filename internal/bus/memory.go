package bus

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process Bus for tests and local dev. Handlers run
// synchronously on the publisher's goroutine.
type Memory struct {
	mu   sync.RWMutex
	next int
	subs map[int]subscription
}

type subscription struct {
	pattern string
	handler Handler
}

func NewMemory() *Memory {
	return &Memory{subs: make(map[int]subscription)}
}

func (b *Memory) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	var matched []Handler
	for _, s := range b.subs {
		if topicMatches(s.pattern, topic) {
			matched = append(matched, s.handler)
		}
	}
	b.mu.RUnlock()

	for _, h := range matched {
		h(topic, payload)
	}
	return nil
}

func (b *Memory) Subscribe(_ context.Context, pattern string, handler Handler) (func(), error) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscription{pattern: pattern, handler: handler}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

func (b *Memory) Close() error {
	b.mu.Lock()
	b.subs = make(map[int]subscription)
	b.mu.Unlock()
	return nil
}

// topicMatches implements the Redis glob subset the engine uses: '*'
// matches any run of characters within the topic.
func topicMatches(pattern, topic string) bool {
	parts := strings.Split(pattern, "*")
	if len(parts) == 1 {
		return pattern == topic
	}
	if !strings.HasPrefix(topic, parts[0]) {
		return false
	}
	topic = topic[len(parts[0]):]
	for _, part := range parts[1 : len(parts)-1] {
		idx := strings.Index(topic, part)
		if idx < 0 {
			return false
		}
		topic = topic[idx+len(part):]
	}
	return strings.HasSuffix(topic, parts[len(parts)-1])
}
