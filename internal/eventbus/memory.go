package eventbus

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// MemoryBus 是进程内的 Bus 实现，单机模式和测试使用。
// 投递是非阻塞的：订阅者缓冲区满时丢弃该消息。
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
	closed bool
}

// NewMemoryBus 创建 MemoryBus，buffer 为每个订阅的缓冲大小
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryBus{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memorySubscription struct {
	bus    *MemoryBus
	topics []string
	ch     chan Message
	once   sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.ch }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		for _, topic := range s.topics {
			if subs, ok := s.bus.subs[topic]; ok {
				delete(subs, s)
				if len(subs) == 0 {
					delete(s.bus.subs, topic)
				}
			}
		}
		s.bus.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// Subscribe 订阅一个或多个 topic
func (b *MemoryBus) Subscribe(ctx context.Context, topics ...string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		bus:    b,
		topics: topics,
		ch:     make(chan Message, b.buffer),
	}
	for _, topic := range topics {
		if b.subs[topic] == nil {
			b.subs[topic] = make(map[*memorySubscription]struct{})
		}
		b.subs[topic][sub] = struct{}{}
	}
	return sub, nil
}

// Publish 非阻塞地投递给 topic 的所有订阅者
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- Message{Topic: topic, Payload: payload}:
		default:
			logrus.WithField("topic", topic).Warn("MemoryBus: subscriber buffer full, message dropped")
		}
	}
	return nil
}

// Close 关闭总线和所有订阅
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, subs := range b.subs {
		for sub := range subs {
			all = append(all, sub)
		}
	}
	b.mu.Unlock()
	for _, sub := range all {
		sub.Close()
	}
	return nil
}
