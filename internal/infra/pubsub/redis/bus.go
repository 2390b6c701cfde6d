// Package redispubsub 基于 Redis PUBLISH/SUBSCRIBE 实现跨进程的 eventbus.Bus。
// 每个订阅了某 topic 的进程都会收到该 topic 上的每条消息。
package redispubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"collab-music/internal/eventbus"

	"github.com/go-redis/redis/v8"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/sirupsen/logrus"
)

// BreakerSettings 发布熔断器配置
type BreakerSettings struct {
	FailureThreshold uint32        // 连续失败多少次后熔断
	OpenTimeout      time.Duration // 熔断后多久进入半开状态
}

// DefaultBreakerSettings 默认熔断配置
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{FailureThreshold: 5, OpenTimeout: 10 * time.Second}
}

// RedisBus 是 eventbus.Bus 的 Redis 实现，频道名为 <prefix>events:<TOPIC>
type RedisBus struct {
	client    *redis.Client
	keyPrefix string
	breaker   *gobreaker.CircuitBreaker[interface{}]
	buffer    int

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisBus 创建 RedisBus
func NewRedisBus(client *redis.Client, keyPrefix string, settings BreakerSettings) *RedisBus {
	if client == nil {
		panic("redis client cannot be nil for RedisBus")
	}
	if keyPrefix == "" {
		keyPrefix = "cm:"
	}
	if settings.FailureThreshold == 0 {
		settings = DefaultBreakerSettings()
	}
	cb := gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:    "redis-bus-publish",
		Timeout: settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logrus.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("RedisBus: circuit breaker state changed")
		},
	})
	return &RedisBus{
		client:    client,
		keyPrefix: keyPrefix,
		breaker:   cb,
		buffer:    256,
		subs:      make(map[*redisSubscription]struct{}),
	}
}

func (b *RedisBus) channel(topic string) string {
	return fmt.Sprintf("%sevents:%s", b.keyPrefix, topic)
}

func (b *RedisBus) topic(channel string) string {
	return strings.TrimPrefix(channel, b.keyPrefix+"events:")
}

// Publish 发布消息。熔断器打开时立即失败。
func (b *RedisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return eventbus.ErrClosed
	}

	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.client.Publish(ctx, b.channel(topic), payload).Err()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("redis bus: publish %s rejected by breaker: %w", topic, err)
		}
		return fmt.Errorf("redis bus: publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe 订阅 topic，返回前等待 Redis 确认订阅，保证之后发布的消息都能收到。
func (b *RedisBus) Subscribe(ctx context.Context, topics ...string) (eventbus.Subscription, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, eventbus.ErrClosed
	}
	b.mu.Unlock()

	channels := make([]string, len(topics))
	for i, t := range topics {
		channels[i] = b.channel(t)
	}
	pubsub := b.client.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis bus: subscribe %v: %w", topics, err)
	}

	sub := &redisSubscription{
		bus:    b,
		pubsub: pubsub,
		ch:     make(chan eventbus.Message, b.buffer),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	go sub.forward()
	return sub, nil
}

// Close 关闭全部订阅。redis client 由调用方负责关闭。
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := make([]*redisSubscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	return nil
}

type redisSubscription struct {
	bus    *RedisBus
	pubsub *redis.PubSub
	ch     chan eventbus.Message
	done   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Messages() <-chan eventbus.Message { return s.ch }

func (s *redisSubscription) forward() {
	defer close(s.ch)
	in := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			out := eventbus.Message{Topic: s.bus.topic(msg.Channel), Payload: []byte(msg.Payload)}
			select {
			case s.ch <- out:
			case <-s.done:
				return
			default:
				logrus.WithField("topic", out.Topic).Warn("RedisBus: subscriber buffer full, message dropped")
			}
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
	})
	return err
}
