// Package gateway 把事件总线上按 topic 的全局事件流转换为按房间的订阅者事件流。
//
// 每个进程只在总线上订阅一次全部状态 topic；收到的每条消息解码后，
// 只投递给房间码匹配且关注该事件类型的订阅者。总线本身不感知房间，
// 因此这一步过滤是必需的。投递不阻塞，订阅者缓冲区满时丢弃该事件：
// 快照类事件会被下一条快照自动纠正。
package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"collab-music/internal/domain"
	"collab-music/internal/eventbus"
	"collab-music/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

const defaultSubscriberBuffer = 32

// Subscriber 是一个房间事件订阅者
type Subscriber struct {
	id       uint64
	roomCode string
	kinds    map[domain.EventKind]bool // 为空表示全部类型
	ch       chan domain.Event
	closed   bool // 由 Gateway.mu 保护
}

// Events 返回事件通道，取消订阅或网关关闭后被关闭
func (s *Subscriber) Events() <-chan domain.Event { return s.ch }

// RoomCode 订阅的房间码
func (s *Subscriber) RoomCode() string { return s.roomCode }

func (s *Subscriber) wants(ev domain.Event) bool {
	if ev.RoomCode != s.roomCode {
		return false
	}
	return len(s.kinds) == 0 || s.kinds[ev.Kind]
}

// Gateway 订阅事件总线并按房间分发
type Gateway struct {
	bus    eventbus.Bus
	buffer int
	nextID atomic.Uint64

	mu      sync.RWMutex
	subs    map[uint64]*Subscriber
	stopped bool

	busSub eventbus.Subscription
	done   chan struct{}
}

// NewGateway 创建 Gateway。buffer 为每个订阅者的缓冲大小。
func NewGateway(bus eventbus.Bus, buffer int) *Gateway {
	if bus == nil {
		panic("Bus cannot be nil for Gateway")
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Gateway{
		bus:    bus,
		buffer: buffer,
		subs:   make(map[uint64]*Subscriber),
		done:   make(chan struct{}),
	}
}

// Start 在总线上订阅全部状态 topic 并启动分发 goroutine。
// 返回时订阅已生效。ctx 取消或 Close 时分发停止。
func (g *Gateway) Start(ctx context.Context) error {
	topics := make([]string, len(domain.StateEventKinds))
	for i, k := range domain.StateEventKinds {
		topics[i] = string(k)
	}
	sub, err := g.bus.Subscribe(ctx, topics...)
	if err != nil {
		return err
	}
	g.busSub = sub
	go g.run(ctx)
	logrus.WithField("topics", topics).Info("Gateway: subscribed to event bus")
	return nil
}

func (g *Gateway) run(ctx context.Context) {
	defer close(g.done)
	defer g.closeAll()
	for {
		select {
		case <-ctx.Done():
			_ = g.busSub.Close()
			return
		case msg, ok := <-g.busSub.Messages():
			if !ok {
				return
			}
			g.dispatch(msg)
		}
	}
}

func (g *Gateway) dispatch(msg eventbus.Message) {
	var ev domain.Event
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		logrus.WithError(err).WithField("topic", msg.Topic).Warn("Gateway: failed to decode event, discarded")
		return
	}
	if ev.Kind == "" {
		ev.Kind = domain.EventKind(msg.Topic)
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, s := range g.subs {
		if !s.wants(ev) {
			continue
		}
		select {
		case s.ch <- ev:
			metrics.RecordGatewayDelivery(string(ev.Kind))
		default:
			metrics.RecordGatewayDrop(string(ev.Kind))
			logrus.WithFields(logrus.Fields{
				"room_code":     s.roomCode,
				"kind":          ev.Kind,
				"subscriber_id": s.id,
			}).Warn("Gateway: subscriber buffer full, event dropped")
		}
	}
}

// Subscribe 注册对某房间的订阅，kinds 为空表示全部事件类型
func (g *Gateway) Subscribe(roomCode string, kinds ...domain.EventKind) *Subscriber {
	s := &Subscriber{
		id:       g.nextID.Add(1),
		roomCode: roomCode,
		kinds:    make(map[domain.EventKind]bool, len(kinds)),
		ch:       make(chan domain.Event, g.buffer),
	}
	for _, k := range kinds {
		s.kinds[k] = true
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.stopped {
		// 网关已停止，返回已关闭的订阅
		s.closed = true
		close(s.ch)
		return s
	}
	g.subs[s.id] = s
	metrics.GatewaySubscribers.Inc()
	return s
}

// Unsubscribe 取消订阅并关闭其事件通道，可重复调用
func (g *Gateway) Unsubscribe(s *Subscriber) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.remove(s)
}

// remove 调用方需持有写锁
func (g *Gateway) remove(s *Subscriber) {
	if s.closed {
		return
	}
	s.closed = true
	delete(g.subs, s.id)
	close(s.ch)
	metrics.GatewaySubscribers.Dec()
}

func (g *Gateway) closeAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stopped = true
	for _, s := range g.subs {
		g.remove(s)
	}
}

// SubscriberCount 当前订阅者数量
func (g *Gateway) SubscriberCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.subs)
}

// Close 停止分发并关闭所有订阅者
func (g *Gateway) Close() {
	if g.busSub == nil {
		return
	}
	_ = g.busSub.Close()
	<-g.done
}
