package eventbus

import (
	"context"
	"sync"
	"time"

	"collab-music/internal/domain"
	"collab-music/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/sirupsen/logrus"
)

const (
	defaultOutboxSize     = 1024
	defaultPublishTimeout = 5 * time.Second
)

// Dispatcher 是事件发件箱：事务提交后由 service 调用 Publish 入队，
// 单个后台 goroutine 按入队顺序编码并发布到 Bus。
// Publish 永远不会阻塞调用方，队列满时丢弃事件并记录日志。
type Dispatcher struct {
	bus            Bus
	queue          chan domain.Event
	publishTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher 创建并启动 Dispatcher。size <= 0 时使用默认队列长度。
func NewDispatcher(bus Bus, size int) *Dispatcher {
	if bus == nil {
		panic("Bus cannot be nil for Dispatcher")
	}
	if size <= 0 {
		size = defaultOutboxSize
	}
	d := &Dispatcher{
		bus:            bus,
		queue:          make(chan domain.Event, size),
		publishTimeout: defaultPublishTimeout,
		done:           make(chan struct{}),
	}
	go d.run()
	return d
}

// Publish 将事件放入发件箱。ctx 只用于日志关联，事件发布不受调用方取消影响。
func (d *Dispatcher) Publish(ctx context.Context, event domain.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	logCtx := logrus.WithFields(logrus.Fields{
		"component": "dispatcher",
		"kind":      event.Kind,
		"room_code": event.RoomCode,
	})
	if d.closed {
		logCtx.Warn("Dispatcher: publish after close, event dropped")
		metrics.RecordEventDropped(string(event.Kind))
		return
	}
	select {
	case d.queue <- event:
	default:
		logCtx.Warn("Dispatcher: outbox full, event dropped")
		metrics.RecordEventDropped(string(event.Kind))
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event domain.Event) {
	topic := string(event.Kind)
	logCtx := logrus.WithFields(logrus.Fields{
		"component": "dispatcher",
		"kind":      topic,
		"room_code": event.RoomCode,
	})

	payload, err := json.Marshal(event)
	if err != nil {
		logCtx.WithError(err).Error("Dispatcher: failed to encode event")
		metrics.RecordEventPublishFailed(topic)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.publishTimeout)
	defer cancel()
	if err := d.bus.Publish(ctx, topic, payload); err != nil {
		logCtx.WithError(err).Error("Dispatcher: failed to publish event")
		metrics.RecordEventPublishFailed(topic)
		return
	}
	metrics.RecordEventPublished(topic)
}

// Close 停止接收新事件，并等待队列中已有的事件发布完成 (或 ctx 到期)。
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
