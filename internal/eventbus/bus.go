// Package eventbus 定义跨进程发布/订阅抽象。
// Bus 只感知 topic，不感知房间；按房间过滤由 gateway 负责。
package eventbus

import (
	"context"
	"errors"
)

// ErrClosed 在总线或订阅已关闭后调用时返回
var ErrClosed = errors.New("eventbus: closed")

// Message 是从总线收到的一条原始消息
type Message struct {
	Topic   string
	Payload []byte
}

// Subscription 是一次订阅，Messages 在 Close 后关闭
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Bus 发布/订阅接口。同一条消息会投递给所有订阅了该 topic 的订阅者 (包括其他进程)。
type Bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) (Subscription, error)
	Close() error
}
