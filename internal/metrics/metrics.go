// Package metrics 定义进程内的 Prometheus 指标，通过 /metrics 暴露。
//
// 指标分组:
//   - 事件总线: events_published_total, events_publish_failed_total, events_dropped_total
//   - 订阅网关: gateway_subscribers, gateway_deliveries_total, gateway_drops_total
//   - 播放同步: relay_connections, relay_broadcasts_total, relay_frames_dropped_total,
//     relay_rate_limited_total, relay_errors_total
//   - 后台任务: participant_cleanup_deleted_total
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 事件总线
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_published_total",
			Help: "Total number of events published to the bus",
		},
		[]string{"topic"},
	)

	EventsPublishFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_publish_failed_total",
			Help: "Total number of events that failed to publish",
		},
		[]string{"topic"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_dropped_total",
			Help: "Total number of events dropped because the outbox queue was full",
		},
		[]string{"topic"},
	)

	// 订阅网关
	GatewaySubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_subscribers",
			Help: "Current number of room event subscribers",
		},
	)

	GatewayDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_deliveries_total",
			Help: "Total number of events delivered to subscribers",
		},
		[]string{"kind"},
	)

	GatewayDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_drops_total",
			Help: "Total number of events dropped for slow subscribers",
		},
		[]string{"kind"},
	)

	// 播放同步中继
	RelayConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections",
			Help: "Current number of playback sync connections",
		},
	)

	RelayBroadcasts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcasts_total",
			Help: "Total number of playback updates broadcast",
		},
		[]string{"origin"}, // local 或 remote
	)

	RelayFramesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_frames_dropped_total",
			Help: "Total number of outbound frames dropped for slow connections",
		},
	)

	RelayRateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_rate_limited_total",
			Help: "Total number of inbound frames dropped by the per-connection limiter",
		},
	)

	RelayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_errors_total",
			Help: "Total number of ERROR frames sent to clients",
		},
		[]string{"reason"}, // 取值: "decode", "invalid_join", "not_joined", "invalid_action", "invalid_time", "unknown_type"
	)

	// 后台任务
	ParticipantCleanupDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "participant_cleanup_deleted_total",
			Help: "Total number of orphan participants removed by the cleanup task",
		},
	)
)

// RecordEventPublished 记录一次成功发布到总线
func RecordEventPublished(topic string) {
	EventsPublished.WithLabelValues(topic).Inc()
}

// RecordEventPublishFailed 记录一次发布失败
func RecordEventPublishFailed(topic string) {
	EventsPublishFailed.WithLabelValues(topic).Inc()
}

// RecordEventDropped 记录一条在进入总线前被丢弃的事件
func RecordEventDropped(topic string) {
	EventsDropped.WithLabelValues(topic).Inc()
}

// RecordGatewayDelivery 记录一次投递给订阅者
func RecordGatewayDelivery(kind string) {
	GatewayDeliveries.WithLabelValues(kind).Inc()
}

// RecordGatewayDrop 记录订阅者缓冲已满时丢弃的事件
func RecordGatewayDrop(kind string) {
	GatewayDrops.WithLabelValues(kind).Inc()
}

// RecordRelayBroadcast 记录一次播放指令广播，remote 表示来自其他实例
func RecordRelayBroadcast(remote bool) {
	origin := "local"
	if remote {
		origin = "remote"
	}
	RelayBroadcasts.WithLabelValues(origin).Inc()
}

// RecordRelayError 记录一次发给客户端的 ERROR 帧
func RecordRelayError(reason string) {
	RelayErrors.WithLabelValues(reason).Inc()
}
