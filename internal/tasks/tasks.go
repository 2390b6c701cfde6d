package tasks

import (
	"time"

	"github.com/goccy/go-json"
)

// 任务类型
const (
	TypeParticipantCleanup = "participant:cleanup" // 清理不再被引用的参与者
)

// ParticipantCleanupPayload 清理任务参数。只清理创建时间早于 MinAge 的参与者，
// 避免删除刚创建、还没写入成员关系的记录。
type ParticipantCleanupPayload struct {
	MinAgeSeconds int64 `json:"min_age_seconds"`
}

// MinAge 返回最小存活时间
func (p ParticipantCleanupPayload) MinAge() time.Duration {
	return time.Duration(p.MinAgeSeconds) * time.Second
}

// NewParticipantCleanupTask 序列化清理任务的 payload
func NewParticipantCleanupTask(minAge time.Duration) ([]byte, error) {
	return json.Marshal(ParticipantCleanupPayload{MinAgeSeconds: int64(minAge / time.Second)})
}
