package worker

import (
	"context"
	"fmt"
	"time"

	"collab-music/internal/metrics"
	"collab-music/internal/tasks"

	"github.com/goccy/go-json"
	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// ParticipantCleaner 删除早于 before 且不再被引用的参与者，由 RoomService 实现
type ParticipantCleaner interface {
	CleanupOrphanParticipants(ctx context.Context, before time.Time) (int64, error)
}

// ParticipantCleanupHandler 处理周期性的参与者清理任务
type ParticipantCleanupHandler struct {
	cleaner ParticipantCleaner
	now     func() time.Time
}

// NewParticipantCleanupHandler 创建 Handler 实例
func NewParticipantCleanupHandler(cleaner ParticipantCleaner) *ParticipantCleanupHandler {
	if cleaner == nil {
		panic("ParticipantCleaner cannot be nil for ParticipantCleanupHandler")
	}
	return &ParticipantCleanupHandler{cleaner: cleaner, now: time.Now}
}

// ProcessTask 实现 asynq.Handler 接口
func (h *ParticipantCleanupHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	currentRetry, _ := asynq.GetRetryCount(ctx)
	logCtx := logrus.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     currentRetry,
	})

	var payload tasks.ParticipantCleanupPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logCtx.WithError(err).Error("Failed to unmarshal task payload")
		return fmt.Errorf("failed to unmarshal payload: %v: %w", err, asynq.SkipRetry)
	}

	before := h.now().Add(-payload.MinAge())
	deleted, err := h.cleaner.CleanupOrphanParticipants(ctx, before)
	if err != nil {
		logCtx.WithError(err).Error("Failed to clean up orphan participants")
		return fmt.Errorf("cleanup participants: %w", err)
	}

	metrics.ParticipantCleanupDeleted.Add(float64(deleted))
	logCtx.WithFields(logrus.Fields{"deleted": deleted, "before": before}).Info("Participant cleanup task processed successfully")
	return nil
}
