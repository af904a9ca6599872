package domain

import (
	"context"
	"time"
)

// RefreshJobCause описывает источник запроса на обновление рекомендаций.
type RefreshJobCause string

const (
	// RefreshCauseManual — пользователь явно запросил обновление.
	RefreshCauseManual RefreshJobCause = "manual"
	// RefreshCauseScheduled — обновление запланировано фоновым прогоном.
	RefreshCauseScheduled RefreshJobCause = "scheduled"
)

// RefreshJob — задача регенерации партии рекомендаций одного пользователя.
type RefreshJob struct {
	ID          string          `json:"job_id,omitempty"`
	UserID      int64           `json:"user_id"`
	RequestedAt time.Time       `json:"requested_at"`
	Cause       RefreshJobCause `json:"cause"`
}

// RefreshQueue — очередь задач на регенерацию.
type RefreshQueue interface {
	Enqueue(ctx context.Context, job RefreshJob) error
	Pop(ctx context.Context) (RefreshJob, error)
}
