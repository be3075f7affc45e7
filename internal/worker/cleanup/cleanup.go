// Package cleanup はIdPクライアントのセッションストレージの自動削除ジョブを提供する。
// 保持期間（デフォルト30日）を超えて更新されていないセッションを日次で削除する。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は古いセッションの一括削除を抽象化するインターフェース。
// repository.AuthSessionRepository を受け付ける。
type SessionPurger interface {
	DeleteUpdatedBefore(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は保持期間を超過したセッションの削除ジョブ。
// 削除対象がなくてもエラーにならない。
type CleanupJob struct {
	purger        SessionPurger
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // セッションの保持日数（デフォルト: 30）
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(purger SessionPurger, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		purger:        purger,
		logger:        logger,
		now:           time.Now,
		RetentionDays: 30,
	}
}

// Run はupdated_atがRetentionDays日前より古いセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	deletedCount, err := j.purger.DeleteUpdatedBefore(ctx, cutoff)
	if err != nil {
		j.logger.Error("session cleanup failed",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("failed to purge stale sessions: %w", err)
	}

	j.logger.Info("session cleanup completed",
		slog.Int64("deleted_count", deletedCount),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
