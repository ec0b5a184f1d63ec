// Package cleanup は期限切れセッションの定期削除ジョブを提供する。
// セッションに期限を設ける設定のときだけ起動する。
// 読み出し時にも期限切れは無効として扱うため、このジョブはストアの肥大化を防ぐためのもの。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultInterval はジョブの実行間隔の既定値。
const DefaultInterval = time.Hour

// ExpiredSessionDeleter は期限切れセッションを一括削除する。
// store.PostgresTxRunner と store.MemoryDB が実装する。
type ExpiredSessionDeleter interface {
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

// CleanupJob は期限切れセッションの削除ジョブ。冪等で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	store    ExpiredSessionDeleter
	logger   *slog.Logger
	Interval time.Duration
	now      func() time.Time
}

// NewCleanupJob は新しいCleanupJobを生成する。
func NewCleanupJob(store ExpiredSessionDeleter, logger *slog.Logger) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		store:    store,
		logger:   logger,
		Interval: DefaultInterval,
		now:      time.Now,
	}
}

// Run は現在時刻までに期限切れになったセッションを削除する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	deletedCount, err := j.store.DeleteExpiredSessions(ctx, start)
	if err != nil {
		j.logger.Error("期限切れセッションの削除に失敗しました",
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("期限切れセッションの削除に失敗: %w", err)
	}

	j.logger.Info("期限切れセッションの削除が完了しました",
		slog.Int64("deleted_count", deletedCount),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return nil
}

// Start は起動直後に1回実行し、以降はIntervalごとに実行する。ctxがキャンセルされるまでブロックする。
func (j *CleanupJob) Start(ctx context.Context) {
	interval := j.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	// 失敗はRun内でログ済み。次の周期で再試行する。
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
