// Package cleanup は期限切れデータの定期削除ジョブを提供する。
// 保持期間を過ぎたアクセスコード、期限切れのセッション、
// レート制限ウィンドウを外れた試行記録を削除する。
package cleanup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// DefaultAttemptRetention はレート制限の試行記録の保持期間。最も長いウィンドウ（15分）より長くとる。
const DefaultAttemptRetention = time.Hour

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// CodeCleaner はアクセスコードの削除。accesscode.Managerが実装する。
type CodeCleaner interface {
	CleanupExpired(ctx context.Context) int64
}

// SessionPurger は期限切れセッションの削除。repository.SessionRepositoryの部分集合。
type SessionPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Recorder は削除件数の記録先。
type Recorder interface {
	RecordCodesCleaned(count int)
}

// CleanupJob は期限切れデータの削除ジョブ。冪等で、削除対象がなくてもエラーにならない。
type CleanupJob struct {
	codes    CodeCleaner
	sessions SessionPurger
	db       Executor
	metrics  Recorder
	logger   *slog.Logger
	now      func() time.Time

	// AttemptRetention はレート制限の試行記録の保持期間。
	AttemptRetention time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。
// dbがnilの場合、レート制限の試行記録は削除しない（Redisやメモリのバックエンド）。
// metricsはnilでもよい。
func NewCleanupJob(codes CodeCleaner, sessions SessionPurger, db Executor, metrics Recorder, logger *slog.Logger) *CleanupJob {
	return &CleanupJob{
		codes:            codes,
		sessions:         sessions,
		db:               db,
		metrics:          metrics,
		logger:           logger,
		now:              time.Now,
		AttemptRetention: DefaultAttemptRetention,
	}
}

// Run は1回分の削除を行う。各ステップは独立して実行し、失敗したステップのエラーをまとめて返す。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	codesDeleted := j.codes.CleanupExpired(ctx)
	if j.metrics != nil {
		j.metrics.RecordCodesCleaned(int(codesDeleted))
	}

	var errs []error

	sessionsDeleted, err := j.sessions.DeleteExpired(ctx, start.UTC())
	if err != nil {
		j.logger.Error("session cleanup failed", slog.String("error", err.Error()))
		errs = append(errs, fmt.Errorf("failed to delete expired sessions: %w", err))
	}

	var attemptsDeleted int64
	if j.db != nil {
		attemptsDeleted, err = j.purgeAttempts(ctx, start.UTC().Add(-j.AttemptRetention))
		if err != nil {
			j.logger.Error("rate limit attempt cleanup failed", slog.String("error", err.Error()))
			errs = append(errs, err)
		}
	}

	j.logger.Info("cleanup job completed",
		slog.Int64("codes_deleted", codesDeleted),
		slog.Int64("sessions_deleted", sessionsDeleted),
		slog.Int64("attempts_deleted", attemptsDeleted),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)

	return errors.Join(errs...)
}

func (j *CleanupJob) purgeAttempts(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := j.db.ExecContext(ctx, `DELETE FROM rate_limit_attempts WHERE attempted_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rate limit attempts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted attempt count: %w", err)
	}
	return n, nil
}

// Start はintervalごとにRunを実行する。起動直後に1回実行し、ctxがキャンセルされるまで続ける。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	j.logger.Info("cleanup scheduler started", slog.Duration("interval", interval))

	if err := j.Run(ctx); err != nil {
		j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
	}

	for {
		select {
		case <-ctx.Done():
			j.logger.Info("cleanup scheduler stopped")
			return
		case <-ticker.C:
			if err := j.Run(ctx); err != nil {
				j.logger.Error("cleanup job failed", slog.String("error", err.Error()))
			}
		}
	}
}
