package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresRateLimitRepo はPostgreSQLに試行記録を保存するレート制限ストア。
// 同一identifierへの同時アクセスはトランザクション単位のアドバイザリロックで直列化する。
type PostgresRateLimitRepo struct {
	db *sql.DB
}

// NewPostgresRateLimitRepo はPostgresRateLimitRepoを生成する。
func NewPostgresRateLimitRepo(db *sql.DB) *PostgresRateLimitRepo {
	return &PostgresRateLimitRepo{db: db}
}

// Hit は古い試行を削除し、上限未満であれば今回の試行を記録する。
func (r *PostgresRateLimitRepo) Hit(ctx context.Context, identifier string, maxAttempts int, windowStart, now time.Time) (RateLimitHit, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return RateLimitHit{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, identifier); err != nil {
		return RateLimitHit{}, fmt.Errorf("failed to acquire rate limit lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM rate_limit_attempts WHERE identifier = $1 AND attempted_at <= $2`,
		identifier, windowStart,
	); err != nil {
		return RateLimitHit{}, fmt.Errorf("failed to prune rate limit attempts: %w", err)
	}

	var count int
	var oldest sql.NullTime
	if err := tx.QueryRowContext(ctx,
		`SELECT count(*), min(attempted_at) FROM rate_limit_attempts WHERE identifier = $1`,
		identifier,
	).Scan(&count, &oldest); err != nil {
		return RateLimitHit{}, fmt.Errorf("failed to count rate limit attempts: %w", err)
	}

	hit := RateLimitHit{Count: count}
	if oldest.Valid {
		hit.Oldest = oldest.Time
	}
	if count >= maxAttempts {
		if err := tx.Commit(); err != nil {
			return RateLimitHit{}, fmt.Errorf("failed to commit transaction: %w", err)
		}
		return hit, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO rate_limit_attempts (identifier, attempted_at) VALUES ($1, $2)`,
		identifier, now,
	); err != nil {
		return RateLimitHit{}, fmt.Errorf("failed to record rate limit attempt: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return RateLimitHit{}, fmt.Errorf("failed to commit transaction: %w", err)
	}

	hit.Allowed = true
	hit.Count = count + 1
	if !oldest.Valid {
		hit.Oldest = now
	}
	return hit, nil
}

// compile-time interface check
var _ RateLimitRepository = (*PostgresRateLimitRepo)(nil)
