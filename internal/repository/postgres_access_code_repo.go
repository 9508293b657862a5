package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/garagegate/internal/model"
)

// PostgresAccessCodeRepo はPostgreSQLを使用したアクセスコードリポジトリ。
type PostgresAccessCodeRepo struct {
	db *sql.DB
}

// NewPostgresAccessCodeRepo はPostgresAccessCodeRepoを生成する。
func NewPostgresAccessCodeRepo(db *sql.DB) *PostgresAccessCodeRepo {
	return &PostgresAccessCodeRepo{db: db}
}

// InsertIfNoActive は有効なコードが存在しない場合のみコードを保存する。
// 認可レコードをFOR UPDATEでロックし、同一メールアドレスへの同時発行を直列化する。
func (r *PostgresAccessCodeRepo) InsertIfNoActive(ctx context.Context, code *model.AccessCode, now time.Time) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var whitelisted, blacklisted bool
	err = tx.QueryRowContext(ctx,
		`SELECT whitelisted, blacklisted FROM authorizations WHERE email = $1 FOR UPDATE`,
		code.Email,
	).Scan(&whitelisted, &blacklisted)
	if err == sql.ErrNoRows {
		return false, ErrNotEligible
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock authorization: %w", err)
	}
	if !whitelisted || blacklisted {
		return false, ErrNotEligible
	}

	var exists bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM access_codes WHERE email = $1 AND used_at IS NULL AND expires_at > $2
		 )`,
		code.Email, now,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active code: %w", err)
	}
	if exists {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO access_codes (id, email, code_hash, issued_by, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		code.ID, code.Email, code.CodeHash, code.IssuedBy, code.IssuedAt, code.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert access code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

// Claim は未使用かつ有効期限内で一致するコードを使用済みにする。
func (r *PostgresAccessCodeRepo) Claim(ctx context.Context, email, codeHash string, now time.Time) (bool, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`UPDATE access_codes SET used_at = $3
		 WHERE email = $1 AND code_hash = $2 AND used_at IS NULL AND expires_at > $3
		 RETURNING id`,
		email, codeHash, now,
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to claim access code: %w", err)
	}
	return true, nil
}

// Inspect はメールアドレスとハッシュが一致する最新のコードを取得する。見つからない場合はnilを返す。
func (r *PostgresAccessCodeRepo) Inspect(ctx context.Context, email, codeHash string) (*model.AccessCode, error) {
	code := &model.AccessCode{}
	var usedAt sql.NullTime
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, code_hash, issued_by, issued_at, expires_at, used_at
		 FROM access_codes
		 WHERE email = $1 AND code_hash = $2
		 ORDER BY issued_at DESC
		 LIMIT 1`,
		email, codeHash,
	).Scan(&code.ID, &code.Email, &code.CodeHash, &code.IssuedBy, &code.IssuedAt, &code.ExpiresAt, &usedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to inspect access code: %w", err)
	}
	if usedAt.Valid {
		t := usedAt.Time
		code.UsedAt = &t
	}
	return code, nil
}

// HasActive は有効なコードが存在するかを返す。
func (r *PostgresAccessCodeRepo) HasActive(ctx context.Context, email string, now time.Time) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM access_codes WHERE email = $1 AND used_at IS NULL AND expires_at > $2
		 )`,
		email, now,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check active code: %w", err)
	}
	return exists, nil
}

// DeleteActive は指定メールアドレスの有効なコードを削除する。
func (r *PostgresAccessCodeRepo) DeleteActive(ctx context.Context, email string, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM access_codes WHERE email = $1 AND used_at IS NULL AND expires_at > $2`,
		email, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete active codes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// DeleteTerminalBefore は使用済みまたは期限切れで、cutoffより前に発行されたコードを削除する。
func (r *PostgresAccessCodeRepo) DeleteTerminalBefore(ctx context.Context, cutoff, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM access_codes
		 WHERE issued_at < $1 AND (used_at IS NOT NULL OR expires_at <= $2)`,
		cutoff, now,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete terminal codes: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

// Stats はコードの状態別件数を返す。
func (r *PostgresAccessCodeRepo) Stats(ctx context.Context, now time.Time) (model.CodeStats, error) {
	var stats model.CodeStats
	err := r.db.QueryRowContext(ctx,
		`SELECT
			count(*) FILTER (WHERE used_at IS NULL AND expires_at > $1),
			count(*) FILTER (WHERE used_at IS NULL AND expires_at <= $1),
			count(*) FILTER (WHERE used_at IS NOT NULL)
		 FROM access_codes`,
		now,
	).Scan(&stats.Active, &stats.Expired, &stats.Used)
	if err != nil {
		return model.CodeStats{}, fmt.Errorf("failed to count access codes: %w", err)
	}
	return stats, nil
}

// compile-time interface check
var _ AccessCodeRepository = (*PostgresAccessCodeRepo)(nil)
