package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/garagegate/internal/model"
)

// PostgresAuthorizationRepo はPostgreSQLを使用した認可リポジトリ。
type PostgresAuthorizationRepo struct {
	db *sql.DB
}

// NewPostgresAuthorizationRepo はPostgresAuthorizationRepoを生成する。
func NewPostgresAuthorizationRepo(db *sql.DB) *PostgresAuthorizationRepo {
	return &PostgresAuthorizationRepo{db: db}
}

const authorizationColumns = `email, whitelisted, blacklisted, blacklist_reason, whitelisted_by,
	whitelisted_at, blacklisted_at, created_at, updated_at`

// FindByEmail は認可レコードを取得する。見つからない場合はnilを返す。
func (r *PostgresAuthorizationRepo) FindByEmail(ctx context.Context, email string) (*model.AuthorizationRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+authorizationColumns+` FROM authorizations WHERE email = $1`,
		email,
	)
	rec, err := scanAuthorization(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find authorization: %w", err)
	}
	return rec, nil
}

// AddWhitelist はホワイトリストに登録する。
// レコードがなければ作成し、無効化済みなら再有効化する。登録済みの場合は更新せずfalseを返す。
func (r *PostgresAuthorizationRepo) AddWhitelist(ctx context.Context, email, actor string, at time.Time) (bool, error) {
	var got string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO authorizations (email, whitelisted, whitelisted_by, whitelisted_at, created_at, updated_at)
		 VALUES ($1, true, $2, $3, $3, $3)
		 ON CONFLICT (email) DO UPDATE
		   SET whitelisted = true, whitelisted_by = EXCLUDED.whitelisted_by,
		       whitelisted_at = EXCLUDED.whitelisted_at, updated_at = EXCLUDED.updated_at
		   WHERE authorizations.whitelisted = false
		 RETURNING email`,
		email, actor, at,
	).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to add whitelist: %w", err)
	}
	return true, nil
}

// RemoveWhitelist はホワイトリスト登録を解除する。
func (r *PostgresAuthorizationRepo) RemoveWhitelist(ctx context.Context, email string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE authorizations SET whitelisted = false, updated_at = $2
		 WHERE email = $1 AND whitelisted = true`,
		email, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to remove whitelist: %w", err)
	}
	return affectedOne(result)
}

// AddBlacklist はブラックリストに登録する。ホワイトリスト未登録のメールアドレスでも登録できる。
func (r *PostgresAuthorizationRepo) AddBlacklist(ctx context.Context, email, reason string, at time.Time) (bool, error) {
	var got string
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO authorizations (email, blacklisted, blacklist_reason, blacklisted_at, created_at, updated_at)
		 VALUES ($1, true, $2, $3, $3, $3)
		 ON CONFLICT (email) DO UPDATE
		   SET blacklisted = true, blacklist_reason = EXCLUDED.blacklist_reason,
		       blacklisted_at = EXCLUDED.blacklisted_at, updated_at = EXCLUDED.updated_at
		   WHERE authorizations.blacklisted = false
		 RETURNING email`,
		email, reason, at,
	).Scan(&got)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to add blacklist: %w", err)
	}
	return true, nil
}

// RemoveBlacklist はブラックリスト登録を解除する。
func (r *PostgresAuthorizationRepo) RemoveBlacklist(ctx context.Context, email string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE authorizations SET blacklisted = false, blacklist_reason = '', updated_at = $2
		 WHERE email = $1 AND blacklisted = true`,
		email, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to remove blacklist: %w", err)
	}
	return affectedOne(result)
}

// ListWhitelisted はホワイトリスト登録中のレコードを返す。
func (r *PostgresAuthorizationRepo) ListWhitelisted(ctx context.Context) ([]*model.AuthorizationRecord, error) {
	return r.list(ctx, `SELECT `+authorizationColumns+` FROM authorizations WHERE whitelisted = true ORDER BY email`)
}

// ListBlacklisted はブラックリスト登録中のレコードを返す。
func (r *PostgresAuthorizationRepo) ListBlacklisted(ctx context.Context) ([]*model.AuthorizationRecord, error) {
	return r.list(ctx, `SELECT `+authorizationColumns+` FROM authorizations WHERE blacklisted = true ORDER BY email`)
}

func (r *PostgresAuthorizationRepo) list(ctx context.Context, query string) ([]*model.AuthorizationRecord, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	defer rows.Close()

	var records []*model.AuthorizationRecord
	for rows.Next() {
		rec, err := scanAuthorization(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan authorization: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate authorizations: %w", err)
	}
	return records, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAuthorization(s rowScanner) (*model.AuthorizationRecord, error) {
	rec := &model.AuthorizationRecord{}
	var whitelistedAt, blacklistedAt sql.NullTime
	err := s.Scan(
		&rec.Email, &rec.Whitelisted, &rec.Blacklisted, &rec.BlacklistReason, &rec.WhitelistedBy,
		&whitelistedAt, &blacklistedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if whitelistedAt.Valid {
		t := whitelistedAt.Time
		rec.WhitelistedAt = &t
	}
	if blacklistedAt.Valid {
		t := blacklistedAt.Time
		rec.BlacklistedAt = &t
	}
	return rec, nil
}

func affectedOne(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

// compile-time interface check
var _ AuthorizationRepository = (*PostgresAuthorizationRepo)(nil)
