package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/hitoshi/garagegate/internal/model"
)

// 設定キー
const (
	settingMaintenanceMode   = "maintenance_mode"
	settingMaxDistanceMeters = "max_distance_meters"
)

// PostgresSettingsRepo はsettingsテーブルをキーバリューとして扱う設定リポジトリ。
type PostgresSettingsRepo struct {
	db *sql.DB
}

// NewPostgresSettingsRepo はPostgresSettingsRepoを生成する。
func NewPostgresSettingsRepo(db *sql.DB) *PostgresSettingsRepo {
	return &PostgresSettingsRepo{db: db}
}

// Get は現在の設定を返す。
func (r *PostgresSettingsRepo) Get(ctx context.Context) (*model.Settings, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT key, value, updated_by, updated_at FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	defer rows.Close()

	settings := &model.Settings{}
	for rows.Next() {
		var key, value, updatedBy string
		var updatedAt time.Time
		if err := rows.Scan(&key, &value, &updatedBy, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		switch key {
		case settingMaintenanceMode:
			settings.MaintenanceMode = value == "true"
		case settingMaxDistanceMeters:
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				settings.MaxDistanceMeters = f
			}
		}
		if updatedAt.After(settings.UpdatedAt) {
			settings.UpdatedAt = updatedAt
			settings.UpdatedBy = updatedBy
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settings: %w", err)
	}
	return settings, nil
}

// Save は設定を保存する。
func (r *PostgresSettingsRepo) Save(ctx context.Context, settings *model.Settings) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	values := map[string]string{
		settingMaintenanceMode:   strconv.FormatBool(settings.MaintenanceMode),
		settingMaxDistanceMeters: strconv.FormatFloat(settings.MaxDistanceMeters, 'f', -1, 64),
	}
	for key, value := range values {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO settings (key, value, updated_by, updated_at) VALUES ($1, $2, $3, $4)
			 ON CONFLICT (key) DO UPDATE
			   SET value = EXCLUDED.value, updated_by = EXCLUDED.updated_by, updated_at = EXCLUDED.updated_at`,
			key, value, settings.UpdatedBy, settings.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to save setting %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// compile-time interface check
var _ SettingsRepository = (*PostgresSettingsRepo)(nil)
