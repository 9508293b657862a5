package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hitoshi/garagegate/internal/model"
)

// PostgresActivityRepo はPostgreSQLを使用した監査イベントストア。追記と参照のみ行う。
type PostgresActivityRepo struct {
	db *sql.DB
}

// NewPostgresActivityRepo はPostgresActivityRepoを生成する。
func NewPostgresActivityRepo(db *sql.DB) *PostgresActivityRepo {
	return &PostgresActivityRepo{db: db}
}

// Append はイベントを追記する。
func (r *PostgresActivityRepo) Append(ctx context.Context, event *model.ActivityEvent) error {
	details := event.Details
	if details == nil {
		details = map[string]string{}
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("failed to encode event details: %w", err)
	}

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO activity_events (id, occurred_at, actor, action, target, outcome, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		event.ID, event.Timestamp, event.Actor, event.Action, event.Target, event.Outcome, raw,
	)
	if err != nil {
		return fmt.Errorf("failed to append activity event: %w", err)
	}
	return nil
}

// ListSince はsince以降のイベントを新しい順に最大limit件返す。
func (r *PostgresActivityRepo) ListSince(ctx context.Context, since time.Time, limit int) ([]*model.ActivityEvent, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, occurred_at, actor, action, target, outcome, details
		 FROM activity_events
		 WHERE occurred_at >= $1
		 ORDER BY occurred_at DESC
		 LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list activity events: %w", err)
	}
	defer rows.Close()

	var events []*model.ActivityEvent
	for rows.Next() {
		e := &model.ActivityEvent{}
		var raw []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Actor, &e.Action, &e.Target, &e.Outcome, &raw); err != nil {
			return nil, fmt.Errorf("failed to scan activity event: %w", err)
		}
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to decode event details: %w", err)
			}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activity events: %w", err)
	}
	return events, nil
}

// DistinctActorsSince はsince以降にイベントを記録した操作主体の一覧を返す。
func (r *PostgresActivityRepo) DistinctActorsSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT actor FROM activity_events WHERE occurred_at >= $1 ORDER BY actor`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list actors: %w", err)
	}
	defer rows.Close()

	var actors []string
	for rows.Next() {
		var actor string
		if err := rows.Scan(&actor); err != nil {
			return nil, fmt.Errorf("failed to scan actor: %w", err)
		}
		actors = append(actors, actor)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate actors: %w", err)
	}
	return actors, nil
}

// compile-time interface check
var _ ActivityRepository = (*PostgresActivityRepo)(nil)
