// Package audit は操作結果の監査イベントを記録する。
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/garagegate/internal/model"
	"github.com/hitoshi/garagegate/internal/repository"
	"github.com/hitoshi/garagegate/internal/security"
)

// Recorder は監査イベントをActivityRepositoryへ追記する。
// 記録の失敗はログに出力するだけで呼び出し元には返さない。
type Recorder struct {
	repo   repository.ActivityRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder はRecorderを生成する。
func NewRecorder(repo repository.ActivityRepository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{repo: repo, logger: logger, now: time.Now}
}

// WithClock は時刻取得関数を差し替えたRecorderを返す。
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	cp := *r
	cp.now = now
	return &cp
}

// Record はイベントを記録する。IDとTimestampが空の場合は補完する。
// 自由記述の値はHTMLを除去してから保存する。
func (r *Recorder) Record(ctx context.Context, event model.ActivityEvent) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now().UTC()
	}
	event.Target = security.SanitizeText(event.Target)
	if len(event.Details) > 0 {
		details := make(map[string]string, len(event.Details))
		for k, v := range event.Details {
			details[k] = security.SanitizeText(v)
		}
		event.Details = details
	}

	// 呼び出し元のキャンセルで監査記録が欠落しないようにする
	if err := r.repo.Append(context.WithoutCancel(ctx), &event); err != nil {
		r.logger.Error("failed to record activity event",
			slog.String("action", event.Action),
			slog.String("actor", event.Actor),
			slog.String("outcome", event.Outcome),
			slog.String("error", err.Error()),
		)
	}
}
