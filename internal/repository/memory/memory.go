// Package memory はプロセス内メモリに保持するリポジトリ実装を提供する。
// 単一インスタンスでの開発・テスト用途に限る。複数インスタンス間では状態を共有しない。
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/garagegate/internal/model"
	"github.com/hitoshi/garagegate/internal/repository"
)

// Store はすべてのリポジトリインターフェースを1つのミューテックスで実装する。
type Store struct {
	mu sync.Mutex

	authorizations map[string]*model.AuthorizationRecord
	codes          []*model.AccessCode
	attempts       map[string][]time.Time
	settings       model.Settings
	events         []*model.ActivityEvent
	sessions       map[string]*model.Session
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		authorizations: make(map[string]*model.AuthorizationRecord),
		attempts:       make(map[string][]time.Time),
		sessions:       make(map[string]*model.Session),
	}
}

// --- AuthorizationRepository ---

func (s *Store) FindByEmail(_ context.Context, email string) (*model.AuthorizationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.authorizations[email]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) record(email string, at time.Time) *model.AuthorizationRecord {
	rec, ok := s.authorizations[email]
	if !ok {
		rec = &model.AuthorizationRecord{Email: email, CreatedAt: at}
		s.authorizations[email] = rec
	}
	return rec
}

func (s *Store) AddWhitelist(_ context.Context, email, actor string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(email, at)
	if rec.Whitelisted {
		return false, nil
	}
	rec.Whitelisted = true
	rec.WhitelistedBy = actor
	rec.WhitelistedAt = &at
	rec.UpdatedAt = at
	return true, nil
}

func (s *Store) RemoveWhitelist(_ context.Context, email string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.authorizations[email]
	if !ok || !rec.Whitelisted {
		return false, nil
	}
	rec.Whitelisted = false
	rec.UpdatedAt = at
	return true, nil
}

func (s *Store) AddBlacklist(_ context.Context, email, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := s.record(email, at)
	if rec.Blacklisted {
		return false, nil
	}
	rec.Blacklisted = true
	rec.BlacklistReason = reason
	rec.BlacklistedAt = &at
	rec.UpdatedAt = at
	return true, nil
}

func (s *Store) RemoveBlacklist(_ context.Context, email string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.authorizations[email]
	if !ok || !rec.Blacklisted {
		return false, nil
	}
	rec.Blacklisted = false
	rec.BlacklistReason = ""
	rec.UpdatedAt = at
	return true, nil
}

func (s *Store) ListWhitelisted(_ context.Context) ([]*model.AuthorizationRecord, error) {
	return s.listWhere(func(r *model.AuthorizationRecord) bool { return r.Whitelisted }), nil
}

func (s *Store) ListBlacklisted(_ context.Context) ([]*model.AuthorizationRecord, error) {
	return s.listWhere(func(r *model.AuthorizationRecord) bool { return r.Blacklisted }), nil
}

func (s *Store) listWhere(match func(*model.AuthorizationRecord) bool) []*model.AuthorizationRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.AuthorizationRecord
	for _, rec := range s.authorizations {
		if match(rec) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out
}

// --- AccessCodeRepository ---

func (s *Store) InsertIfNoActive(_ context.Context, code *model.AccessCode, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.authorizations[code.Email]; !ok || !rec.Authorized() {
		return false, repository.ErrNotEligible
	}
	for _, c := range s.codes {
		if c.Email == code.Email && c.Active(now) {
			return false, nil
		}
	}
	cp := *code
	s.codes = append(s.codes, &cp)
	return true, nil
}

func (s *Store) Claim(_ context.Context, email, codeHash string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.codes {
		if c.Email == email && c.CodeHash == codeHash && c.Active(now) {
			used := now
			c.UsedAt = &used
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Inspect(_ context.Context, email, codeHash string) (*model.AccessCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest *model.AccessCode
	for _, c := range s.codes {
		if c.Email == email && c.CodeHash == codeHash {
			if latest == nil || c.IssuedAt.After(latest.IssuedAt) {
				latest = c
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (s *Store) HasActive(_ context.Context, email string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.codes {
		if c.Email == email && c.Active(now) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) DeleteActive(_ context.Context, email string, now time.Time) (int64, error) {
	return s.deleteCodes(func(c *model.AccessCode) bool {
		return c.Email == email && c.Active(now)
	}), nil
}

func (s *Store) DeleteTerminalBefore(_ context.Context, cutoff, now time.Time) (int64, error) {
	return s.deleteCodes(func(c *model.AccessCode) bool {
		return c.IssuedAt.Before(cutoff) && !c.Active(now)
	}), nil
}

func (s *Store) deleteCodes(match func(*model.AccessCode) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.codes[:0]
	var n int64
	for _, c := range s.codes {
		if match(c) {
			n++
			continue
		}
		kept = append(kept, c)
	}
	s.codes = kept
	return n
}

func (s *Store) Stats(_ context.Context, now time.Time) (model.CodeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats model.CodeStats
	for _, c := range s.codes {
		switch {
		case c.UsedAt != nil:
			stats.Used++
		case c.ExpiresAt.After(now):
			stats.Active++
		default:
			stats.Expired++
		}
	}
	return stats, nil
}

// --- RateLimitRepository ---

func (s *Store) Hit(_ context.Context, identifier string, maxAttempts int, windowStart, now time.Time) (repository.RateLimitHit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []time.Time
	for _, at := range s.attempts[identifier] {
		if at.After(windowStart) {
			kept = append(kept, at)
		}
	}

	hit := repository.RateLimitHit{Count: len(kept)}
	if len(kept) > 0 {
		hit.Oldest = kept[0]
	}
	if len(kept) >= maxAttempts {
		s.attempts[identifier] = kept
		return hit, nil
	}

	kept = append(kept, now)
	s.attempts[identifier] = kept
	hit.Allowed = true
	hit.Count = len(kept)
	hit.Oldest = kept[0]
	return hit, nil
}

// --- SettingsRepository ---

func (s *Store) Get(_ context.Context) (*model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := s.settings
	return &cp, nil
}

func (s *Store) Save(_ context.Context, settings *model.Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings = *settings
	return nil
}

// --- ActivityRepository ---

func (s *Store) Append(_ context.Context, event *model.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) ListSince(_ context.Context, since time.Time, limit int) ([]*model.ActivityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*model.ActivityEvent
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		if !s.events[i].Timestamp.Before(since) {
			cp := *s.events[i]
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (s *Store) DistinctActorsSince(_ context.Context, since time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var actors []string
	for _, e := range s.events {
		if e.Timestamp.Before(since) || seen[e.Actor] {
			continue
		}
		seen[e.Actor] = true
		actors = append(actors, e.Actor)
	}
	sort.Strings(actors)
	return actors, nil
}

// Events は記録済みの全イベントを記録順に返す。テストでの検証用。
func (s *Store) Events() []*model.ActivityEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.ActivityEvent, len(s.events))
	for i, e := range s.events {
		cp := *e
		out[i] = &cp
	}
	return out
}

// --- SessionRepository ---

func (s *Store) Create(_ context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *session
	s.sessions[session.ID] = &cp
	return nil
}

func (s *Store) FindByID(_ context.Context, id string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok || !sess.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) DeleteByID(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, id)
	return nil
}

func (s *Store) DeleteByEmail(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, sess := range s.sessions {
		if sess.Email == email {
			delete(s.sessions, id)
		}
	}
	return nil
}

func (s *Store) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, sess := range s.sessions {
		if !sess.ExpiresAt.After(now) {
			delete(s.sessions, id)
			n++
		}
	}
	return n, nil
}

// compile-time interface check
var (
	_ repository.AuthorizationRepository = (*Store)(nil)
	_ repository.AccessCodeRepository    = (*Store)(nil)
	_ repository.RateLimitRepository     = (*Store)(nil)
	_ repository.SettingsRepository      = (*Store)(nil)
	_ repository.ActivityRepository      = (*Store)(nil)
	_ repository.SessionRepository       = (*Store)(nil)
)
