package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/garagegate/internal/accesscode"
	"github.com/hitoshi/garagegate/internal/audit"
	"github.com/hitoshi/garagegate/internal/authz"
	"github.com/hitoshi/garagegate/internal/config"
	"github.com/hitoshi/garagegate/internal/device"
	"github.com/hitoshi/garagegate/internal/gate"
	"github.com/hitoshi/garagegate/internal/metrics"
	"github.com/hitoshi/garagegate/internal/ratelimit"
	"github.com/hitoshi/garagegate/internal/repository"
	"github.com/hitoshi/garagegate/internal/repository/memory"
	"github.com/hitoshi/garagegate/internal/security"
)

const redisPingTimeout = 5 * time.Second

// Rate limit backends.
const (
	backendPostgres = "postgres"
	backendRedis    = "redis"
	backendMemory   = "memory"
)

// components はserve/worker/adminで共有するドメインサービスの集合。
type components struct {
	registry *prometheus.Registry
	metrics  *metrics.Collector

	authRepo     repository.AuthorizationRepository
	codeRepo     repository.AccessCodeRepository
	sessionRepo  repository.SessionRepository
	settingsRepo repository.SettingsRepository
	activityRepo repository.ActivityRepository

	recorder *audit.Recorder
	authz    *authz.Service
	codes    *accesscode.Manager
	limiter  *ratelimit.Limiter
	device   *device.Controller
	gate     *gate.Gate

	closers []func() error
}

// buildComponents はDB接続と設定からドメインサービスを組み立てる。
func buildComponents(ctx context.Context, cfg *config.Config, db *sql.DB, logger *slog.Logger) (*components, error) {
	c := &components{registry: prometheus.NewRegistry()}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	c.metrics = metrics.NewCollector(c.registry)

	c.authRepo = repository.NewPostgresAuthorizationRepo(db)
	c.codeRepo = repository.NewPostgresAccessCodeRepo(db)
	c.sessionRepo = repository.NewPostgresSessionRepo(db)
	c.settingsRepo = repository.NewPostgresSettingsRepo(db)
	c.activityRepo = repository.NewPostgresActivityRepo(db)

	store, closeStore, err := newRateLimitStore(ctx, cfg, db)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		c.closers = append(c.closers, closeStore)
	}

	if err := security.ValidateDeviceURL(cfg.DeviceBaseURL); err != nil {
		return nil, fmt.Errorf("invalid device base URL: %w", err)
	}

	c.recorder = audit.NewRecorder(c.activityRepo, logger)
	c.authz = authz.NewService(c.authRepo, c.codeRepo, c.sessionRepo, c.settingsRepo, c.recorder, cfg.AdminEmail, logger)
	c.codes = accesscode.NewManager(
		c.codeRepo, c.authRepo,
		accesscode.NewHasher(cfg.CodeHashSecret),
		c.recorder, logger,
		accesscode.WithRetention(cfg.CodeRetention),
	)
	c.limiter = ratelimit.NewLimiter(store, logger, ratelimit.WithMetrics(c.metrics))

	c.device = device.NewController(device.Config{
		BaseURL:           cfg.DeviceBaseURL,
		DeviceID:          cfg.DeviceID,
		AuthKey:           cfg.DeviceAuthKey,
		Timeout:           cfg.DeviceTimeout,
		MaxAttempts:       cfg.DeviceMaxAttempts,
		RetryDelay:        cfg.DeviceRetryDelay,
		RequestsPerSecond: cfg.DeviceRequestsPerSecond,
	},
		security.NewDeviceHTTPClient(cfg.DeviceTimeout),
		logger,
		device.WithMetrics(c.metrics),
		device.WithConfirmer(device.NewConfirmer(cfg.DeviceConfirmMode, cfg.DeviceSettleDelay, cfg.DevicePollTimeout)),
	)
	if !c.device.Configured() {
		logger.Warn("device credentials are not configured; garage commands will be rejected")
	}

	c.gate = gate.New(
		c.authz, c.codes, c.limiter, c.device, c.settingsRepo, c.recorder, c.metrics,
		gate.Config{
			GarageLocation:    cfg.GarageLocation,
			MaxDistanceMeters: cfg.MaxDistanceMeters,
			AllowedRegion:     cfg.AllowedRegion,
		},
		logger,
	)

	return c, nil
}

// Close は外部接続を閉じる。
func (c *components) Close() {
	for _, closeFn := range c.closers {
		if err := closeFn(); err != nil {
			slog.Warn("failed to close component", slog.String("error", err.Error()))
		}
	}
}

// newRateLimitStore はRATE_LIMIT_BACKENDに応じた試行記録ストアを返す。
// memoryは単一インスタンス構成でのみ正しく動作する。
func newRateLimitStore(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.RateLimitRepository, func() error, error) {
	switch cfg.RateLimitBackend {
	case backendPostgres, "":
		return repository.NewPostgresRateLimitRepo(db), nil, nil
	case backendRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return repository.NewRedisRateLimitRepo(client), client.Close, nil
	case backendMemory:
		slog.Warn("using in-process rate limit store; limits are not shared between instances")
		return memory.New(), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown rate limit backend: %q", cfg.RateLimitBackend)
	}
}
