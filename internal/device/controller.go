// Package device はクラウド経由でガレージのリレーを操作するクライアントを提供する。
package device

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/garagegate/internal/model"
)

const (
	relayControlPath = "/device/relay/control"
	statusPath       = "/device/status"

	opRelayControl = "relay_control"
	opStatus       = "status"

	userAgent = "GarageGate/1.0"
	// maxResponseSize はレスポンスボディの読み取り上限。
	maxResponseSize = 1 << 20
)

// Turn はリレーへの指示。
type Turn string

const (
	TurnOn  Turn = "on"
	TurnOff Turn = "off"
)

// Config はデバイスAPIの接続設定。
type Config struct {
	BaseURL  string
	DeviceID string
	AuthKey  string
	// Timeout は1回の試行あたりのタイムアウト。
	Timeout     time.Duration
	MaxAttempts int
	// RetryDelay は再試行の基準遅延。n回目の失敗後は n*RetryDelay 待つ。
	RetryDelay time.Duration
	// RequestsPerSecond はAPI呼び出しの上限レート。0以下で無制限。
	RequestsPerSecond float64
}

// Recorder はデバイスAPI呼び出しのメトリクスを記録する。metrics.Collectorが実装する。
type Recorder interface {
	RecordDeviceRequest(operation string, statusCode int, duration time.Duration)
	RecordDeviceRetry()
}

// StatusResult はステータス取得の結果。
type StatusResult struct {
	OK       bool
	IsOpen   bool
	Status   model.DoorStatus
	Failure  model.DeviceFailure
	Error    string
	Attempts int
}

// Controller は1台のリレーを操作する。失敗してもエラーを返さず、常に結果の値を返す。
type Controller struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
	pacer      *rate.Limiter
	confirmer  Confirmer
	metrics    Recorder
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option はControllerの設定を変更する。
type Option func(*Controller)

// WithConfirmer は操作後の状態確認方法を設定する。
func WithConfirmer(confirmer Confirmer) Option {
	return func(c *Controller) { c.confirmer = confirmer }
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m Recorder) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithSleep は再試行の待機関数を差し替える。
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// NewController はControllerを生成する。
// 確認方法を指定しない場合は2秒のセトル待ち後に1回だけ状態を確認する。
func NewController(cfg Config, httpClient *http.Client, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	c := &Controller{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger,
		sleep:      sleepContext,
	}
	if cfg.RequestsPerSecond > 0 {
		c.pacer = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.confirmer == nil {
		c.confirmer = &SettleDelayConfirmer{Delay: 2 * time.Second, Sleep: c.sleep}
	}
	return c
}

// Configured はデバイスIDと認証キーが設定済みかを返す。
func (c *Controller) Configured() bool {
	return c.cfg.DeviceID != "" && c.cfg.AuthKey != ""
}

// SendCommand はリレーにon/offを指示する。
// 通信失敗と5xxは最大MaxAttempts回まで再試行し、デバイスの拒否は再試行しない。
func (c *Controller) SendCommand(ctx context.Context, turn Turn) model.DeviceCommandResult {
	if !c.Configured() {
		return notConfiguredResult()
	}
	if turn != TurnOn && turn != TurnOff {
		return model.DeviceCommandResult{
			Status:  model.DoorUnknown,
			Failure: model.DeviceFailureRejected,
			Error:   fmt.Sprintf("unsupported command %q", turn),
		}
	}

	payload, err := json.Marshal(map[string]string{
		"id":       c.cfg.DeviceID,
		"auth_key": c.cfg.AuthKey,
		"turn":     string(turn),
	})
	if err != nil {
		return model.DeviceCommandResult{Status: model.DoorUnknown, Failure: model.DeviceFailureRejected, Error: err.Error()}
	}

	c.logger.Info("sending device command", slog.String("device_id", c.cfg.DeviceID), slog.String("turn", string(turn)))
	resp := c.call(ctx, opRelayControl, http.MethodPost, relayControlPath, nil, payload)
	if resp.err != nil {
		c.logger.Error("device command failed",
			slog.String("turn", string(turn)),
			slog.String("failure", string(resp.failure)),
			slog.Int("attempts", resp.attempts),
			slog.String("error", resp.err.Error()),
		)
		return model.DeviceCommandResult{
			Status:   model.DoorUnknown,
			Failure:  resp.failure,
			Error:    resp.err.Error(),
			Attempts: resp.attempts,
		}
	}
	return model.DeviceCommandResult{Success: true, Status: model.DoorUnknown, Attempts: resp.attempts}
}

// GetStatus は最初のリレーの状態から扉の状態を求める。
// 到達できない場合と設定不足の場合はStatusがUnknownになり、Failureで区別する。
func (c *Controller) GetStatus(ctx context.Context) StatusResult {
	if !c.Configured() {
		return StatusResult{
			Status:  model.DoorUnknown,
			Failure: model.DeviceFailureNotConfigured,
			Error:   "device id or auth key not configured",
		}
	}

	query := url.Values{}
	query.Set("id", c.cfg.DeviceID)
	query.Set("auth_key", c.cfg.AuthKey)

	resp := c.call(ctx, opStatus, http.MethodGet, statusPath, query, nil)
	if resp.err != nil {
		return StatusResult{Status: model.DoorUnknown, Failure: resp.failure, Error: resp.err.Error(), Attempts: resp.attempts}
	}

	var body statusResponse
	if err := json.Unmarshal(resp.data, &body); err != nil {
		return StatusResult{Status: model.DoorUnknown, Failure: model.DeviceFailureRejected, Error: "invalid status response", Attempts: resp.attempts}
	}
	relays := body.Data.DeviceStatus.Relays
	if len(relays) == 0 {
		return StatusResult{Status: model.DoorUnknown, Failure: model.DeviceFailureRejected, Error: "status response has no relay channel", Attempts: resp.attempts}
	}

	res := StatusResult{OK: true, IsOpen: relays[0].IsOn, Status: model.DoorClosed, Attempts: resp.attempts}
	if res.IsOpen {
		res.Status = model.DoorOpen
	}
	return res
}

// OpenGarage は扉を開ける。既に開いている場合は指示を送らない。
func (c *Controller) OpenGarage(ctx context.Context) model.DeviceCommandResult {
	return c.drive(ctx, TurnOn, model.DoorOpen)
}

// CloseGarage は扉を閉める。既に閉まっている場合は指示を送らない。
func (c *Controller) CloseGarage(ctx context.Context) model.DeviceCommandResult {
	return c.drive(ctx, TurnOff, model.DoorClosed)
}

// ToggleGarage は現在の状態に応じて開閉を切り替える。
func (c *Controller) ToggleGarage(ctx context.Context) model.DeviceCommandResult {
	st := c.GetStatus(ctx)
	if !st.OK {
		return model.DeviceCommandResult{Status: model.DoorUnknown, Failure: st.Failure, Error: st.Error, Attempts: st.Attempts}
	}
	if st.IsOpen {
		return c.CloseGarage(ctx)
	}
	return c.OpenGarage(ctx)
}

// HealthCheck はステータス取得の往復時間を計測する。
func (c *Controller) HealthCheck(ctx context.Context) model.DeviceHealth {
	start := time.Now()
	st := c.GetStatus(ctx)
	return model.DeviceHealth{
		Healthy:      st.OK,
		Status:       st.Status,
		ResponseTime: time.Since(start),
		LastChecked:  time.Now().UTC(),
		Error:        st.Error,
	}
}

func (c *Controller) drive(ctx context.Context, turn Turn, want model.DoorStatus) model.DeviceCommandResult {
	before := c.GetStatus(ctx)
	if before.Failure == model.DeviceFailureNotConfigured {
		return notConfiguredResult()
	}
	if before.OK && before.Status == want {
		c.logger.Info("garage already in requested state", slog.String("status", string(want)))
		return model.DeviceCommandResult{
			Success:       true,
			Status:        want,
			Verified:      true,
			AlreadyOpen:   want == model.DoorOpen,
			AlreadyClosed: want == model.DoorClosed,
		}
	}

	// 事前の状態取得に失敗しても指示は送る
	res := c.SendCommand(ctx, turn)
	if !res.Success {
		return res
	}

	confirmed := c.confirmer.Confirm(ctx, c, want)
	res.Status = confirmed.Status
	res.Verified = confirmed.OK && confirmed.Status == want
	if !res.Verified {
		c.logger.Warn("device command not verified",
			slog.String("turn", string(turn)),
			slog.String("observed", string(confirmed.Status)),
		)
	}
	return res
}

type statusResponse struct {
	Data struct {
		DeviceStatus struct {
			Relays []struct {
				IsOn bool `json:"ison"`
			} `json:"relays"`
		} `json:"device_status"`
	} `json:"data"`
}

type envelope struct {
	IsOK   *bool           `json:"isok"`
	Errors json.RawMessage `json:"errors"`
}

type callResult struct {
	data     []byte
	attempts int
	failure  model.DeviceFailure
	err      error
}

// errRejected は再試行しても結果が変わらない失敗を表す。
var errRejected = errors.New("rejected by device api")

func (c *Controller) call(ctx context.Context, op, method, path string, query url.Values, payload []byte) callResult {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		data, err := c.attempt(ctx, op, method, path, query, payload)
		if err == nil {
			return callResult{data: data, attempts: attempt}
		}
		if errors.Is(err, errRejected) {
			return callResult{attempts: attempt, failure: model.DeviceFailureRejected, err: err}
		}
		lastErr = err
		c.logger.Warn("device api attempt failed",
			slog.String("operation", op),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.MaxAttempts),
			slog.String("error", err.Error()),
		)
		if attempt == c.cfg.MaxAttempts {
			break
		}
		if c.metrics != nil {
			c.metrics.RecordDeviceRetry()
		}
		if err := c.sleep(ctx, time.Duration(attempt)*c.cfg.RetryDelay); err != nil {
			return callResult{attempts: attempt, failure: model.DeviceFailureUnreachable, err: err}
		}
	}
	return callResult{attempts: c.cfg.MaxAttempts, failure: model.DeviceFailureUnreachable, err: lastErr}
}

func (c *Controller) attempt(ctx context.Context, op, method, path string, query url.Values, payload []byte) ([]byte, error) {
	if c.pacer != nil {
		if err := c.pacer.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.cfg.BaseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to build request: %v", errRejected, err)
	}
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(op, 0, start)
		// URLに認証キーが含まれるため、url.Errorからは内側のエラーだけを取り出す
		var urlErr *url.Error
		if errors.As(err, &urlErr) {
			err = urlErr.Err
		}
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	c.observe(op, resp.StatusCode, start)

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("device api returned status %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: invalid response body", errRejected)
	}
	if env.IsOK != nil && !*env.IsOK {
		return nil, fmt.Errorf("%w: %s", errRejected, strings.TrimSpace(string(env.Errors)))
	}
	return data, nil
}

func (c *Controller) observe(op string, status int, start time.Time) {
	if c.metrics != nil {
		c.metrics.RecordDeviceRequest(op, status, time.Since(start))
	}
}

func notConfiguredResult() model.DeviceCommandResult {
	return model.DeviceCommandResult{
		Status:  model.DoorUnknown,
		Failure: model.DeviceFailureNotConfigured,
		Error:   "device id or auth key not configured",
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
