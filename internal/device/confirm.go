package device

import (
	"context"
	"time"

	"github.com/hitoshi/garagegate/internal/model"
)

// StatusReader は扉の状態を取得する。
type StatusReader interface {
	GetStatus(ctx context.Context) StatusResult
}

// Confirmer は指示を送った後に扉が目的の状態になったかを確認する。
// 確認は最善努力であり、遅いデバイスに対しては確認できないことがある。
type Confirmer interface {
	Confirm(ctx context.Context, reader StatusReader, want model.DoorStatus) StatusResult
}

// SettleDelayConfirmer は一定時間待った後に1回だけ状態を取得する。
type SettleDelayConfirmer struct {
	Delay time.Duration
	Sleep func(ctx context.Context, d time.Duration) error
}

func (s *SettleDelayConfirmer) Confirm(ctx context.Context, reader StatusReader, want model.DoorStatus) StatusResult {
	sleep := s.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	if err := sleep(ctx, s.Delay); err != nil {
		return StatusResult{Status: model.DoorUnknown, Failure: model.DeviceFailureUnreachable, Error: err.Error()}
	}
	return reader.GetStatus(ctx)
}

// PollConfirmer は目的の状態になるかTimeoutに達するまでIntervalごとに状態を取得する。
// 取得は少なくとも1回行う。
type PollConfirmer struct {
	Interval time.Duration
	Timeout  time.Duration
	Sleep    func(ctx context.Context, d time.Duration) error
}

func (p *PollConfirmer) Confirm(ctx context.Context, reader StatusReader, want model.DoorStatus) StatusResult {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}

	// Timeoutが0以下でも1回は状態を取得する
	last := StatusResult{Status: model.DoorUnknown}
	for waited := time.Duration(0); ; {
		if err := sleep(ctx, interval); err != nil {
			return last
		}
		last = reader.GetStatus(ctx)
		if last.OK && last.Status == want {
			return last
		}
		waited += interval
		if waited >= p.Timeout {
			return last
		}
	}
}

// NewConfirmer は設定名から確認方法を選ぶ。"poll" 以外はセトル待ち。
func NewConfirmer(mode string, settleDelay, pollTimeout time.Duration) Confirmer {
	if mode == "poll" {
		return &PollConfirmer{Interval: time.Second, Timeout: pollTimeout}
	}
	return &SettleDelayConfirmer{Delay: settleDelay}
}
