// Package gate は状態を変更する操作の同時実行数と実行時間を制限します。
//
// Gate はキューを持たないアドミッション制御です。実行中の操作数が上限に達している場合、
// 新しい操作は待たされずに直ちに ErrCapacityExceeded で拒否されます。
//
// タイムアウトした操作は強制終了されません。呼び出し元にはタイムアウト時点で ErrTimeout を返しますが、
// 操作自体は最後まで実行され、その結果は破棄されます。スロットは操作が実際に終了した時点で解放されるため、
// 止まった操作はタイムアウト後もスロットを消費し続けます。
package gate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/uma-arai/sbcntr-booking/internal/common/utils"
)

var (
	// ErrCapacityExceeded は同時実行数の上限に達しているため受け付けられなかったことを表します
	// 時間をおいて再試行できます
	ErrCapacityExceeded = errors.New("capacity exceeded")
	// ErrTimeout は操作が制限時間内に終わらなかったことを表します
	// 操作が完了したかどうかは不明です
	ErrTimeout = errors.New("operation timed out")
	// ErrInvalidConfig は設定値が範囲外であることを表します
	ErrInvalidConfig = errors.New("invalid gate config")
)

// Config はゲートの設定です
type Config struct {
	// MaxConcurrent は同時に実行できる操作数の上限です (1以上)
	MaxConcurrent int
	// Timeout は1つの操作の制限時間です。0の場合、ゲートは制限時間を設けず操作自身に任せます
	Timeout time.Duration
}

func (c Config) validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("%w: maxConcurrent must be >= 1, got %d", ErrInvalidConfig, c.MaxConcurrent)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("%w: timeout must be >= 0, got %s", ErrInvalidConfig, c.Timeout)
	}
	return nil
}

// ConfigUpdate は UpdateConfig で変更する値です。nilのフィールドは変更しません
type ConfigUpdate struct {
	MaxConcurrent *int
	Timeout       *time.Duration
}

// Stats はゲートの状態のスナップショットです
type Stats struct {
	InFlight       int           `json:"inFlight"`
	MaxConcurrent  int           `json:"maxConcurrent"`
	Timeout        time.Duration `json:"-"`
	TimeoutMs      int64         `json:"timeoutMs"`
	AvailableSlots int           `json:"availableSlots"`
}

// Gate は状態を変更する操作の入口です
type Gate struct {
	cfg      atomic.Pointer[Config]
	inFlight atomic.Int64
}

// New は新しいゲートを作成します
func New(cfg Config) (*Gate, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	g := &Gate{}
	g.cfg.Store(&cfg)
	return g, nil
}

// Config は現在の設定を返します
func (g *Gate) Config() Config {
	return *g.cfg.Load()
}

// UpdateConfig は設定を置き換えます
// 変更はこれ以降に受け付ける操作から有効になり、実行中の操作は受付時のタイムアウトを使い続けます
// 上限を実行中の数より小さくした場合、実行中の操作が減るまで新しい操作は拒否されます
func (g *Gate) UpdateConfig(update ConfigUpdate) (Config, error) {
	for {
		current := g.cfg.Load()
		next := *current
		if update.MaxConcurrent != nil {
			next.MaxConcurrent = *update.MaxConcurrent
		}
		if update.Timeout != nil {
			next.Timeout = *update.Timeout
		}
		if err := next.validate(); err != nil {
			return *current, err
		}
		if g.cfg.CompareAndSwap(current, &next) {
			log.Printf("Gate config updated: maxConcurrent=%d timeout=%s", next.MaxConcurrent, next.Timeout)
			return next, nil
		}
	}
}

// Stats は現在の状態を返します。受付をブロックしません
func (g *Gate) Stats() Stats {
	cfg := g.cfg.Load()
	inFlight := int(g.inFlight.Load())
	available := cfg.MaxConcurrent - inFlight
	if available < 0 {
		available = 0
	}
	return Stats{
		InFlight:       inFlight,
		MaxConcurrent:  cfg.MaxConcurrent,
		Timeout:        cfg.Timeout,
		TimeoutMs:      cfg.Timeout.Milliseconds(),
		AvailableSlots: available,
	}
}

// acquire はスロットを1つ確保します。上限に達している場合はfalseを返します
func (g *Gate) acquire(maxConcurrent int) bool {
	for {
		current := g.inFlight.Load()
		if current >= int64(maxConcurrent) {
			return false
		}
		if g.inFlight.CompareAndSwap(current, current+1) {
			return true
		}
	}
}

func (g *Gate) release() {
	g.inFlight.Add(-1)
}

// Execute はfnをゲートを通して実行します
func (g *Gate) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, g, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

type result[T any] struct {
	value T
	err   error
}

// Do はfnをゲートを通して実行し、その結果を返します
//
// 上限に達している場合は直ちに ErrCapacityExceeded を返します。
// fnとタイマーを競争させ、先に終わった方が結果になります。タイムアウト時はfnに渡したcontextを
// キャンセルしますが、fnの終了は待ちません。スロットはfnが戻った時点で1回だけ解放されます。
func Do[T any](ctx context.Context, g *Gate, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	cfg := g.cfg.Load()
	if !g.acquire(cfg.MaxConcurrent) {
		return zero, fmt.Errorf("%w: %d operations in flight", ErrCapacityExceeded, cfg.MaxConcurrent)
	}

	opCtx, cancel := context.WithCancel(ctx)
	var timeout <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	// バッファ付きなので、呼び出し元が先に戻っても送信はブロックしない
	done := make(chan result[T], 1)
	go func() {
		var res result[T]
		// スロットを解放してから結果を渡す
		defer func() { done <- res }()
		defer cancel()
		defer g.release()
		defer func() {
			if r := recover(); r != nil {
				res = result[T]{err: utils.RecoveredError(r)}
			}
		}()

		res.value, res.err = fn(opCtx)
	}()

	select {
	case res := <-done:
		return res.value, res.err
	case <-timeout:
		cancel()
		return zero, fmt.Errorf("%w after %s", ErrTimeout, cfg.Timeout)
	case <-ctx.Done():
		cancel()
		return zero, ctx.Err()
	}
}
