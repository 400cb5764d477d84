package reconnect

import (
	"context"
	"errors"
	"time"
)

// Unlimited 表示不限制重试次数
const Unlimited = -1

// 默认策略
const (
	DefaultInitialDelay      = time.Second
	DefaultMaxDelay          = 30 * time.Second
	DefaultBackoffMultiplier = 2.0
	DefaultMaxRetries        = Unlimited
)

// sleepSlice 退避等待的切片粒度
// 每个切片结束后重新检查 enabled/reconnecting 状态
const sleepSlice = 50 * time.Millisecond

// minRetryDelay 每次尝试前的最小等待，InitialDelay 为 0 时避免空转
const minRetryDelay = time.Millisecond

var (
	// ErrRetriesExhausted 重试次数耗尽，本轮重连放弃
	ErrRetriesExhausted = errors.New("重试次数已耗尽")
	// ErrNoConnectFunc 未设置连接函数
	ErrNoConnectFunc = errors.New("未设置连接函数")
	// ErrPanic 调用方提供的函数发生 panic
	ErrPanic = errors.New("回调函数 panic")
)

// Config 重连策略
// 构造后设置一次；重连进行中不可并发修改
type Config struct {
	// MaxRetries 最大重试次数，-1 表示无限
	MaxRetries int
	// InitialDelay 首次重试前的等待时间
	InitialDelay time.Duration
	// MaxDelay 等待时间上限
	MaxDelay time.Duration
	// BackoffMultiplier 退避倍数，期望 >= 1（不做校验）
	BackoffMultiplier float64
	// AutoResubscribe 重连成功后是否自动重新订阅
	AutoResubscribe bool
	// Jitter 抖动比例（0-1），0 表示严格按公式退避
	Jitter float64
}

// DefaultConfig 返回默认重连策略
// 无限重试，1s 起步，2 倍退避，上限 30s，自动重新订阅
func DefaultConfig() Config {
	return Config{
		MaxRetries:        DefaultMaxRetries,
		InitialDelay:      DefaultInitialDelay,
		MaxDelay:          DefaultMaxDelay,
		BackoffMultiplier: DefaultBackoffMultiplier,
		AutoResubscribe:   true,
	}
}

// ConnectFunc 尝试建立一次连接，返回 nil 表示成功
// ctx 在 Stop/OnConnected/Reset 时取消，超时由函数自身负责
type ConnectFunc func(ctx context.Context) error

// ResubscribeFunc 恢复断线前的全部订阅
type ResubscribeFunc func() error

// Observer 重连过程观察者（用于指标）
// 所有方法在重连 goroutine 或 OnConnected 调用方所在 goroutine 中同步调用，必须快速返回
type Observer interface {
	// AttemptStarted 第 attempt 次尝试开始（已完成等待）
	AttemptStarted(name string, attempt int, delay time.Duration)
	// AttemptFailed 一次连接尝试失败
	AttemptFailed(name string, attempt int, err error)
	// Reconnected 断线后恢复连接
	Reconnected(name string)
	// ResubscribeFailed 重新订阅失败
	ResubscribeFailed(name string, err error)
	// GaveUp 重试次数耗尽
	GaveUp(name string, attempts int)
	// StateChanged 重连状态变化
	StateChanged(name string, reconnecting bool)
}

type nopObserver struct{}

func (nopObserver) AttemptStarted(string, int, time.Duration) {}
func (nopObserver) AttemptFailed(string, int, error)          {}
func (nopObserver) Reconnected(string)                        {}
func (nopObserver) ResubscribeFailed(string, error)           {}
func (nopObserver) GaveUp(string, int)                        {}
func (nopObserver) StateChanged(string, bool)                 {}
