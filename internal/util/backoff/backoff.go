// Package backoff 实现带上限的乘法指数退避。
// 第 i 次等待时间为 min(initial * multiplier^i, max)，可选 ±jitter 抖动。
// 用于 WebSocket 断线重连的延迟计算，避免频繁重连导致服务端拒绝。
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Backoff 指数退避计算器
// 每次调用 Next() 返回 min(initial * multiplier^attempt, max)，attempt 随之加一
// 非并发安全：由单个重连 goroutine 独占使用
type Backoff struct {
	// initial 初始等待时间
	initial time.Duration
	// max 最大等待时间
	max time.Duration
	// multiplier 退避倍数，期望 >= 1；小于 1 时退化为递减，不做校验
	multiplier float64
	// jitter 抖动比例（0-1），例如 0.2 表示 ±20%
	jitter float64
	// attempt 已调用 Next 的次数
	attempt int
}

// New 创建新的退避计算器
// 参数 initial: 初始等待时间
// 参数 max: 最大等待时间
// 参数 multiplier: 退避倍数（建议 2.0）
// 参数 jitter: 抖动比例（0 表示无抖动）
func New(initial, max time.Duration, multiplier, jitter float64) *Backoff {
	b := &Backoff{
		initial:    initial,
		max:        max,
		multiplier: multiplier,
		jitter:     jitter,
	}
	b.Reset()
	return b
}

// NewDefault 创建默认配置的退避计算器
// 初始 1s，最大 30s，倍数 2，无抖动
func NewDefault() *Backoff {
	return New(time.Second, 30*time.Second, 2.0, 0)
}

// Next 获取本次重试的等待时间
func (b *Backoff) Next() time.Duration {
	delay := Delay(b.initial, b.max, b.multiplier, b.attempt)
	b.attempt++

	if b.jitter > 0 {
		// 抖动范围: [delay * (1 - jitter), delay * (1 + jitter)]
		jitterFactor := 1.0 + (rand.Float64()*2-1)*b.jitter
		delay = time.Duration(float64(delay) * jitterFactor)
	}
	return delay
}

// Reset 重置退避计算器
// 新的重连序列开始时调用
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempt 获取已计算的次数
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Delay 计算第 i 次（从 0 开始）的无抖动等待时间: min(initial * multiplier^i, max)
// 每次都从 initial 直接求幂，不累积截断误差
func Delay(initial, max time.Duration, multiplier float64, i int) time.Duration {
	d := float64(initial) * math.Pow(multiplier, float64(i))
	// NaN 或超出 int64 范围时按上限处理
	if math.IsNaN(d) || d >= float64(max) {
		return max
	}
	return time.Duration(d)
}
