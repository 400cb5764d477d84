// Package latency 统计行情链路时延。
// 链路时延 = 本地到达时间 - 交易所事件时间，按交易所维护独立的滚动窗口。
package latency

import (
	"slices"
	"sync"

	"exchange-gateway/internal/core/model"
)

// DefaultWindowSize 默认滚动窗口大小
const DefaultWindowSize = 10000

// FeedLagStats 链路时延统计快照（滚动窗口）
// 单位：毫秒。本地时钟与交易所时钟存在偏差，数值可能为负。
type FeedLagStats struct {
	Exchange string  `json:"exchange"`
	Count    int64   `json:"count"`
	P50Ms    float64 `json:"p50_ms"`
	P90Ms    float64 `json:"p90_ms"`
	P99Ms    float64 `json:"p99_ms"`
	MaxMs    float64 `json:"max_ms"`
}

type rollingWindow struct {
	size  int
	buf   []int64
	pos   int
	count int64
	full  bool
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{size: size, buf: make([]int64, 0, size)}
}

func (w *rollingWindow) add(v int64) {
	w.count++
	if w.size <= 0 {
		return
	}

	if !w.full {
		w.buf = append(w.buf, v)
		if len(w.buf) == w.size {
			w.full = true
			w.pos = 0
		}
		return
	}

	w.buf[w.pos] = v
	w.pos++
	if w.pos >= w.size {
		w.pos = 0
	}
}

func (w *rollingWindow) quantiles(qs ...float64) []int64 {
	values := make([]int64, len(qs))
	if len(w.buf) == 0 {
		return values
	}

	tmp := slices.Clone(w.buf)
	slices.Sort(tmp)

	n := len(tmp)
	for i, q := range qs {
		switch {
		case q <= 0:
			values[i] = tmp[0]
		case q >= 1:
			values[i] = tmp[n-1]
		default:
			values[i] = tmp[int(float64(n-1)*q)]
		}
	}
	return values
}

// Tracker 链路时延追踪器，可并发使用
type Tracker struct {
	size int

	mu      sync.Mutex
	windows map[string]*rollingWindow
}

// NewTracker 创建时延追踪器
// 参数 windowSize: 每个交易所的滚动窗口大小，<=0 时使用 DefaultWindowSize
func NewTracker(windowSize int) *Tracker {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Tracker{
		size:    windowSize,
		windows: make(map[string]*rollingWindow, 2),
	}
}

// Add 记录一条事件的链路时延
// 缺少交易所时间或到达时间的事件不计入
func (t *Tracker) Add(ev *model.BookEvent) {
	if ev == nil || ev.Exchange == "" || ev.ExchTsUnixMs <= 0 || ev.ArrivedAtUnixNs <= 0 {
		return
	}
	lagNs := ev.ArrivedAtUnixNs - ev.ExchTsUnixMs*1_000_000

	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.windows[ev.Exchange]
	if !ok {
		w = newRollingWindow(t.size)
		t.windows[ev.Exchange] = w
	}
	w.add(lagNs)
}

// Stats 获取指定交易所的统计快照
func (t *Tracker) Stats(exchange string) FeedLagStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	w, ok := t.windows[exchange]
	if !ok {
		return FeedLagStats{Exchange: exchange}
	}
	qs := w.quantiles(0.50, 0.90, 0.99, 1)
	return FeedLagStats{
		Exchange: exchange,
		Count:    w.count,
		P50Ms:    nsToMs(qs[0]),
		P90Ms:    nsToMs(qs[1]),
		P99Ms:    nsToMs(qs[2]),
		MaxMs:    nsToMs(qs[3]),
	}
}

// All 按交易所名称排序返回全部统计
func (t *Tracker) All() []FeedLagStats {
	t.mu.Lock()
	names := make([]string, 0, len(t.windows))
	for name := range t.windows {
		names = append(names, name)
	}
	t.mu.Unlock()

	slices.Sort(names)
	out := make([]FeedLagStats, 0, len(names))
	for _, name := range names {
		out = append(out, t.Stats(name))
	}
	return out
}

func nsToMs(ns int64) float64 {
	return float64(ns) / 1_000_000.0
}
