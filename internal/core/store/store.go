// Package store 维护各交易所各交易对的最新订单簿状态。
// 使用单写者模式避免锁和竞态条件。
package store

import (
	"cmp"
	"slices"
	"time"

	"exchange-gateway/internal/core/model"
)

// Store 最新订单簿缓存（单写者）
// 注意：本结构体默认由汇聚 goroutine 单独读写；跨 goroutine 请传递 Snapshot 的结果。
type Store struct {
	// books 第一层 key: exchange，第二层 key: SymbolCanon
	books map[string]map[string]*model.BookEvent
	// updates 按交易所、交易对累计的更新次数
	updates map[string]map[string]int64
}

// SymbolState 单个交易对的最新状态
type SymbolState struct {
	Exchange    string  `json:"exchange"`
	SymbolCanon string  `json:"symbol"`
	MidPx       string  `json:"mid_px"`
	SpreadBps   float64 `json:"spread_bps"`
	Seq         int64   `json:"seq"`
	Updates     int64   `json:"updates"`
	// AgeMs 距最后一次更新到达的时间
	AgeMs int64 `json:"age_ms"`
}

// New 创建新的订单簿缓存
func New() *Store {
	return &Store{
		books:   make(map[string]map[string]*model.BookEvent, 2),
		updates: make(map[string]map[string]int64, 2),
	}
}

// Update 更新缓存
// 返回 false 表示事件无效被忽略，或序号相对上一条回退（仍会覆盖缓存，重连后交易所可能重置序号）
func (s *Store) Update(ev *model.BookEvent) bool {
	if ev == nil || ev.Exchange == "" || ev.SymbolCanon == "" {
		return false
	}

	exBooks, ok := s.books[ev.Exchange]
	if !ok {
		exBooks = make(map[string]*model.BookEvent)
		s.books[ev.Exchange] = exBooks
		s.updates[ev.Exchange] = make(map[string]int64)
	}
	prev := exBooks[ev.SymbolCanon]
	exBooks[ev.SymbolCanon] = ev
	s.updates[ev.Exchange][ev.SymbolCanon]++

	return prev == nil || ev.Seq == 0 || prev.Seq == 0 || ev.Seq >= prev.Seq
}

// Get 获取指定交易所与交易对的最新订单簿
// 返回值可能为 nil；返回的指针应视为只读。
func (s *Store) Get(exchange, symbolCanon string) *model.BookEvent {
	exBooks, ok := s.books[exchange]
	if !ok {
		return nil
	}
	return exBooks[symbolCanon]
}

// Len 缓存的交易对数量
func (s *Store) Len() int {
	n := 0
	for _, exBooks := range s.books {
		n += len(exBooks)
	}
	return n
}

// Snapshot 按交易所、交易对排序返回所有交易对的最新状态
func (s *Store) Snapshot(now time.Time) []SymbolState {
	out := make([]SymbolState, 0, s.Len())
	for ex, exBooks := range s.books {
		for sym, ev := range exBooks {
			out = append(out, SymbolState{
				Exchange:    ex,
				SymbolCanon: sym,
				MidPx:       ev.MidPrice().String(),
				SpreadBps:   ev.SpreadBps(),
				Seq:         ev.Seq,
				Updates:     s.updates[ex][sym],
				AgeMs:       now.Sub(ev.ArrivedAt()).Milliseconds(),
			})
		}
	}
	slices.SortFunc(out, func(a, b SymbolState) int {
		if c := cmp.Compare(a.Exchange, b.Exchange); c != 0 {
			return c
		}
		return cmp.Compare(a.SymbolCanon, b.SymbolCanon)
	})
	return out
}
