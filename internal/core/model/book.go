// Package model 定义网关中使用的核心数据结构。
// 包含订单簿事件、连接状态事件等核心类型。
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange 交易所标识常量
const (
	// ExchangeOKX OKX 交易所
	ExchangeOKX = "okx"
	// ExchangeBinance Binance 交易所
	ExchangeBinance = "binance"
)

// MaxLevels 每侧保留的最大档位数
const MaxLevels = 5

// Level 订单簿深度档位
// 表示某一价格档位的价格和数量
type Level struct {
	// Price 价格
	Price decimal.Decimal `json:"px"`
	// Qty 数量
	Qty decimal.Decimal `json:"qty"`
}

// BookEvent 统一订单簿事件结构
// 用于归一化各交易所的订单簿数据
// 价格与数量按交易所原始字符串精确解析，不经过浮点
type BookEvent struct {
	// Exchange 交易所标识: okx, binance
	Exchange string `json:"exchange"`
	// SymbolCanon 统一交易对标识，如 BTCUSDT
	SymbolCanon string `json:"symbol"`
	// BestBidPx 最优买价（买一价）
	BestBidPx decimal.Decimal `json:"bid_px"`
	// BestBidQty 最优买量（买一量）
	BestBidQty decimal.Decimal `json:"bid_qty"`
	// BestAskPx 最优卖价（卖一价）
	BestAskPx decimal.Decimal `json:"ask_px"`
	// BestAskQty 最优卖量（卖一量）
	BestAskQty decimal.Decimal `json:"ask_qty"`
	// Bids 买盘档位（最多 5 档，价格从高到低）
	Bids []Level `json:"bids,omitempty"`
	// Asks 卖盘档位（最多 5 档，价格从低到高）
	Asks []Level `json:"asks,omitempty"`
	// ArrivedAtUnixNs 本机收到消息的时间戳（纳秒）
	ArrivedAtUnixNs int64 `json:"arrived_ns"`
	// ExchTsUnixMs 交易所事件时间戳（毫秒）
	// OKX: ts 字段
	// Binance: E 字段
	ExchTsUnixMs int64 `json:"exch_ts_ms"`
	// Seq 序列号
	// OKX: seqId 字段
	// Binance: u 字段（最后更新 ID）
	Seq int64 `json:"seq"`
}

// IsValid 检查订单簿事件是否有效
// 有效条件: 买卖价格都大于 0，且买价 < 卖价
func (b *BookEvent) IsValid() bool {
	return b.BestBidPx.IsPositive() && b.BestAskPx.IsPositive() && b.BestBidPx.LessThan(b.BestAskPx)
}

// MidPrice 计算中间价
// 公式: (BestBidPx + BestAskPx) / 2
func (b *BookEvent) MidPrice() decimal.Decimal {
	return b.BestBidPx.Add(b.BestAskPx).Div(decimal.NewFromInt(2))
}

// Spread 计算买卖价差
// 公式: BestAskPx - BestBidPx
func (b *BookEvent) Spread() decimal.Decimal {
	return b.BestAskPx.Sub(b.BestBidPx)
}

// SpreadBps 计算买卖价差（基点）
// 公式: (BestAskPx - BestBidPx) / MidPrice * 10000
func (b *BookEvent) SpreadBps() float64 {
	mid := b.MidPrice()
	if mid.IsZero() {
		return 0
	}
	bps, _ := b.Spread().Div(mid).Mul(decimal.NewFromInt(10000)).Float64()
	return bps
}

// DepthNotional 计算前 5 档双边名义价值
func (b *BookEvent) DepthNotional() decimal.Decimal {
	total := decimal.Zero
	for _, side := range [][]Level{b.Bids, b.Asks} {
		for i, level := range side {
			if i >= MaxLevels {
				break
			}
			total = total.Add(level.Price.Mul(level.Qty))
		}
	}
	return total
}

// ArrivedAt 获取到达时间的 time.Time 表示
func (b *BookEvent) ArrivedAt() time.Time {
	return time.Unix(0, b.ArrivedAtUnixNs)
}

// ExchTs 获取交易所时间的 time.Time 表示
// 若 ExchTsUnixMs 为 0，返回零值
func (b *BookEvent) ExchTs() time.Time {
	if b.ExchTsUnixMs == 0 {
		return time.Time{}
	}
	return time.UnixMilli(b.ExchTsUnixMs)
}

// Clone 创建 BookEvent 的深拷贝
func (b *BookEvent) Clone() *BookEvent {
	clone := *b
	if b.Bids != nil {
		clone.Bids = append([]Level(nil), b.Bids...)
	}
	if b.Asks != nil {
		clone.Asks = append([]Level(nil), b.Asks...)
	}
	return &clone
}

// CanonSymbol 将交易所的交易对标识转换为统一格式
// BTC-USDT-SWAP -> BTCUSDT, btcusdt -> BTCUSDT
func CanonSymbol(s string) string {
	s = strings.ToUpper(s)
	s = strings.TrimSuffix(s, "-SWAP")
	s = strings.ReplaceAll(s, "-", "")
	s = strings.ReplaceAll(s, "_", "")
	s = strings.ReplaceAll(s, "/", "")
	return s
}

// ParseLevels 解析 [[价格, 数量, ...], ...] 格式的档位
// 最多保留 MaxLevels 档，字段不足的档位返回错误
func ParseLevels(raw [][]string) ([]Level, error) {
	n := min(len(raw), MaxLevels)
	levels := make([]Level, 0, n)
	for i := 0; i < n; i++ {
		if len(raw[i]) < 2 {
			return nil, &LevelError{Index: i, Reason: "字段不足"}
		}
		px, err := decimal.NewFromString(raw[i][0])
		if err != nil {
			return nil, &LevelError{Index: i, Reason: "价格无效", Err: err}
		}
		qty, err := decimal.NewFromString(raw[i][1])
		if err != nil {
			return nil, &LevelError{Index: i, Reason: "数量无效", Err: err}
		}
		levels = append(levels, Level{Price: px, Qty: qty})
	}
	return levels, nil
}

// LevelError 档位解析错误
type LevelError struct {
	// Index 出错档位下标
	Index int
	// Reason 错误原因
	Reason string
	// Err 底层错误
	Err error
}

func (e *LevelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("档位[%d] %s: %v", e.Index, e.Reason, e.Err)
	}
	return fmt.Sprintf("档位[%d] %s", e.Index, e.Reason)
}

func (e *LevelError) Unwrap() error {
	return e.Err
}

// FromLevels 用解析后的档位填充最优买卖价
func (b *BookEvent) FromLevels(bids, asks []Level) {
	b.Bids = bids
	b.Asks = asks
	if len(bids) > 0 {
		b.BestBidPx = bids[0].Price
		b.BestBidQty = bids[0].Qty
	}
	if len(asks) > 0 {
		b.BestAskPx = asks[0].Price
		b.BestAskQty = asks[0].Qty
	}
}
