// Package binance 实现 Binance 交易所消息解析。
// 字段映射: E -> ExchTsUnixMs, u -> Seq
package binance

import (
	"encoding/json"
	"fmt"
	"time"

	"exchange-gateway/internal/core/model"
)

// Parser Binance 消息解析器
type Parser struct {
	// now 时钟，测试时可替换
	now func() time.Time
}

// NewParser 创建 Binance 消息解析器
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// Parse 解析 Binance WebSocket 消息为 BookEvent
// 参数 data: 原始消息字节
// 返回: 可能包含 0 或 1 个 BookEvent（非深度消息返回空切片）
func (p *Parser) Parse(data []byte) ([]*model.BookEvent, error) {
	arrivedAt := p.now().UnixNano()

	var msg DepthUpdate
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("解析 Binance 消息失败: %w", err)
	}

	if msg.EventType != "depthUpdate" || msg.Symbol == "" {
		return nil, nil
	}

	bids, err := model.ParseLevels(msg.Bids)
	if err != nil {
		return nil, fmt.Errorf("解析 Binance bids 失败: %w", err)
	}
	asks, err := model.ParseLevels(msg.Asks)
	if err != nil {
		return nil, fmt.Errorf("解析 Binance asks 失败: %w", err)
	}

	event := &model.BookEvent{
		Exchange:        model.ExchangeBinance,
		SymbolCanon:     model.CanonSymbol(msg.Symbol),
		ArrivedAtUnixNs: arrivedAt,
		ExchTsUnixMs:    msg.EventTimeMs,
		Seq:             msg.FinalUpdateID,
	}
	event.FromLevels(bids, asks)

	return []*model.BookEvent{event}, nil
}

// ParseSubscribeResponse 解析订阅响应
// 返回 ok=false 表示不是订阅响应
func ParseSubscribeResponse(data []byte) (resp SubscribeResponse, ok bool) {
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, false
	}
	return resp, resp.ID != nil
}
