// Package okx 实现 OKX 交易所消息解析。
// 字段映射: ts -> ExchTsUnixMs, seqId -> Seq
package okx

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"exchange-gateway/internal/core/model"
)

// bookChannels 使用 books5 数据格式的频道
var bookChannels = map[string]bool{
	"books5":  true,
	"bbo-tbt": true,
	"books":   true,
}

// Parser OKX 消息解析器
type Parser struct {
	// now 时钟，测试时可替换
	now func() time.Time
}

// NewParser 创建 OKX 消息解析器
func NewParser() *Parser {
	return &Parser{now: time.Now}
}

// Parse 解析 OKX WebSocket 消息
// 参数 data: 原始消息字节
// 返回: BookEvent 列表（一条消息可能包含多个数据）；非深度频道返回 nil, nil
func (p *Parser) Parse(data []byte) ([]*model.BookEvent, error) {
	arrivedAt := p.now().UnixNano()

	var msg Books5Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("解析 OKX 消息失败: %w", err)
	}

	if !bookChannels[msg.Arg.Channel] || len(msg.Data) == 0 {
		return nil, nil
	}

	events := make([]*model.BookEvent, 0, len(msg.Data))
	for i := range msg.Data {
		event, err := p.parseBooks5Data(&msg.Data[i], msg.Arg.InstId, arrivedAt)
		if err != nil {
			return nil, fmt.Errorf("解析 %s 数据失败: %w", msg.Arg.Channel, err)
		}
		if event != nil {
			events = append(events, event)
		}
	}

	return events, nil
}

// parseBooks5Data 解析单条深度数据
func (p *Parser) parseBooks5Data(d *Books5Data, argInstId string, arrivedAt int64) (*model.BookEvent, error) {
	instId := d.InstId
	if instId == "" {
		instId = argInstId
	}
	if instId == "" {
		return nil, nil
	}

	// ts 为毫秒字符串，缺失时置 0
	exchTs, err := strconv.ParseInt(d.Ts, 10, 64)
	if err != nil {
		exchTs = 0
	}

	bids, err := model.ParseLevels(d.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := model.ParseLevels(d.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}

	event := &model.BookEvent{
		Exchange:        model.ExchangeOKX,
		SymbolCanon:     model.CanonSymbol(instId),
		ArrivedAtUnixNs: arrivedAt,
		ExchTsUnixMs:    exchTs,
		Seq:             d.SeqId,
	}
	event.FromLevels(bids, asks)
	return event, nil
}

// ParseSubscribeResponse 解析订阅响应
// 返回 ok=false 表示不是订阅响应
func ParseSubscribeResponse(data []byte) (resp SubscribeResponse, ok bool) {
	if err := json.Unmarshal(data, &resp); err != nil {
		return resp, false
	}
	switch resp.Event {
	case "subscribe", "unsubscribe", "error":
		return resp, true
	}
	return resp, false
}

// IsSubscribeResponse 判断是否为订阅响应
func IsSubscribeResponse(data []byte) bool {
	_, ok := ParseSubscribeResponse(data)
	return ok
}

// IsPong 判断是否为 pong 响应
func IsPong(data []byte) bool {
	return string(data) == "pong"
}
