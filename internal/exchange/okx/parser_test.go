// Package okx OKX 解析器测试
package okx

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
)

// TestParser_RoundTrip 测试解析器往返一致性
// 属性: 解析后的 BookEvent 精确保留原始价格和数量字符串
func TestParser_RoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	parser := NewParser()

	properties.Property("解析保留价格和数量", prop.ForAll(
		func(bidCents, spreadCents, qtyMilli int64, ts int64, seqId int64) bool {
			bidPx := decimal.New(bidCents, -2)
			askPx := bidPx.Add(decimal.New(spreadCents, -2))
			qty := decimal.New(qtyMilli, -3)

			msg := Books5Message{
				Arg: SubscribeArg{
					Channel: "books5",
					InstId:  "BTC-USDT-SWAP",
				},
				Data: []Books5Data{
					{
						Bids:  [][]string{{bidPx.StringFixed(2), qty.StringFixed(3), "0", "1"}},
						Asks:  [][]string{{askPx.StringFixed(2), qty.StringFixed(3), "0", "1"}},
						Ts:    fmt.Sprintf("%d", ts),
						SeqId: seqId,
					},
				},
			}

			data, err := json.Marshal(msg)
			if err != nil {
				return false
			}

			events, err := parser.Parse(data)
			if err != nil || len(events) != 1 {
				return false
			}

			event := events[0]
			return event.BestBidPx.Equal(bidPx) &&
				event.BestAskPx.Equal(askPx) &&
				event.BestBidQty.Equal(qty) &&
				event.ExchTsUnixMs == ts &&
				event.Seq == seqId &&
				event.SymbolCanon == "BTCUSDT" &&
				event.IsValid()
		},
		gen.Int64Range(1_000_000, 10_000_000),        // bid 价格（分）
		gen.Int64Range(1, 1000),                      // 价差（分）
		gen.Int64Range(1, 100_000),                   // 数量（千分之一）
		gen.Int64Range(1700000000000, 1800000000000), // ts
		gen.Int64Range(1, 1000000),                   // seqId
	))

	properties.TestingRun(t)
}

// TestParser_SpecificMessages 测试特定消息格式
func TestParser_SpecificMessages(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		name       string
		message    string
		wantEvents int
		wantCanon  string
		wantBidPx  string
		wantAskPx  string
		wantTs     int64
		wantSeq    int64
		wantLevels int
	}{
		{
			name: "标准 books5 消息",
			message: `{
				"arg": {"channel": "books5", "instId": "BTC-USDT-SWAP"},
				"data": [{
					"instId": "BTC-USDT-SWAP",
					"bids": [["50000.5", "1.5", "0", "3"], ["50000.4", "2", "0", "1"]],
					"asks": [["50001.0", "2.0", "0", "5"]],
					"ts": "1700000000000",
					"seqId": 12345
				}]
			}`,
			wantEvents: 1,
			wantCanon:  "BTCUSDT",
			wantBidPx:  "50000.5",
			wantAskPx:  "50001",
			wantTs:     1700000000000,
			wantSeq:    12345,
			wantLevels: 3,
		},
		{
			name: "数据中缺少 instId 时使用 arg",
			message: `{
				"arg": {"channel": "books5", "instId": "ETH-USDT-SWAP"},
				"data": [{
					"bids": [["3000.00", "10.0", "0", "2"]],
					"asks": [["3000.50", "5.0", "0", "1"]],
					"ts": "1700000001000",
					"seqId": 67890
				}]
			}`,
			wantEvents: 1,
			wantCanon:  "ETHUSDT",
			wantBidPx:  "3000",
			wantAskPx:  "3000.5",
			wantTs:     1700000001000,
			wantSeq:    67890,
			wantLevels: 2,
		},
		{
			name: "bbo-tbt 频道",
			message: `{
				"arg": {"channel": "bbo-tbt", "instId": "SOL-USDT-SWAP"},
				"data": [{"bids": [["100.1", "3", "0", "1"]], "asks": [["100.2", "4", "0", "1"]], "ts": "1", "seqId": 7}]
			}`,
			wantEvents: 1,
			wantCanon:  "SOLUSDT",
			wantBidPx:  "100.1",
			wantAskPx:  "100.2",
			wantTs:     1,
			wantSeq:    7,
			wantLevels: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := parser.Parse([]byte(tt.message))
			if err != nil {
				t.Fatalf("解析失败: %v", err)
			}

			if len(events) != tt.wantEvents {
				t.Fatalf("事件数量 = %d, want %d", len(events), tt.wantEvents)
			}

			event := events[0]
			if event.SymbolCanon != tt.wantCanon {
				t.Errorf("SymbolCanon = %s, want %s", event.SymbolCanon, tt.wantCanon)
			}
			if !event.BestBidPx.Equal(decimal.RequireFromString(tt.wantBidPx)) {
				t.Errorf("BestBidPx = %s, want %s", event.BestBidPx, tt.wantBidPx)
			}
			if !event.BestAskPx.Equal(decimal.RequireFromString(tt.wantAskPx)) {
				t.Errorf("BestAskPx = %s, want %s", event.BestAskPx, tt.wantAskPx)
			}
			if event.ExchTsUnixMs != tt.wantTs {
				t.Errorf("ExchTsUnixMs = %d, want %d", event.ExchTsUnixMs, tt.wantTs)
			}
			if event.Seq != tt.wantSeq {
				t.Errorf("Seq = %d, want %d", event.Seq, tt.wantSeq)
			}
			if got := len(event.Bids) + len(event.Asks); got != tt.wantLevels {
				t.Errorf("档位数 = %d, want %d", got, tt.wantLevels)
			}
		})
	}
}

// TestParser_InvalidMessages 测试无效消息处理
func TestParser_InvalidMessages(t *testing.T) {
	parser := NewParser()

	tests := []struct {
		name       string
		message    string
		wantErr    bool
		wantEvents int
	}{
		{
			name:    "无效 JSON",
			message: `{invalid json}`,
			wantErr: true,
		},
		{
			name:    "非深度频道",
			message: `{"arg": {"channel": "trades", "instId": "BTC-USDT-SWAP"}, "data": [{"px": "1"}]}`,
		},
		{
			name:    "订阅响应",
			message: `{"event": "subscribe", "arg": {"channel": "books5", "instId": "BTC-USDT-SWAP"}}`,
		},
		{
			name:    "价格无效",
			message: `{"arg": {"channel": "books5", "instId": "BTC-USDT-SWAP"}, "data": [{"bids": [["x", "1"]], "asks": [], "ts": "0"}]}`,
			wantErr: true,
		},
		{
			name:       "空盘口",
			message:    `{"arg": {"channel": "books5", "instId": "BTC-USDT-SWAP"}, "data": [{"bids": [], "asks": [], "ts": "0", "seqId": 0}]}`,
			wantEvents: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := parser.Parse([]byte(tt.message))
			if (err != nil) != tt.wantErr {
				t.Errorf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(events) != tt.wantEvents {
				t.Errorf("事件数量 = %d, want %d", len(events), tt.wantEvents)
			}
		})
	}
}

// TestIsPong 测试 pong 响应判断
func TestIsPong(t *testing.T) {
	tests := []struct {
		data string
		want bool
	}{
		{"pong", true},
		{"ping", false},
		{`{"event": "subscribe"}`, false},
	}

	for _, tt := range tests {
		got := IsPong([]byte(tt.data))
		if got != tt.want {
			t.Errorf("IsPong(%q) = %v, want %v", tt.data, got, tt.want)
		}
	}
}

// TestIsSubscribeResponse 测试订阅响应判断
func TestIsSubscribeResponse(t *testing.T) {
	tests := []struct {
		data string
		want bool
	}{
		{`{"event": "subscribe", "arg": {"channel": "books5"}}`, true},
		{`{"event": "error", "code": "60012", "msg": "Invalid request"}`, true},
		{`{"arg": {"channel": "books5"}, "data": []}`, false},
		{`pong`, false},
	}

	for _, tt := range tests {
		got := IsSubscribeResponse([]byte(tt.data))
		if got != tt.want {
			t.Errorf("IsSubscribeResponse(%q) = %v, want %v", tt.data, got, tt.want)
		}
	}
}
