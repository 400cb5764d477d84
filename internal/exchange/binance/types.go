// Package binance 定义 Binance 交易所消息类型。
package binance

// SubscribeRequest Binance WebSocket 订阅/退订请求
// 订阅 depth5@100ms 等行情流。
type SubscribeRequest struct {
	// Method 订阅方法: SUBSCRIBE, UNSUBSCRIBE
	Method string `json:"method"`
	// Params 订阅参数列表，如 "btcusdt@depth5@100ms"
	Params []string `json:"params"`
	// ID 请求 ID
	ID int64 `json:"id"`
}

// SubscribeResponse Binance WebSocket 订阅响应
// 成功形如 {"result":null,"id":1}，失败形如 {"error":{"code":2,"msg":"..."},"id":1}。
type SubscribeResponse struct {
	// Result 结果（成功为 null）
	Result any `json:"result"`
	// Error 错误信息
	Error *ResponseError `json:"error,omitempty"`
	// ID 请求 ID
	ID *int64 `json:"id"`
}

// ResponseError 请求错误
type ResponseError struct {
	// Code 错误码
	Code int `json:"code"`
	// Msg 错误消息
	Msg string `json:"msg"`
}

// DepthUpdate Binance 深度推送消息（depthUpdate）
// 字段映射：
// - e: 事件类型（depthUpdate）
// - E: 事件时间（毫秒） -> BookEvent.ExchTsUnixMs
// - s: Symbol（如 BTCUSDT） -> BookEvent.SymbolCanon（与 Canon 一致）
// - u: 最后更新 ID -> BookEvent.Seq
// - b: bids [[price, qty], ...]（字符串）
// - a: asks [[price, qty], ...]（字符串）
type DepthUpdate struct {
	// EventType 事件类型: depthUpdate
	EventType string `json:"e"`
	// EventTimeMs 事件时间（毫秒）
	EventTimeMs int64 `json:"E"`
	// TxTimeMs 撮合时间（毫秒）
	TxTimeMs int64 `json:"T"`
	// Symbol 交易对（大写）
	Symbol string `json:"s"`
	// FirstUpdateID 首个更新 ID
	FirstUpdateID int64 `json:"U"`
	// FinalUpdateID 最后更新 ID
	FinalUpdateID int64 `json:"u"`
	// Bids 买盘档位（价格、数量）
	Bids [][]string `json:"b"`
	// Asks 卖盘档位（价格、数量）
	Asks [][]string `json:"a"`
}
