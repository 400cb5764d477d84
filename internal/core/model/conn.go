package model

import "time"

// ConnEventKind 连接状态事件类型
type ConnEventKind string

const (
	// ConnConnected 首次连接成功
	ConnConnected ConnEventKind = "connected"
	// ConnDisconnected 连接断开，进入重连
	ConnDisconnected ConnEventKind = "disconnected"
	// ConnReconnected 断线后恢复，订阅已重放
	ConnReconnected ConnEventKind = "reconnected"
	// ConnGaveUp 重试次数耗尽
	ConnGaveUp ConnEventKind = "gave_up"
)

// ConnEvent 连接状态变化事件，写入输出文件供下游排查断流
type ConnEvent struct {
	// Conn 连接名称，如 okx-public
	Conn string `json:"conn"`
	// Kind 事件类型
	Kind ConnEventKind `json:"kind"`
	// Error 断线或放弃原因
	Error string `json:"error,omitempty"`
	// TsUnixMs 本机时间戳（毫秒）
	TsUnixMs int64 `json:"ts_ms"`
}

// NewConnEvent 创建当前时间的连接事件
func NewConnEvent(conn string, kind ConnEventKind, err error) *ConnEvent {
	e := &ConnEvent{
		Conn:     conn,
		Kind:     kind,
		TsUnixMs: time.Now().UnixMilli(),
	}
	if err != nil {
		e.Error = err.Error()
	}
	return e
}

// ConnSnapshot 连接质量快照
type ConnSnapshot struct {
	// Conn 连接名称
	Conn string `json:"conn"`
	// Reconnecting 是否处于重连状态
	Reconnecting bool `json:"reconnecting"`
	// ReconnectCount 累计断线次数
	ReconnectCount int64 `json:"reconnect_count"`
	// ParseErrorCount 累计解析错误次数
	ParseErrorCount int64 `json:"parse_error_count"`
	// UpdatesPerSec 每秒更新次数
	UpdatesPerSec float64 `json:"updates_per_sec"`
	// LastMessageAgeMs 最后消息距今时间（毫秒）
	LastMessageAgeMs int64 `json:"last_message_age_ms"`
	// WsRttMs 心跳 RTT（毫秒），不支持时为 0
	WsRttMs int64 `json:"ws_rtt_ms"`
	// Subscriptions 已记录的订阅数
	Subscriptions int `json:"subscriptions"`
	// TsUnixMs 快照时间（毫秒）
	TsUnixMs int64 `json:"ts_ms"`
}
