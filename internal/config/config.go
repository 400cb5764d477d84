// Package config 负责加载和验证 YAML 配置文件。
// 提供行情网关所需的配置项，包括交易所连接、订阅列表、重连策略、输出与指标设置。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"exchange-gateway/internal/reconnect"
)

// Config 应用配置根结构
// 包含所有子模块的配置项
type Config struct {
	// App 应用基础配置
	App AppConfig `yaml:"app"`
	// Reconnect 断线重连策略（所有连接共用）
	Reconnect ReconnectConfig `yaml:"reconnect"`
	// WS WebSocket 连接配置
	WS WSConfig `yaml:"ws"`
	// Subscriptions 各交易所订阅列表
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
	// Output 输出配置
	Output OutputConfig `yaml:"output"`
	// Metrics Prometheus 指标配置
	Metrics MetricsConfig `yaml:"metrics"`
}

// AppConfig 应用基础配置
type AppConfig struct {
	// Name 应用名称，用于日志标识
	Name string `yaml:"name"`
	// LogLevel 日志级别: debug, info, warn, error
	LogLevel string `yaml:"log_level"`
}

// ReconnectConfig 重连策略配置
type ReconnectConfig struct {
	// MaxRetries 最大重试次数，-1 表示无限重试
	// 使用指针区分未配置与显式配置为 0
	MaxRetries *int `yaml:"max_retries"`
	// InitialDelayMs 首次重试等待时间（毫秒）
	InitialDelayMs int `yaml:"initial_delay_ms"`
	// MaxDelayMs 最大等待时间（毫秒）
	MaxDelayMs int `yaml:"max_delay_ms"`
	// BackoffMultiplier 退避倍数
	BackoffMultiplier float64 `yaml:"backoff_multiplier"`
	// AutoResubscribe 重连后是否自动重新订阅
	AutoResubscribe *bool `yaml:"auto_resubscribe"`
	// Jitter 抖动比例 [0, 1)
	Jitter float64 `yaml:"jitter"`
}

// WSConfig WebSocket 连接配置
type WSConfig struct {
	// OKX OKX WebSocket 配置
	OKX ExchangeWSConfig `yaml:"okx"`
	// Binance Binance WebSocket 配置
	Binance ExchangeWSConfig `yaml:"binance"`
}

// ExchangeWSConfig 单个交易所的 WebSocket 配置
type ExchangeWSConfig struct {
	// URL WebSocket 连接地址
	URL string `yaml:"url"`
	// PingIntervalMs 心跳间隔（毫秒）
	PingIntervalMs int `yaml:"ping_interval_ms"`
	// PongTimeoutMs 心跳响应超时（毫秒）
	PongTimeoutMs int `yaml:"pong_timeout_ms"`
	// ReadTimeoutMs 读取超时（毫秒）
	ReadTimeoutMs int `yaml:"read_timeout_ms"`
}

// SubscriptionsConfig 订阅配置
type SubscriptionsConfig struct {
	// OKX OKX 频道订阅
	OKX []OKXSubscription `yaml:"okx"`
	// Binance Binance 流名称，如 btcusdt@depth5@100ms
	Binance []string `yaml:"binance"`
}

// OKXSubscription OKX 单个频道订阅
type OKXSubscription struct {
	// Channel 频道名称，默认 books5
	Channel string `yaml:"channel"`
	// InstID 合约 ID，如 BTC-USDT-SWAP
	InstID string `yaml:"inst_id"`
}

// OutputConfig 输出配置
type OutputConfig struct {
	// Enabled 是否输出 JSONL 文件
	Enabled bool `yaml:"enabled"`
	// Dir 输出目录
	Dir string `yaml:"dir"`
	// BufferSize 异步写入缓冲区大小
	BufferSize int `yaml:"buffer_size"`
	// SnapshotIntervalMs 连接状态快照间隔（毫秒）
	SnapshotIntervalMs int `yaml:"snapshot_interval_ms"`
}

// MetricsConfig Prometheus 指标配置
type MetricsConfig struct {
	// Enabled 是否启用 /metrics 端点
	Enabled bool `yaml:"enabled"`
	// ListenAddr 监听地址，如 :9100
	ListenAddr string `yaml:"listen_addr"`
}

// Load 从文件加载配置并验证
// 参数 path: 配置文件路径
// 返回: 解析后的配置对象，若失败则返回错误
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}
	return Parse(data)
}

// Parse 解析 YAML 内容、设置默认值并验证
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// setDefaults 设置配置默认值
func (c *Config) setDefaults() {
	if c.App.Name == "" {
		c.App.Name = "exchange-gateway"
	}
	if c.App.LogLevel == "" {
		c.App.LogLevel = "info"
	}

	// 重连默认值: 无限重试，1s 起步，2 倍退避，上限 30s
	if c.Reconnect.MaxRetries == nil {
		n := reconnect.DefaultMaxRetries
		c.Reconnect.MaxRetries = &n
	}
	if c.Reconnect.InitialDelayMs == 0 {
		c.Reconnect.InitialDelayMs = int(reconnect.DefaultInitialDelay / time.Millisecond)
	}
	if c.Reconnect.MaxDelayMs == 0 {
		c.Reconnect.MaxDelayMs = int(reconnect.DefaultMaxDelay / time.Millisecond)
	}
	if c.Reconnect.BackoffMultiplier == 0 {
		c.Reconnect.BackoffMultiplier = reconnect.DefaultBackoffMultiplier
	}
	if c.Reconnect.AutoResubscribe == nil {
		v := true
		c.Reconnect.AutoResubscribe = &v
	}

	// WebSocket 默认配置
	if c.WS.OKX.URL == "" {
		c.WS.OKX.URL = "wss://ws.okx.com:8443/ws/v5/public"
	}
	if c.WS.OKX.PingIntervalMs == 0 {
		c.WS.OKX.PingIntervalMs = 25000 // 25 秒
	}
	if c.WS.OKX.PongTimeoutMs == 0 {
		c.WS.OKX.PongTimeoutMs = 10000 // 10 秒
	}
	if c.WS.Binance.URL == "" {
		c.WS.Binance.URL = "wss://fstream.binance.com/ws"
	}
	if c.WS.Binance.PingIntervalMs == 0 {
		c.WS.Binance.PingIntervalMs = 180000 // 3 分钟
	}
	if c.WS.Binance.ReadTimeoutMs == 0 {
		c.WS.Binance.ReadTimeoutMs = 30000 // 30 秒
	}

	for i := range c.Subscriptions.OKX {
		if c.Subscriptions.OKX[i].Channel == "" {
			c.Subscriptions.OKX[i].Channel = "books5"
		}
	}

	// 输出默认值
	if c.Output.Dir == "" {
		c.Output.Dir = "./output"
	}
	if c.Output.BufferSize == 0 {
		c.Output.BufferSize = 1000
	}
	if c.Output.SnapshotIntervalMs == 0 {
		c.Output.SnapshotIntervalMs = 10000 // 10 秒
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9100"
	}
}

// Validate 验证配置合法性
// 检查所有必填项和数值范围
// 返回: 若配置无效则返回描述性错误
func (c *Config) Validate() error {
	var errs []string

	errs = append(errs, c.Reconnect.validate()...)

	// 验证订阅配置
	if len(c.Subscriptions.OKX) == 0 && len(c.Subscriptions.Binance) == 0 {
		errs = append(errs, "subscriptions: 至少需要配置一个订阅")
	}
	for i, sub := range c.Subscriptions.OKX {
		if sub.InstID == "" {
			errs = append(errs, fmt.Sprintf("subscriptions.okx[%d].inst_id: 合约 ID 不能为空", i))
		}
	}
	for i, stream := range c.Subscriptions.Binance {
		if stream == "" || strings.ContainsAny(stream, " \t") {
			errs = append(errs, fmt.Sprintf("subscriptions.binance[%d]: 无效的流名称 '%s'", i, stream))
		}
	}

	// 验证 WebSocket 配置
	if len(c.Subscriptions.OKX) > 0 {
		errs = append(errs, validateWS("ws.okx", c.WS.OKX)...)
	}
	if len(c.Subscriptions.Binance) > 0 {
		errs = append(errs, validateWS("ws.binance", c.WS.Binance)...)
	}

	// 验证输出配置
	if c.Output.BufferSize <= 0 {
		errs = append(errs, "output.buffer_size: 缓冲区大小必须为正数")
	}
	if c.Output.SnapshotIntervalMs < 0 {
		errs = append(errs, "output.snapshot_interval_ms: 快照间隔不能为负数")
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		errs = append(errs, "metrics.listen_addr: 启用指标时监听地址不能为空")
	}

	// 验证日志级别
	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.App.LogLevel)] {
		errs = append(errs, fmt.Sprintf("app.log_level: 无效的日志级别 '%s'，有效值: debug, info, warn, error", c.App.LogLevel))
	}

	if len(errs) > 0 {
		return fmt.Errorf("配置验证错误:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// validate 验证重连策略
// 管理器本身不校验数值，非法策略在加载配置时拒绝
func (r *ReconnectConfig) validate() []string {
	var errs []string
	if r.MaxRetries != nil && *r.MaxRetries < reconnect.Unlimited {
		errs = append(errs, fmt.Sprintf("reconnect.max_retries: 必须 >= -1，当前值: %d", *r.MaxRetries))
	}
	if r.InitialDelayMs <= 0 {
		errs = append(errs, "reconnect.initial_delay_ms: 初始等待时间必须为正数")
	}
	if r.MaxDelayMs <= 0 {
		errs = append(errs, "reconnect.max_delay_ms: 最大等待时间必须为正数")
	}
	if r.MaxDelayMs < r.InitialDelayMs {
		errs = append(errs, "reconnect.max_delay_ms: 不能小于 initial_delay_ms")
	}
	if r.BackoffMultiplier < 1 {
		errs = append(errs, fmt.Sprintf("reconnect.backoff_multiplier: 必须 >= 1，当前值: %f", r.BackoffMultiplier))
	}
	if r.Jitter < 0 || r.Jitter >= 1 {
		errs = append(errs, fmt.Sprintf("reconnect.jitter: 必须在 [0, 1) 之间，当前值: %f", r.Jitter))
	}
	return errs
}

// validateWS 验证单个交易所的 WebSocket 配置
func validateWS(field string, ws ExchangeWSConfig) []string {
	var errs []string
	if !strings.HasPrefix(ws.URL, "ws://") && !strings.HasPrefix(ws.URL, "wss://") {
		errs = append(errs, fmt.Sprintf("%s.url: 无效的 WebSocket 地址 '%s'", field, ws.URL))
	}
	if ws.PingIntervalMs <= 0 {
		errs = append(errs, fmt.Sprintf("%s.ping_interval_ms: 心跳间隔必须为正数", field))
	}
	if ws.PongTimeoutMs < 0 || ws.ReadTimeoutMs < 0 {
		errs = append(errs, fmt.Sprintf("%s: 超时时间不能为负数", field))
	}
	return errs
}

// Policy 转换为重连管理器使用的策略
func (r *ReconnectConfig) Policy() reconnect.Config {
	cfg := reconnect.DefaultConfig()
	if r.MaxRetries != nil {
		cfg.MaxRetries = *r.MaxRetries
	}
	if r.InitialDelayMs > 0 {
		cfg.InitialDelay = time.Duration(r.InitialDelayMs) * time.Millisecond
	}
	if r.MaxDelayMs > 0 {
		cfg.MaxDelay = time.Duration(r.MaxDelayMs) * time.Millisecond
	}
	if r.BackoffMultiplier > 0 {
		cfg.BackoffMultiplier = r.BackoffMultiplier
	}
	if r.AutoResubscribe != nil {
		cfg.AutoResubscribe = *r.AutoResubscribe
	}
	cfg.Jitter = r.Jitter
	return cfg
}

// PingInterval 心跳间隔
func (w *ExchangeWSConfig) PingInterval() time.Duration {
	return time.Duration(w.PingIntervalMs) * time.Millisecond
}

// PongTimeout 心跳响应超时
func (w *ExchangeWSConfig) PongTimeout() time.Duration {
	return time.Duration(w.PongTimeoutMs) * time.Millisecond
}

// ReadTimeout 读取超时
func (w *ExchangeWSConfig) ReadTimeout() time.Duration {
	return time.Duration(w.ReadTimeoutMs) * time.Millisecond
}
