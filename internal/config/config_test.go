// Package config 配置模块测试
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"exchange-gateway/internal/reconnect"
)

func intPtr(v int) *int    { return &v }
func boolPtr(v bool) *bool { return &v }

// TestConfigValidation_ReconnectPolicy 测试重连策略验证
func TestConfigValidation_ReconnectPolicy(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	// 属性: max_retries < -1 应验证失败
	properties.Property("重试次数小于 -1 应验证失败", prop.ForAll(
		func(n int) bool {
			cfg := createValidConfig()
			cfg.Reconnect.MaxRetries = intPtr(n)
			return cfg.Validate() != nil
		},
		gen.IntRange(-1000, -2),
	))

	// 属性: max_retries >= -1 应验证通过
	properties.Property("重试次数 >= -1 应通过验证", prop.ForAll(
		func(n int) bool {
			cfg := createValidConfig()
			cfg.Reconnect.MaxRetries = intPtr(n)
			return cfg.Validate() == nil
		},
		gen.IntRange(-1, 1000),
	))

	// 属性: 倍数 < 1 应验证失败
	properties.Property("退避倍数小于 1 应验证失败", prop.ForAll(
		func(m float64) bool {
			cfg := createValidConfig()
			cfg.Reconnect.BackoffMultiplier = m
			return cfg.Validate() != nil
		},
		gen.Float64Range(-10, 0.9999),
	))

	// 属性: 最大等待小于初始等待应验证失败
	properties.Property("最大等待时间小于初始等待时间应验证失败", prop.ForAll(
		func(initial int) bool {
			cfg := createValidConfig()
			cfg.Reconnect.InitialDelayMs = initial
			cfg.Reconnect.MaxDelayMs = initial - 1
			return cfg.Validate() != nil
		},
		gen.IntRange(2, 100000),
	))

	// 属性: 抖动不在 [0, 1) 应验证失败
	properties.Property("抖动超出范围应验证失败", prop.ForAll(
		func(j float64) bool {
			cfg := createValidConfig()
			cfg.Reconnect.Jitter = j
			return cfg.Validate() != nil
		},
		gen.OneGenOf(
			gen.Float64Range(-10, -0.0001),
			gen.Float64Range(1, 10),
		),
	))

	properties.TestingRun(t)
}

// TestConfigValidation_ValidConfig 测试有效配置应通过验证
func TestConfigValidation_ValidConfig(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("有效配置应通过验证", prop.ForAll(
		func(retries, initial, extra int, mult, jitter float64) bool {
			cfg := createValidConfig()
			cfg.Reconnect.MaxRetries = intPtr(retries)
			cfg.Reconnect.InitialDelayMs = initial
			cfg.Reconnect.MaxDelayMs = initial + extra
			cfg.Reconnect.BackoffMultiplier = mult
			cfg.Reconnect.Jitter = jitter
			return cfg.Validate() == nil
		},
		gen.IntRange(-1, 100),
		gen.IntRange(1, 10000),
		gen.IntRange(0, 100000),
		gen.Float64Range(1, 10),
		gen.Float64Range(0, 0.99),
	))

	properties.TestingRun(t)
}

// TestConfigValidation_Subscriptions 测试订阅配置验证
func TestConfigValidation_Subscriptions(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name: "无任何订阅",
			mutate: func(c *Config) {
				c.Subscriptions = SubscriptionsConfig{}
			},
			wantErr: true,
		},
		{
			name: "OKX 合约 ID 为空",
			mutate: func(c *Config) {
				c.Subscriptions.OKX = []OKXSubscription{{Channel: "books5"}}
			},
			wantErr: true,
		},
		{
			name: "Binance 流名称含空格",
			mutate: func(c *Config) {
				c.Subscriptions.Binance = []string{"btcusdt @depth5"}
			},
			wantErr: true,
		},
		{
			name: "只订阅 Binance 时不检查 OKX 地址",
			mutate: func(c *Config) {
				c.Subscriptions.OKX = nil
				c.WS.OKX.URL = ""
			},
			wantErr: false,
		},
		{
			name: "OKX 地址不是 WebSocket",
			mutate: func(c *Config) {
				c.WS.OKX.URL = "https://www.okx.com"
			},
			wantErr: true,
		},
		{
			name: "无效日志级别",
			mutate: func(c *Config) {
				c.App.LogLevel = "verbose"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestReconnectConfig_Policy 测试转换为重连策略
func TestReconnectConfig_Policy(t *testing.T) {
	r := ReconnectConfig{
		MaxRetries:        intPtr(5),
		InitialDelayMs:    200,
		MaxDelayMs:        5000,
		BackoffMultiplier: 1.5,
		AutoResubscribe:   boolPtr(false),
		Jitter:            0.1,
	}

	got := r.Policy()
	want := reconnect.Config{
		MaxRetries:        5,
		InitialDelay:      200 * time.Millisecond,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 1.5,
		AutoResubscribe:   false,
		Jitter:            0.1,
	}
	if got != want {
		t.Errorf("Policy() = %+v, want %+v", got, want)
	}

	// 未配置时使用默认策略
	var empty ReconnectConfig
	if got := empty.Policy(); got != reconnect.DefaultConfig() {
		t.Errorf("空配置 Policy() = %+v, want %+v", got, reconnect.DefaultConfig())
	}
}

// createValidConfig 创建一个有效的配置用于测试
func createValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:     "test",
			LogLevel: "info",
		},
		Reconnect: ReconnectConfig{
			MaxRetries:        intPtr(reconnect.Unlimited),
			InitialDelayMs:    1000,
			MaxDelayMs:        30000,
			BackoffMultiplier: 2,
			AutoResubscribe:   boolPtr(true),
		},
		WS: WSConfig{
			OKX: ExchangeWSConfig{
				URL:            "wss://ws.okx.com:8443/ws/v5/public",
				PingIntervalMs: 25000,
				PongTimeoutMs:  10000,
			},
			Binance: ExchangeWSConfig{
				URL:            "wss://fstream.binance.com/ws",
				PingIntervalMs: 180000,
				ReadTimeoutMs:  30000,
			},
		},
		Subscriptions: SubscriptionsConfig{
			OKX:     []OKXSubscription{{Channel: "books5", InstID: "BTC-USDT-SWAP"}},
			Binance: []string{"btcusdt@depth5@100ms"},
		},
		Output: OutputConfig{
			Enabled:            true,
			Dir:                "./output",
			BufferSize:         1000,
			SnapshotIntervalMs: 10000,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			ListenAddr: ":9100",
		},
	}
}

// TestLoad_ValidFile 测试从有效文件加载配置
func TestLoad_ValidFile(t *testing.T) {
	content := `
app:
  name: test-gateway
  log_level: debug

reconnect:
  max_retries: 0
  initial_delay_ms: 500
  max_delay_ms: 8000
  backoff_multiplier: 3
  auto_resubscribe: false

ws:
  okx:
    url: wss://ws.okx.com:8443/ws/v5/public
    ping_interval_ms: 25000
    pong_timeout_ms: 10000
  binance:
    url: wss://fstream.binance.com/ws
    read_timeout_ms: 30000

subscriptions:
  okx:
    - inst_id: BTC-USDT-SWAP
    - channel: books5
      inst_id: ETH-USDT-SWAP
  binance:
    - btcusdt@depth5@100ms

output:
  enabled: true
  dir: ./output

metrics:
  enabled: true
  listen_addr: 127.0.0.1:9200
`
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(tmpFile, []byte(content), 0644); err != nil {
		t.Fatalf("创建临时文件失败: %v", err)
	}

	cfg, err := Load(tmpFile)
	if err != nil {
		t.Fatalf("加载配置失败: %v", err)
	}

	if cfg.App.Name != "test-gateway" {
		t.Errorf("App.Name = %s, want test-gateway", cfg.App.Name)
	}
	// 显式配置为 0 不应被默认值覆盖
	if *cfg.Reconnect.MaxRetries != 0 {
		t.Errorf("Reconnect.MaxRetries = %d, want 0", *cfg.Reconnect.MaxRetries)
	}
	if *cfg.Reconnect.AutoResubscribe {
		t.Error("Reconnect.AutoResubscribe 应为 false")
	}
	if len(cfg.Subscriptions.OKX) != 2 {
		t.Fatalf("len(Subscriptions.OKX) = %d, want 2", len(cfg.Subscriptions.OKX))
	}
	if cfg.Subscriptions.OKX[0].Channel != "books5" {
		t.Errorf("默认频道 = %s, want books5", cfg.Subscriptions.OKX[0].Channel)
	}
	if cfg.WS.Binance.PingIntervalMs != 180000 {
		t.Errorf("WS.Binance.PingIntervalMs = %d, want 180000", cfg.WS.Binance.PingIntervalMs)
	}
	if cfg.Output.BufferSize != 1000 {
		t.Errorf("Output.BufferSize = %d, want 1000", cfg.Output.BufferSize)
	}
	if cfg.Metrics.ListenAddr != "127.0.0.1:9200" {
		t.Errorf("Metrics.ListenAddr = %s", cfg.Metrics.ListenAddr)
	}

	p := cfg.Reconnect.Policy()
	if p.MaxRetries != 0 || p.InitialDelay != 500*time.Millisecond || p.MaxDelay != 8*time.Second || p.BackoffMultiplier != 3 {
		t.Errorf("Policy() = %+v", p)
	}
}

// TestParse_Defaults 测试最小配置的默认值
func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("subscriptions:\n  binance: [ethusdt@depth5]\n"))
	if err != nil {
		t.Fatalf("解析配置失败: %v", err)
	}
	if got := cfg.Reconnect.Policy(); got != reconnect.DefaultConfig() {
		t.Errorf("默认策略 = %+v, want %+v", got, reconnect.DefaultConfig())
	}
	if cfg.App.LogLevel != "info" {
		t.Errorf("App.LogLevel = %s, want info", cfg.App.LogLevel)
	}
	if cfg.WS.Binance.ReadTimeout() != 30*time.Second {
		t.Errorf("ReadTimeout() = %v, want 30s", cfg.WS.Binance.ReadTimeout())
	}
}

// TestLoad_InvalidFile 测试加载无效文件
func TestLoad_InvalidFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("加载不存在的文件应返回错误")
	}
}

// TestLoad_InvalidYAML 测试加载无效 YAML
func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	tmpFile := filepath.Join(tmpDir, "invalid.yaml")
	if err := os.WriteFile(tmpFile, []byte("invalid: yaml: content:"), 0644); err != nil {
		t.Fatalf("创建临时文件失败: %v", err)
	}

	_, err := Load(tmpFile)
	if err == nil {
		t.Error("加载无效 YAML 应返回错误")
	}
}
