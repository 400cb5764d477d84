// Package binance 实现 Binance 交易所的 WebSocket 客户端。
// 连接地址: wss://fstream.binance.com/ws
// 订阅频道: depth5@100ms
// 心跳机制: 协议层 ping/pong
// 断线重连由 reconnect.Manager 负责，重连成功后重放全部已记录的流
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"exchange-gateway/internal/config"
	"exchange-gateway/internal/core/model"
	"exchange-gateway/internal/reconnect"
)

// DefaultName 默认连接名称
const DefaultName = "binance-futures"

// ErrNotConnected WebSocket 未连接
var ErrNotConnected = errors.New("Binance WebSocket 未连接")

// Client Binance WebSocket 客户端
type Client struct {
	// cfg WebSocket 配置
	cfg *config.ExchangeWSConfig
	// name 连接名称
	name string
	// logger 日志记录器
	logger *zap.Logger
	// parser 消息解析器
	parser *Parser
	// reconn 断线重连管理器
	reconn *reconnect.Manager

	// conn WebSocket 连接
	conn *websocket.Conn
	// connMu 连接锁
	connMu sync.Mutex
	// ready 新连接建立后通知读取循环
	ready chan struct{}

	// streams 已记录的流名称（小写，去重，保持顺序）
	streams []string
	// streamsMu 流列表锁
	streamsMu sync.Mutex
	// reqID 请求 ID
	reqID int64

	// bookCh 订单簿事件输出通道
	bookCh chan *model.BookEvent
	// onState 连接状态回调
	onState func(*model.ConnEvent)

	// metricsMu 指标锁
	metricsMu sync.RWMutex
	// updatesPerSec 每秒更新次数
	updatesPerSec float64

	// lastMsgTime 最后消息时间（纳秒）
	lastMsgTime int64
	// updateCount 更新计数（用于计算 QPS）
	updateCount int64
	// reconnectCount 断线次数
	reconnectCount int64
	// parseErrorCount 解析错误次数
	parseErrorCount int64
	// droppedCount bookCh 已满时丢弃的事件数
	droppedCount int64
	// closed 是否已关闭
	closed int32
	// closeCh 关闭通知
	closeCh chan struct{}

	// parseErrSampleCount 解析错误计数（用于采样日志）
	parseErrSampleCount uint64
	// lastParseErrLogNs 上次解析错误日志时间（纳秒）
	lastParseErrLogNs int64
}

// NewClient 创建 Binance WebSocket 客户端
// 参数 cfg: WebSocket 配置
// 参数 policy: 重连策略
// 参数 logger: 日志记录器
func NewClient(cfg *config.ExchangeWSConfig, policy reconnect.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		name:    DefaultName,
		logger:  logger.Named("binance"),
		parser:  NewParser(),
		reconn:  reconnect.New(DefaultName, logger),
		ready:   make(chan struct{}, 1),
		bookCh:  make(chan *model.BookEvent, 1000),
		closeCh: make(chan struct{}),
	}

	c.reconn.Configure(policy)
	c.reconn.SetConnectFunc(c.Connect)
	c.reconn.SetResubscribeFunc(c.resubscribe)
	c.reconn.SetOnReconnected(func() {
		c.emit(model.ConnReconnected, nil)
	})
	c.reconn.SetOnGiveUp(func(err error) {
		c.logger.Error("Binance 放弃重连", zap.Error(err))
		c.emit(model.ConnGaveUp, err)
	})
	return c
}

// Name 返回连接名称
func (c *Client) Name() string {
	return c.name
}

// Reconnector 返回重连管理器
func (c *Client) Reconnector() *reconnect.Manager {
	return c.reconn
}

// SetStateHandler 设置连接状态回调，必须在 Start 之前调用
// ConnReconnected 在重连 goroutine 退出后投递，回调中可以调用 Close
func (c *Client) SetStateHandler(f func(*model.ConnEvent)) {
	c.onState = f
}

// Start 首次连接，失败时转入后台重连
func (c *Client) Start(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("Binance 首次连接失败，转入后台重连", zap.Error(err))
		c.emit(model.ConnDisconnected, err)
		c.reconn.OnDisconnected()
		return err
	}
	return nil
}

// Connect 建立 WebSocket 连接
// 同时作为重连管理器的连接函数
// 参数 ctx: 上下文，用于取消连接
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrNotConnected
	}

	header := http.Header{}
	header.Set("User-Agent", "exchange-gateway/1.0")
	header.Set("Origin", "https://www.binance.com")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("连接 Binance WebSocket 失败: %w", err)
	}

	if readTimeout := c.cfg.ReadTimeout(); readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			atomic.StoreInt64(&c.lastMsgTime, time.Now().UnixNano())
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	c.connMu.Lock()
	if atomic.LoadInt32(&c.closed) == 1 {
		// 拨号期间客户端已关闭
		c.connMu.Unlock()
		conn.Close()
		return ErrNotConnected
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info("Binance WebSocket 连接成功", zap.String("url", c.cfg.URL))

	if !c.reconn.IsReconnecting() {
		c.emit(model.ConnConnected, nil)
		if err := c.resubscribe(); err != nil {
			c.logger.Error("Binance 发送订阅失败", zap.Error(err))
		}
	}
	c.reconn.OnConnected()

	// 管理器确认后才唤醒 readLoop，确认前发生的断线由管理器在序列退出后补发
	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe 订阅行情流，如 btcusdt@depth5@100ms
// 流名称被记录并在每次重连后重放
func (c *Client) Subscribe(streams ...string) error {
	c.streamsMu.Lock()
	added := make([]string, 0, len(streams))
	for _, s := range streams {
		s = strings.ToLower(s)
		if slices.Contains(c.streams, s) {
			continue
		}
		c.streams = append(c.streams, s)
		added = append(added, s)
	}
	c.streamsMu.Unlock()

	if len(added) == 0 {
		return nil
	}

	err := c.send("SUBSCRIBE", added)
	if errors.Is(err, ErrNotConnected) {
		c.logger.Debug("Binance 未连接，订阅已记录", zap.Strings("streams", added))
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Info("Binance 订阅请求已发送", zap.Strings("streams", added))
	return nil
}

// Unsubscribe 取消订阅并从重放列表中移除
func (c *Client) Unsubscribe(streams ...string) error {
	c.streamsMu.Lock()
	removed := make([]string, 0, len(streams))
	for _, s := range streams {
		s = strings.ToLower(s)
		if i := slices.Index(c.streams, s); i >= 0 {
			c.streams = slices.Delete(c.streams, i, i+1)
			removed = append(removed, s)
		}
	}
	c.streamsMu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	err := c.send("UNSUBSCRIBE", removed)
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Subscriptions 返回已记录流名称的副本
func (c *Client) Subscriptions() []string {
	c.streamsMu.Lock()
	defer c.streamsMu.Unlock()
	return slices.Clone(c.streams)
}

// resubscribe 重放全部已记录的流
func (c *Client) resubscribe() error {
	streams := c.Subscriptions()
	if len(streams) == 0 {
		return nil
	}
	if err := c.send("SUBSCRIBE", streams); err != nil {
		return fmt.Errorf("Binance 重新订阅失败: %w", err)
	}
	c.logger.Info("Binance 已重新订阅", zap.Int("streams", len(streams)))
	return nil
}

func (c *Client) send(method string, params []string) error {
	req := SubscribeRequest{
		Method: method,
		Params: params,
		ID:     atomic.AddInt64(&c.reqID, 1),
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("序列化订阅请求失败: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("发送订阅请求失败: %w", err)
	}
	return nil
}

// Run 启动客户端主循环
// 包含读取循环、ping 循环和指标统计；返回时关闭 bookCh
func (c *Client) Run(ctx context.Context) {
	defer close(c.bookCh)

	go c.pingLoop(ctx)
	go c.metricsLoop(ctx)
	c.readLoop(ctx)
}

func (c *Client) readLoop(ctx context.Context) {
	readTimeout := c.cfg.ReadTimeout()
	for {
		if ctx.Err() != nil || atomic.LoadInt32(&c.closed) == 1 {
			return
		}

		conn := c.currentConn()
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-c.closeCh:
				return
			case <-c.ready:
			}
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if atomic.LoadInt32(&c.closed) == 1 {
				return
			}
			c.logger.Warn("读取 Binance 消息失败", zap.Error(err))
			c.dropConn(conn, err)
			continue
		}

		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}

		atomic.StoreInt64(&c.lastMsgTime, time.Now().UnixNano())

		if resp, ok := ParseSubscribeResponse(data); ok {
			if resp.Error != nil {
				c.logger.Warn("Binance 订阅失败", zap.Int("code", resp.Error.Code), zap.String("msg", resp.Error.Msg))
			}
			continue
		}

		events, err := c.parser.Parse(data)
		if err != nil {
			atomic.AddInt64(&c.parseErrorCount, 1)
			c.maybeLogParseError(err, data)
			continue
		}

		for _, event := range events {
			atomic.AddInt64(&c.updateCount, 1)
			select {
			case c.bookCh <- event:
			default:
				atomic.AddInt64(&c.droppedCount, 1)
				c.logger.Warn("Binance bookCh 已满，丢弃事件")
			}
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	interval := c.cfg.PingInterval()
	if interval <= 0 {
		interval = c.cfg.ReadTimeout() / 2
		if interval <= 0 {
			interval = 15 * time.Second
		}
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			c.connMu.Lock()
			conn := c.conn
			if conn == nil {
				c.connMu.Unlock()
				continue
			}

			deadline := time.Now().Add(5 * time.Second)
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
			c.connMu.Unlock()
			if err != nil {
				c.logger.Warn("发送 Binance ping 失败", zap.Error(err))
				c.dropConn(conn, err)
			}
		}
	}
}

func (c *Client) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var lastCount int64

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		case <-ticker.C:
			count := atomic.LoadInt64(&c.updateCount)
			c.metricsMu.Lock()
			c.updatesPerSec = float64(count - lastCount)
			c.metricsMu.Unlock()
			lastCount = count
		}
	}
}

// dropConn 关闭指定连接并通知重连管理器
func (c *Client) dropConn(conn *websocket.Conn, cause error) {
	c.connMu.Lock()
	if c.conn != conn {
		c.connMu.Unlock()
		return
	}
	c.conn.Close()
	c.conn = nil
	c.connMu.Unlock()

	if atomic.LoadInt32(&c.closed) == 1 {
		return
	}
	atomic.AddInt64(&c.reconnectCount, 1)
	c.emit(model.ConnDisconnected, cause)
	c.reconn.OnDisconnected()
}

func (c *Client) currentConn() *websocket.Conn {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	return c.conn
}

func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close 关闭客户端
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.closeCh)
	c.reconn.Stop()
	c.closeConn()
	c.logger.Info("Binance 客户端已关闭")
	return nil
}

// BookCh 获取订单簿事件通道
func (c *Client) BookCh() <-chan *model.BookEvent {
	return c.bookCh
}

// Connected 是否持有可用连接
func (c *Client) Connected() bool {
	return c.currentConn() != nil
}

// Dropped bookCh 已满时丢弃的事件数
func (c *Client) Dropped() int64 {
	return atomic.LoadInt64(&c.droppedCount)
}

// Metrics 获取连接指标快照
func (c *Client) Metrics() model.ConnSnapshot {
	now := time.Now()
	var ageMs int64
	if lastMsg := atomic.LoadInt64(&c.lastMsgTime); lastMsg > 0 {
		ageMs = (now.UnixNano() - lastMsg) / 1_000_000
	}

	c.metricsMu.RLock()
	qps := c.updatesPerSec
	c.metricsMu.RUnlock()

	return model.ConnSnapshot{
		Conn:             c.name,
		Reconnecting:     c.reconn.IsReconnecting(),
		ReconnectCount:   atomic.LoadInt64(&c.reconnectCount),
		ParseErrorCount:  atomic.LoadInt64(&c.parseErrorCount),
		UpdatesPerSec:    qps,
		LastMessageAgeMs: ageMs,
		Subscriptions:    len(c.Subscriptions()),
		TsUnixMs:         now.UnixMilli(),
	}
}

func (c *Client) emit(kind model.ConnEventKind, err error) {
	if c.onState != nil {
		c.onState(model.NewConnEvent(c.name, kind, err))
	}
}

// maybeLogParseError 采样记录解析错误原始消息
// 每 100 次错误记录 1 条，且至少间隔 1 分钟
func (c *Client) maybeLogParseError(err error, data []byte) {
	count := atomic.AddUint64(&c.parseErrSampleCount, 1)
	if count%100 != 1 {
		return
	}

	nowNs := time.Now().UnixNano()
	last := atomic.LoadInt64(&c.lastParseErrLogNs)
	if last > 0 && nowNs-last < int64(time.Minute) {
		return
	}
	atomic.StoreInt64(&c.lastParseErrLogNs, nowNs)

	sample := data
	if len(sample) > 200 {
		sample = sample[:200]
	}
	c.logger.Warn("解析 Binance 消息失败（采样）", zap.Error(err), zap.ByteString("data", sample))
}
