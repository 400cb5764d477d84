// Package okx 实现 OKX 交易所的 WebSocket 客户端。
// 连接地址: wss://ws.okx.com:8443/ws/v5/public
// 订阅频道: books5（以及 bbo-tbt、books）
// 心跳机制: 文本 ping/pong，25秒间隔，10秒超时
// 断线重连由 reconnect.Manager 负责，重连成功后重放全部已记录的订阅
package okx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
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
const DefaultName = "okx-public"

var (
	// ErrNotConnected WebSocket 未连接
	ErrNotConnected = errors.New("OKX WebSocket 未连接")
	// errPongTimeout 心跳超时
	errPongTimeout = errors.New("OKX 心跳超时")
)

// Client OKX WebSocket 客户端
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
	// connMu 连接锁，同时串行化写入
	connMu sync.Mutex
	// ready 新连接建立后通知读取循环
	ready chan struct{}

	// subs 已记录的订阅（去重，保持顺序）
	subs []SubscribeArg
	// subsMu 订阅锁
	subsMu sync.Mutex

	// bookCh 订单簿事件输出通道
	bookCh chan *model.BookEvent
	// onState 连接状态回调
	onState func(*model.ConnEvent)

	// lastMsgTime 最后消息时间
	lastMsgTime int64
	// lastPingSentNs 上次发送 ping 的时间（纳秒）
	lastPingSentNs int64
	// lastPongRecvNs 上次收到 pong 的时间（纳秒）
	lastPongRecvNs int64
	// updateCount 更新计数（用于计算 QPS）
	updateCount int64
	// reconnectCount 断线次数
	reconnectCount int64
	// parseErrorCount 解析错误次数
	parseErrorCount int64
	// droppedCount bookCh 已满时丢弃的事件数
	droppedCount int64
	// updatesPerSec 每秒更新次数
	updatesPerSec float64
	// metricsMu 指标锁
	metricsMu sync.RWMutex
	// rttMs 最近一次 ping/pong RTT
	rttMs int64

	// closed 是否已关闭
	closed int32
	// closeCh 关闭通知
	closeCh chan struct{}

	// parseErrSampleCount 解析错误计数（用于采样日志）
	parseErrSampleCount uint64
	// lastParseErrLogNs 上次解析错误日志时间（纳秒）
	lastParseErrLogNs int64
}

// NewClient 创建 OKX WebSocket 客户端
// 参数 cfg: WebSocket 配置
// 参数 policy: 重连策略
// 参数 logger: 日志记录器
func NewClient(cfg *config.ExchangeWSConfig, policy reconnect.Config, logger *zap.Logger) *Client {
	return NewNamedClient(DefaultName, cfg, policy, logger)
}

// NewNamedClient 创建指定连接名称的客户端，同一交易所多条连接时使用
func NewNamedClient(name string, cfg *config.ExchangeWSConfig, policy reconnect.Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		cfg:     cfg,
		name:    name,
		logger:  logger.Named("okx").With(zap.String("conn", name)),
		parser:  NewParser(),
		reconn:  reconnect.New(name, logger),
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
		c.logger.Error("OKX 放弃重连", zap.Error(err))
		c.emit(model.ConnGaveUp, err)
	})
	return c
}

// Name 返回连接名称
func (c *Client) Name() string {
	return c.name
}

// Reconnector 返回重连管理器，用于设置观察者或手动控制
func (c *Client) Reconnector() *reconnect.Manager {
	return c.reconn
}

// SetStateHandler 设置连接状态回调
// 必须在 Start 之前调用；回调在连接或重连 goroutine 中同步执行，可以在回调中调用 Close
func (c *Client) SetStateHandler(f func(*model.ConnEvent)) {
	c.onState = f
}

// Start 首次连接
// 失败时交给重连管理器在后台重试，返回首次连接的错误仅用于记录
func (c *Client) Start(ctx context.Context) error {
	if err := c.Connect(ctx); err != nil {
		c.logger.Warn("OKX 首次连接失败，转入后台重连", zap.Error(err))
		c.emit(model.ConnDisconnected, err)
		c.reconn.OnDisconnected()
		return err
	}
	return nil
}

// Connect 建立 WebSocket 连接
// 同时作为重连管理器的连接函数；成功后通知管理器
// 参数 ctx: 上下文，用于取消连接
func (c *Client) Connect(ctx context.Context) error {
	if atomic.LoadInt32(&c.closed) == 1 {
		return ErrNotConnected
	}

	header := http.Header{}
	header.Set("Origin", "https://www.okx.com")
	header.Set("User-Agent", "exchange-gateway/1.0")

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("连接 OKX WebSocket 失败: %w", err)
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

	atomic.StoreInt64(&c.lastPingSentNs, 0)
	atomic.StoreInt64(&c.lastPongRecvNs, 0)
	c.logger.Info("OKX WebSocket 连接成功", zap.String("url", c.cfg.URL))

	// 不持有 connMu：重新订阅需要写连接
	if !c.reconn.IsReconnecting() {
		c.emit(model.ConnConnected, nil)
		c.sendRecorded()
	}
	c.reconn.OnConnected()

	// 管理器确认后才唤醒 readLoop，确认前发生的断线由管理器在序列退出后补发
	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe 订阅频道
// 订阅被记录并在每次重连后重放；已连接时立即发送新增部分
func (c *Client) Subscribe(args ...SubscribeArg) error {
	c.subsMu.Lock()
	added := make([]SubscribeArg, 0, len(args))
	for _, a := range args {
		if a.Channel == "" {
			a.Channel = "books5"
		}
		if c.hasSub(a) {
			continue
		}
		c.subs = append(c.subs, a)
		added = append(added, a)
	}
	c.subsMu.Unlock()

	if len(added) == 0 {
		return nil
	}

	err := c.send(SubscribeRequest{Op: "subscribe", Args: added})
	if errors.Is(err, ErrNotConnected) {
		// 连接建立后统一发送
		c.logger.Debug("OKX 未连接，订阅已记录", zap.Int("args", len(added)))
		return nil
	}
	if err != nil {
		return err
	}
	c.logger.Info("OKX 订阅请求已发送", zap.Int("args", len(added)))
	return nil
}

// Unsubscribe 取消订阅，并从重放列表中移除
func (c *Client) Unsubscribe(args ...SubscribeArg) error {
	c.subsMu.Lock()
	removed := make([]SubscribeArg, 0, len(args))
	for _, a := range args {
		if a.Channel == "" {
			a.Channel = "books5"
		}
		for i, s := range c.subs {
			if s.key() == a.key() {
				c.subs = append(c.subs[:i], c.subs[i+1:]...)
				removed = append(removed, a)
				break
			}
		}
	}
	c.subsMu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	err := c.send(SubscribeRequest{Op: "unsubscribe", Args: removed})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Subscriptions 返回已记录订阅的副本
func (c *Client) Subscriptions() []SubscribeArg {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	return append([]SubscribeArg(nil), c.subs...)
}

func (c *Client) hasSub(a SubscribeArg) bool {
	for _, s := range c.subs {
		if s.key() == a.key() {
			return true
		}
	}
	return false
}

// resubscribe 重放全部已记录的订阅
func (c *Client) resubscribe() error {
	subs := c.Subscriptions()
	if len(subs) == 0 {
		return nil
	}
	if err := c.send(SubscribeRequest{Op: "subscribe", Args: subs}); err != nil {
		return fmt.Errorf("OKX 重新订阅失败: %w", err)
	}
	c.logger.Info("OKX 已重新订阅", zap.Int("args", len(subs)))
	return nil
}

// sendRecorded 首次连接时发送已记录的订阅
func (c *Client) sendRecorded() {
	if err := c.resubscribe(); err != nil {
		c.logger.Error("OKX 发送订阅失败", zap.Error(err))
	}
}

// send 序列化并发送请求
func (c *Client) send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("序列化请求失败: %w", err)
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	return nil
}

// Run 启动客户端主循环
// 包含读取循环、心跳循环和指标统计；返回时关闭 bookCh
func (c *Client) Run(ctx context.Context) {
	defer close(c.bookCh)

	go c.heartbeatLoop(ctx)
	go c.metricsLoop(ctx)

	c.readLoop(ctx)
}

// readLoop 读取循环
// 读取失败时关闭连接并通知重连管理器，然后等待新连接
func (c *Client) readLoop(ctx context.Context) {
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
			c.logger.Warn("读取 OKX 消息失败", zap.Error(err))
			c.dropConn(conn, err)
			continue
		}

		nowNs := time.Now().UnixNano()
		atomic.StoreInt64(&c.lastMsgTime, nowNs)

		if IsPong(data) {
			atomic.StoreInt64(&c.lastPongRecvNs, nowNs)
			if lastPing := atomic.LoadInt64(&c.lastPingSentNs); lastPing > 0 {
				atomic.StoreInt64(&c.rttMs, (nowNs-lastPing)/1_000_000)
			}
			continue
		}

		if resp, ok := ParseSubscribeResponse(data); ok {
			if resp.Event == "error" {
				c.logger.Warn("OKX 订阅失败", zap.String("code", resp.Code), zap.String("msg", resp.Msg))
			} else {
				c.logger.Debug("收到订阅响应", zap.ByteString("data", data))
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
				c.logger.Warn("OKX bookCh 已满，丢弃事件")
			}
		}
	}
}

// heartbeatLoop 心跳循环
// 每个间隔先检查上一次 ping 是否超时，再发送新的 ping
func (c *Client) heartbeatLoop(ctx context.Context) {
	interval := c.cfg.PingInterval()
	if interval <= 0 {
		interval = 25 * time.Second
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
			conn := c.currentConn()
			if conn == nil {
				continue
			}

			lastPing := atomic.LoadInt64(&c.lastPingSentNs)
			lastPong := atomic.LoadInt64(&c.lastPongRecvNs)
			if lastPing > 0 && lastPong < lastPing &&
				time.Now().UnixNano()-lastPing > c.cfg.PongTimeout().Nanoseconds() {
				c.logger.Warn("OKX 心跳超时，触发重连")
				c.dropConn(conn, errPongTimeout)
				continue
			}

			// gorilla/websocket 不允许并发多写者，这里用 connMu 串行化写入
			c.connMu.Lock()
			if c.conn != conn {
				c.connMu.Unlock()
				continue
			}
			pingTime := time.Now().UnixNano()
			err := conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			c.connMu.Unlock()
			if err != nil {
				c.logger.Warn("发送 OKX ping 失败", zap.Error(err))
				continue
			}
			atomic.StoreInt64(&c.lastPingSentNs, pingTime)
		}
	}
}

// metricsLoop 指标统计循环
// 每秒计算 QPS
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
// 连接已被替换或关闭时不重复通知
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

// closeConn 关闭连接
func (c *Client) closeConn() {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// Close 关闭客户端
// 先停止重连管理器（等待重连 goroutine 退出），再关闭连接
func (c *Client) Close() error {
	if !atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		return nil
	}
	close(c.closeCh)
	c.reconn.Stop()
	c.closeConn()
	c.logger.Info("OKX 客户端已关闭")
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

	c.subsMu.Lock()
	subs := len(c.subs)
	c.subsMu.Unlock()

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
		WsRttMs:          atomic.LoadInt64(&c.rttMs),
		Subscriptions:    subs,
		TsUnixMs:         now.UnixMilli(),
	}
}

func (c *Client) emit(kind model.ConnEventKind, err error) {
	if c.onState != nil {
		c.onState(model.NewConnEvent(c.name, kind, err))
	}
}

// maybeLogParseError 采样记录解析错误原始消息，避免刷盘
// 采样策略：每 100 次错误记录 1 条，且同一类日志至少间隔 1 分钟。
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
	c.logger.Warn("解析 OKX 消息失败（采样）", zap.Error(err), zap.ByteString("data", sample), zap.Uint64("count", count))
}
