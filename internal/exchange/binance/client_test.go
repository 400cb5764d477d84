package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"

	"exchange-gateway/internal/config"
	"exchange-gateway/internal/core/model"
	"exchange-gateway/internal/reconnect"
)

// mockStreamServer 模拟 Binance 行情服务器
// 每个 SUBSCRIBE 请求先应答，再为每个流推送一条 depthUpdate（u 为连接序号）
type mockStreamServer struct {
	*httptest.Server

	mu       sync.Mutex
	conns    int
	requests map[int][]SubscribeRequest
	// dropAfterFirst 第一条连接推送后立即断开
	dropAfterFirst bool
	// hangUp 前 hangUp 条连接握手后立即断开
	hangUp int
}

func newMockStreamServer(t *testing.T, dropAfterFirst bool) *mockStreamServer {
	return startMockStreamServer(t, &mockStreamServer{dropAfterFirst: dropAfterFirst})
}

func startMockStreamServer(t *testing.T, s *mockStreamServer) *mockStreamServer {
	s.requests = make(map[int][]SubscribeRequest)
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()

		s.mu.Lock()
		s.conns++
		id := s.conns
		s.mu.Unlock()

		if id <= s.hangUp {
			return
		}
		s.serve(id, conn)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *mockStreamServer) serve(id int, conn *websocket.Conn) {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req SubscribeRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			continue
		}
		s.mu.Lock()
		s.requests[id] = append(s.requests[id], req)
		s.mu.Unlock()

		_ = conn.WriteMessage(websocket.TextMessage, []byte(fmt.Sprintf(`{"result":null,"id":%d}`, req.ID)))
		if req.Method != "SUBSCRIBE" {
			continue
		}
		for _, stream := range req.Params {
			symbol := strings.ToUpper(strings.SplitN(stream, "@", 2)[0])
			update := fmt.Sprintf(`{"e":"depthUpdate","E":1700000000000,"s":"%s","u":%d,"b":[["100.1","1"]],"a":[["100.2","1"]]}`, symbol, id)
			_ = conn.WriteMessage(websocket.TextMessage, []byte(update))
		}
		if s.dropAfterFirst && id == 1 {
			return
		}
	}
}

func (s *mockStreamServer) paramsOf(id int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var params []string
	for _, req := range s.requests[id] {
		if req.Method == "SUBSCRIBE" {
			params = append(params, req.Params...)
		}
	}
	return params
}

func testPolicy() reconnect.Config {
	return reconnect.Config{
		MaxRetries:        reconnect.Unlimited,
		InitialDelay:      10 * time.Millisecond,
		MaxDelay:          50 * time.Millisecond,
		BackoffMultiplier: 2,
		AutoResubscribe:   true,
	}
}

func newTestClient(t *testing.T, url string, opts ...zap.Option) *Client {
	t.Helper()
	cfg := &config.ExchangeWSConfig{
		URL:            url,
		PingIntervalMs: 60000,
		ReadTimeoutMs:  30000,
	}
	c := NewClient(cfg, testPolicy(), zaptest.NewLogger(t, zaptest.WrapOptions(opts...)))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func recvBook(t *testing.T, ch <-chan *model.BookEvent) *model.BookEvent {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "bookCh 已关闭")
		return e
	case <-time.After(3 * time.Second):
		t.Fatal("等待行情超时")
		return nil
	}
}

func TestClient_ReconnectReplaysStreams(t *testing.T) {
	server := newMockStreamServer(t, true)
	c := newTestClient(t, "ws"+strings.TrimPrefix(server.URL, "http"))

	var mu sync.Mutex
	var kinds []model.ConnEventKind
	c.SetStateHandler(func(e *model.ConnEvent) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Subscribe("BTCUSDT@depth5@100ms", "ethusdt@depth5@100ms"))
	go c.Run(ctx)

	seen := map[string]int64{}
	for i := 0; i < 4; i++ {
		e := recvBook(t, c.BookCh())
		if e.Seq > seen[e.SymbolCanon] {
			seen[e.SymbolCanon] = e.Seq
		}
	}
	assert.Equal(t, map[string]int64{"BTCUSDT": 2, "ETHUSDT": 2}, seen, "两个流都应在新连接上恢复")

	// 流名称统一为小写并在新连接上一次性重放
	assert.Equal(t, []string{"btcusdt@depth5@100ms", "ethusdt@depth5@100ms"}, server.paramsOf(2))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3 && kinds[2] == model.ConnReconnected
	}, 2*time.Second, 5*time.Millisecond)

	m := c.Metrics()
	assert.False(t, m.Reconnecting)
	assert.EqualValues(t, 1, m.ReconnectCount)
	assert.Equal(t, 2, m.Subscriptions)
}

func TestClient_NoResubscribeWhenDisabled(t *testing.T) {
	server := newMockStreamServer(t, true)
	cfg := &config.ExchangeWSConfig{
		URL:            "ws" + strings.TrimPrefix(server.URL, "http"),
		PingIntervalMs: 60000,
	}
	policy := testPolicy()
	policy.AutoResubscribe = false
	c := NewClient(cfg, policy, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Subscribe("btcusdt@depth5@100ms"))
	go c.Run(ctx)

	recvBook(t, c.BookCh())
	require.Eventually(t, func() bool {
		return c.Metrics().ReconnectCount == 1 && c.Connected() && !c.Reconnector().IsReconnecting()
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, server.paramsOf(2), "关闭自动重新订阅后不应重放")
}

func TestClient_StreamBookkeeping(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1")

	require.NoError(t, c.Subscribe("BTCUSDT@depth5@100ms", "btcusdt@depth5@100ms", "solusdt@bookTicker"))
	assert.Equal(t, []string{"btcusdt@depth5@100ms", "solusdt@bookticker"}, c.Subscriptions())

	require.NoError(t, c.Unsubscribe("SOLUSDT@bookTicker", "unknown@depth"))
	assert.Equal(t, []string{"btcusdt@depth5@100ms"}, c.Subscriptions())
}

func TestClient_RecoversWhenFreshConnectionsDropAtOnce(t *testing.T) {
	server := startMockStreamServer(t, &mockStreamServer{hangUp: 2})

	// 拉长"连接已建立、尚未确认"的窗口
	slowConfirm := zap.Hooks(func(e zapcore.Entry) error {
		if strings.Contains(e.Message, "WebSocket 连接成功") {
			time.Sleep(30 * time.Millisecond)
		}
		return nil
	})
	c := newTestClient(t, "ws"+strings.TrimPrefix(server.URL, "http"), slowConfirm)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Subscribe("btcusdt@depth5@100ms"))
	require.NoError(t, c.Start(ctx))
	go c.Run(ctx)

	e := recvBook(t, c.BookCh())
	assert.GreaterOrEqual(t, e.Seq, int64(3))
	require.Eventually(t, func() bool {
		return c.Connected() && !c.Reconnector().IsReconnecting()
	}, 3*time.Second, 5*time.Millisecond, "连接应最终恢复")
}

func TestClient_CloseFromReconnectedHandler(t *testing.T) {
	server := newMockStreamServer(t, true)
	c := newTestClient(t, "ws"+strings.TrimPrefix(server.URL, "http"))

	closed := make(chan error, 1)
	c.SetStateHandler(func(e *model.ConnEvent) {
		if e.Kind == model.ConnReconnected {
			closed <- c.Close()
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Subscribe("btcusdt@depth5@100ms"))
	require.NoError(t, c.Start(ctx))
	go c.Run(ctx)

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("在重连完成事件中调用 Close 未返回")
	}
	assert.False(t, c.Connected())
}
