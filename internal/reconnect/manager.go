// Package reconnect 实现单条 WebSocket 连接的断线重连与重新订阅状态机。
//
// 每个交易所连接持有一个 Manager，并注入自己的连接函数和重新订阅函数。
// 连接层在断线时调用 OnDisconnected，在连接（首次或重连）成功时调用 OnConnected。
// Manager 在后台 goroutine 中按指数退避重试，同一时刻最多只有一个重连序列在运行。
//
// 调用方提供的函数返回的错误与 panic 都在 Manager 边界内被吸收，只记录日志并通知 Observer，
// 不会传播到调用方 goroutine。
package reconnect

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"exchange-gateway/internal/util/backoff"
)

// sequence 一次重连序列（从断线到成功、放弃或被取消）
type sequence struct {
	ctx    context.Context
	cancel context.CancelFunc
	// done 序列 goroutine 退出后关闭
	done chan struct{}
	// attempts 本序列已发起的尝试次数，仅由序列 goroutine 递增
	attempts atomic.Int64
	// inConnect 已进入连接函数；连接成功后保持为 true 直到序列退出
	inConnect atomic.Bool
	// dropped 连接函数执行期间新连接又断开，序列退出后需重新启动
	dropped atomic.Bool
	// notify 重连完成回调的投递状态，见 notifyOpen 等
	notify atomic.Int32
}

// 重连完成回调的投递状态
const (
	// notifyOpen 尚未确认连接
	notifyOpen int32 = iota
	// notifyPending 已在连接函数内确认，等待序列 goroutine 退出后回调
	notifyPending
	// notifyClosed 序列 goroutine 已退出，之后的确认直接回调
	notifyClosed
)

func newSequence() *sequence {
	ctx, cancel := context.WithCancel(context.Background())
	return &sequence{
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// finished 序列 goroutine 是否已退出
func (s *sequence) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

type outcome int

const (
	outcomeStopped outcome = iota
	outcomeConnected
	outcomeGaveUp
)

// Manager 单条连接的重连管理器
type Manager struct {
	// name 连接名称，用于日志和指标
	name string
	// logger 日志记录器
	logger *zap.Logger

	// mu 保护策略与回调
	mu            sync.RWMutex
	cfg           Config
	connectFn     ConnectFunc
	resubscribeFn ResubscribeFunc
	onReconnected func()
	onGiveUp      func(error)
	observer      Observer

	// enabled 是否允许 OnDisconnected 启动新的重连序列
	enabled atomic.Bool
	// active 当前重连序列，非 nil 即处于重连状态
	// 通过 CAS 充当单次获取的门闩，并发的 OnDisconnected 只有一个能成功
	active atomic.Pointer[sequence]

	// launchMu 串行化序列的启动与回收：先等待上一个序列退出再启动新序列
	launchMu sync.Mutex
	// last 最近一次启动的序列
	last *sequence
}

// New 创建重连管理器
// 参数 name: 连接名称，如 okx-public
// 参数 logger: 日志记录器，nil 时不输出日志
func New(name string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		name:     name,
		logger:   logger.Named("reconnect").With(zap.String("conn", name)),
		cfg:      DefaultConfig(),
		observer: nopObserver{},
	}
	m.enabled.Store(true)
	return m
}

// Name 返回连接名称
func (m *Manager) Name() string {
	return m.name
}

// Configure 设置重连策略
// 必须在首次使用前调用，不可与进行中的重连序列并发修改
func (m *Manager) Configure(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Config 返回当前重连策略
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// SetConnectFunc 设置连接函数
func (m *Manager) SetConnectFunc(f ConnectFunc) {
	m.mu.Lock()
	m.connectFn = f
	m.mu.Unlock()
}

// SetResubscribeFunc 设置重新订阅函数
// 在 OnConnected 中同步执行，函数内不可调用 Stop
func (m *Manager) SetResubscribeFunc(f ResubscribeFunc) {
	m.mu.Lock()
	m.resubscribeFn = f
	m.mu.Unlock()
}

// SetOnReconnected 设置重连完成回调（重新订阅之后调用）
// 连接函数内部调用 OnConnected 时，回调推迟到序列 goroutine 退出后执行，因此回调中可以调用 Stop
func (m *Manager) SetOnReconnected(f func()) {
	m.mu.Lock()
	m.onReconnected = f
	m.mu.Unlock()
}

// SetOnGiveUp 设置放弃重连回调
// err 包装了 ErrRetriesExhausted 或 ErrNoConnectFunc；回调在序列 goroutine 退出后调用，可以安全地调用 Stop
func (m *Manager) SetOnGiveUp(f func(err error)) {
	m.mu.Lock()
	m.onGiveUp = f
	m.mu.Unlock()
}

// SetObserver 设置观察者，nil 表示不观察
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = nopObserver{}
	}
	m.mu.Lock()
	m.observer = o
	m.mu.Unlock()
}

func (m *Manager) obs() Observer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.observer
}

// Enable 开关自动重连
// 关闭后 OnDisconnected 不再启动新序列；进行中的序列在下一个等待切片检查时退出
func (m *Manager) Enable(enabled bool) {
	m.enabled.Store(enabled)
	m.logger.Debug("自动重连开关", zap.Bool("enabled", enabled))
}

// Enabled 是否允许自动重连
func (m *Manager) Enabled() bool {
	return m.enabled.Load()
}

// IsReconnecting 是否处于重连状态（非阻塞）
func (m *Manager) IsReconnecting() bool {
	return m.active.Load() != nil
}

// RetryCount 当前重连序列已发起的尝试次数，不在重连状态时为 0
func (m *Manager) RetryCount() int {
	if s := m.active.Load(); s != nil {
		return int(s.attempts.Load())
	}
	return 0
}

// OnDisconnected 连接层报告断线
// 未启用或已有序列在运行时直接返回；否则启动新的后台重连序列
func (m *Manager) OnDisconnected() {
	if !m.enabled.Load() {
		m.logger.Debug("自动重连已关闭，忽略断线事件")
		return
	}

	seq := newSequence()
	for {
		cur := m.active.Load()
		if cur != nil && !cur.finished() {
			if !cur.inConnect.Load() {
				seq.cancel()
				m.logger.Debug("重连进行中，忽略断线事件")
				return
			}
			// 刚建立的连接在连接函数返回前断开：记下，由序列退出时重新启动
			cur.dropped.Store(true)
			if !cur.finished() || !cur.dropped.CompareAndSwap(true, false) {
				seq.cancel()
				m.logger.Info("新连接在确认前断开，序列退出后重新连接")
				return
			}
			// 序列已退出且没有处理该断线，由本次调用接手
			continue
		}
		// cur 已退出但未被清理：上一序列连接成功后连接层尚未确认即再次断线
		if m.active.CompareAndSwap(cur, seq) {
			break
		}
	}

	m.obs().StateChanged(m.name, true)
	m.launch(seq)
}

// launch 等待上一个序列完全退出后启动新序列
func (m *Manager) launch(seq *sequence) {
	m.launchMu.Lock()
	defer m.launchMu.Unlock()

	if prev := m.last; prev != nil {
		prev.cancel()
		<-prev.done
	}

	// 等待期间可能已被 OnConnected/Reset/Stop 取消
	if m.active.Load() != seq || !m.enabled.Load() {
		m.release(seq)
		seq.cancel()
		close(seq.done)
		return
	}

	m.last = seq
	m.logger.Info("连接断开，开始重连")
	go m.run(seq)
}

// OnConnected 连接层报告连接成功（首次或重连）
// 若此前处于重连状态，则按策略同步执行重新订阅，并调用重连完成回调
// 在连接函数内部调用时，重连完成回调推迟到序列 goroutine 退出后执行
func (m *Manager) OnConnected() {
	prev := m.active.Swap(nil)
	if prev == nil {
		// 首次连接的订阅由连接层自己负责
		return
	}
	prev.cancel()

	m.mu.RLock()
	cfg := m.cfg
	resubscribe := m.resubscribeFn
	onReconnected := m.onReconnected
	obs := m.observer
	m.mu.RUnlock()

	m.logger.Info("重连成功", zap.Int64("attempts", prev.attempts.Load()))
	obs.StateChanged(m.name, false)
	obs.Reconnected(m.name)

	if cfg.AutoResubscribe && resubscribe != nil {
		if err := m.safeCall("resubscribe", resubscribe); err != nil {
			// 连接已建立，订阅缺失只记录，不回退连接状态
			m.logger.Error("重新订阅失败", zap.Error(err))
			obs.ResubscribeFailed(m.name, err)
		}
	}

	if prev.inConnect.Load() && prev.notify.CompareAndSwap(notifyOpen, notifyPending) {
		return
	}
	m.notifyReconnected(onReconnected)
}

func (m *Manager) notifyReconnected(onReconnected func()) {
	if onReconnected == nil {
		return
	}
	_ = m.safeCall("on_reconnected", func() error {
		onReconnected()
		return nil
	})
}

// Stop 关闭自动重连并阻塞等待进行中的序列退出
// 可重复调用；不可在重新订阅回调或连接函数中调用
func (m *Manager) Stop() {
	m.enabled.Store(false)
	if cur := m.active.Swap(nil); cur != nil {
		cur.cancel()
		m.obs().StateChanged(m.name, false)
	}

	m.launchMu.Lock()
	defer m.launchMu.Unlock()
	if last := m.last; last != nil {
		last.cancel()
		<-last.done
	}
}

// Reset 清除重连状态，不等待序列退出
// 用于调用方接管的手动重连场景
func (m *Manager) Reset() {
	if cur := m.active.Swap(nil); cur != nil {
		cur.cancel()
		m.obs().StateChanged(m.name, false)
	}
}

// release 序列退出时清除自己持有的重连状态
func (m *Manager) release(seq *sequence) {
	if m.active.CompareAndSwap(seq, nil) {
		m.obs().StateChanged(m.name, false)
	}
}

// alive 判断序列是否应继续
func (m *Manager) alive(seq *sequence) bool {
	return m.enabled.Load() && m.active.Load() == seq && seq.ctx.Err() == nil
}

func (m *Manager) run(seq *sequence) {
	res, err := m.loop(seq)
	close(seq.done)

	m.mu.RLock()
	onGiveUp := m.onGiveUp
	onReconnected := m.onReconnected
	m.mu.RUnlock()

	if seq.notify.Swap(notifyClosed) == notifyPending {
		m.notifyReconnected(onReconnected)
	}
	if seq.dropped.CompareAndSwap(true, false) {
		m.OnDisconnected()
	}

	if res == outcomeGaveUp && onGiveUp != nil {
		_ = m.safeCall("on_give_up", func() error {
			onGiveUp(err)
			return nil
		})
	}
}

// loop 重连主循环
func (m *Manager) loop(seq *sequence) (outcome, error) {
	m.mu.RLock()
	cfg := m.cfg
	connect := m.connectFn
	obs := m.observer
	m.mu.RUnlock()

	if connect == nil {
		m.logger.Error("无法重连", zap.Error(ErrNoConnectFunc))
		m.release(seq)
		obs.GaveUp(m.name, 0)
		return outcomeGaveUp, fmt.Errorf("%s: %w", m.name, ErrNoConnectFunc)
	}

	bo := backoff.New(cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffMultiplier, cfg.Jitter)

	for m.alive(seq) {
		attempts := int(seq.attempts.Load())
		if cfg.MaxRetries >= 0 && attempts >= cfg.MaxRetries {
			m.release(seq)
			m.logger.Error("重试次数耗尽，放弃重连", zap.Int("attempts", attempts))
			obs.GaveUp(m.name, attempts)
			return outcomeGaveUp, fmt.Errorf("%s: %d 次尝试后放弃: %w", m.name, attempts, ErrRetriesExhausted)
		}

		attempt := int(seq.attempts.Add(1))
		delay := max(bo.Next(), minRetryDelay)
		m.logger.Info("等待重连", zap.Int("attempt", attempt), zap.Duration("delay", delay))

		if !m.sleep(seq, delay) {
			break
		}

		obs.AttemptStarted(m.name, attempt, delay)
		seq.dropped.Store(false)
		seq.inConnect.Store(true)
		err := m.tryConnect(seq.ctx, connect)
		if err == nil {
			// 连接层确认握手后会自行调用 OnConnected
			m.logger.Info("重连尝试成功", zap.Int("attempt", attempt))
			return outcomeConnected, nil
		}
		// 失败尝试期间的断线不需要再处理
		seq.inConnect.Store(false)
		seq.dropped.Store(false)
		m.logger.Warn("重连尝试失败", zap.Int("attempt", attempt), zap.Error(err))
		obs.AttemptFailed(m.name, attempt, err)
	}

	m.release(seq)
	m.logger.Info("重连已取消", zap.Int64("attempts", seq.attempts.Load()))
	return outcomeStopped, nil
}

// sleep 分片等待，每片结束重新检查状态
// 返回 false 表示等待期间被取消
func (m *Manager) sleep(seq *sequence, d time.Duration) bool {
	for d > 0 {
		step := min(d, sleepSlice)
		t := time.NewTimer(step)
		select {
		case <-seq.ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		if !m.alive(seq) {
			return false
		}
		d -= step
	}
	return m.alive(seq)
}

// tryConnect 调用连接函数，panic 视为一次失败
func (m *Manager) tryConnect(ctx context.Context, connect ConnectFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: connect: %v", ErrPanic, r)
			m.logger.Error("连接函数 panic", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return connect(ctx)
}

// safeCall 调用回调，吸收 panic 并转换为错误
func (m *Manager) safeCall(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanic, name, r)
			m.logger.Error("回调 panic", zap.String("callback", name), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return fn()
}
