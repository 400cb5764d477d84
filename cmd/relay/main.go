// Package main 是行情网关的入口点。
// 维护 OKX/Binance 公共行情 WebSocket 连接，断线后按退避策略自动重连并恢复订阅，
// 将归一化后的盘口事件、连接状态事件与连接快照写入 JSONL 文件。
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"exchange-gateway/internal/config"
	"exchange-gateway/internal/core/model"
	"exchange-gateway/internal/core/store"
	"exchange-gateway/internal/exchange/binance"
	"exchange-gateway/internal/exchange/okx"
	"exchange-gateway/internal/metrics"
	"exchange-gateway/internal/output/jsonl"
	"exchange-gateway/internal/stats/latency"
)

// feed 单个交易所连接
type feed interface {
	Name() string
	Start(ctx context.Context) error
	Run(ctx context.Context)
	BookCh() <-chan *model.BookEvent
	Metrics() model.ConnSnapshot
	Close() error
}

// snapshot 周期性写入的网关状态快照
type snapshot struct {
	TsUnixMs int64                  `json:"ts_ms"`
	Conns    []model.ConnSnapshot   `json:"conns"`
	FeedLag  []latency.FeedLagStats `json:"feed_lag,omitempty"`
	Symbols  []store.SymbolState    `json:"symbols,omitempty"`
	Output   *jsonl.Stats           `json:"output,omitempty"`
}

// sinks JSONL 输出，未启用输出时全部为 nil
type sinks struct {
	books     *jsonl.Writer
	events    *jsonl.Writer
	snapshots *jsonl.Writer
}

func (s *sinks) close(logger *zap.Logger) {
	for _, w := range []*jsonl.Writer{s.books, s.events, s.snapshots} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil {
			logger.Warn("关闭输出文件失败", zap.String("path", w.Path()), zap.Error(err))
		}
	}
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "配置文件路径")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.App.LogLevel).With(zap.String("app", cfg.App.Name))
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 捕获 SIGINT/SIGTERM，触发优雅退出
	sigCh := make(chan os.Signal, 2)
	ossignal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("收到退出信号，开始优雅关闭")
		cancel()
	}()

	collector := metrics.New(nil)
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = startMetricsServer(cfg.Metrics.ListenAddr, collector, logger)
	}

	out, err := openSinks(cfg.Output, logger)
	if err != nil {
		logger.Error("创建输出文件失败", zap.Error(err))
		os.Exit(1)
	}

	feeds, err := buildFeeds(cfg, collector, out, logger)
	if err != nil {
		logger.Error("创建交易所连接失败", zap.Error(err))
		out.close(logger)
		os.Exit(1)
	}

	startCtx, startCancel := context.WithTimeout(ctx, 10*time.Second)
	for _, f := range feeds {
		// 首次连接失败由重连管理器在后台继续尝试
		if err := f.Start(startCtx); err != nil {
			logger.Warn("首次连接失败", zap.String("conn", f.Name()), zap.Error(err))
		}
		go f.Run(ctx)
	}
	startCancel()

	relay(ctx, feeds, out, collector, time.Duration(cfg.Output.SnapshotIntervalMs)*time.Millisecond, logger)

	// 优雅关闭（10s 超时）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, f := range feeds {
			if err := f.Close(); err != nil {
				logger.Warn("关闭连接失败", zap.String("conn", f.Name()), zap.Error(err))
			}
		}
		out.close(logger)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
	}()

	select {
	case <-shutdownCtx.Done():
		logger.Warn("关闭超时，强制退出")
	case <-done:
		logger.Info("关闭完成")
	}
}

func newLogger(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if err := lvl.Set(level); err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func startMetricsServer(addr string, collector *metrics.Collector, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("指标端点已启动", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("指标端点退出", zap.Error(err))
		}
	}()
	return srv
}

func openSinks(cfg config.OutputConfig, logger *zap.Logger) (*sinks, error) {
	out := &sinks{}
	if !cfg.Enabled {
		return out, nil
	}

	var err error
	open := func(name string) *jsonl.Writer {
		if err != nil {
			return nil
		}
		var w *jsonl.Writer
		w, err = jsonl.NewWriter(filepath.Join(cfg.Dir, name), cfg.BufferSize, logger)
		return w
	}
	out.books = open("books.jsonl")
	out.events = open("conn_events.jsonl")
	out.snapshots = open("snapshots.jsonl")
	if err != nil {
		out.close(logger)
		return nil, err
	}
	return out, nil
}

func buildFeeds(cfg *config.Config, collector *metrics.Collector, out *sinks, logger *zap.Logger) ([]feed, error) {
	policy := cfg.Reconnect.Policy()
	onState := func(e *model.ConnEvent) {
		logger.Info("连接状态变化",
			zap.String("conn", e.Conn),
			zap.String("kind", string(e.Kind)),
			zap.String("error", e.Error),
		)
		if out.events != nil && !out.events.TryWrite(e) {
			collector.OutputDroppedRecords.WithLabelValues("conn_events").Inc()
		}
	}

	var feeds []feed

	if subs := cfg.Subscriptions.OKX; len(subs) > 0 {
		c := okx.NewClient(&cfg.WS.OKX, policy, logger)
		c.Reconnector().SetObserver(collector)
		c.SetStateHandler(onState)
		args := make([]okx.SubscribeArg, 0, len(subs))
		for _, s := range subs {
			args = append(args, okx.SubscribeArg{Channel: s.Channel, InstId: s.InstID})
		}
		if err := c.Subscribe(args...); err != nil {
			return nil, fmt.Errorf("OKX 订阅失败: %w", err)
		}
		feeds = append(feeds, c)
	}

	if streams := cfg.Subscriptions.Binance; len(streams) > 0 {
		c := binance.NewClient(&cfg.WS.Binance, policy, logger)
		c.Reconnector().SetObserver(collector)
		c.SetStateHandler(onState)
		if err := c.Subscribe(streams...); err != nil {
			return nil, fmt.Errorf("Binance 订阅失败: %w", err)
		}
		feeds = append(feeds, c)
	}

	return feeds, nil
}

// relay 汇聚所有连接的盘口事件，直到 ctx 取消或全部 bookCh 关闭
func relay(ctx context.Context, feeds []feed, out *sinks, collector *metrics.Collector, snapshotEvery time.Duration, logger *zap.Logger) {
	merged := make(chan *model.BookEvent, 1024)
	pending := len(feeds)
	finished := make(chan struct{}, len(feeds))
	for _, f := range feeds {
		go func(ch <-chan *model.BookEvent) {
			defer func() { finished <- struct{}{} }()
			for ev := range ch {
				select {
				case merged <- ev:
				case <-ctx.Done():
					return
				}
			}
		}(f.BookCh())
	}

	if snapshotEvery <= 0 {
		snapshotEvery = 10 * time.Second
	}
	ticker := time.NewTicker(snapshotEvery)
	defer ticker.Stop()

	books := store.New()
	lags := latency.NewTracker(latency.DefaultWindowSize)
	snap := func() {
		if out.snapshots == nil {
			return
		}
		writeSnapshot(out.snapshots, buildSnapshot(feeds, books, lags, out.books))
	}
	// 退出前补写最后一条快照
	defer snap()

	var lastDropped uint64
	for pending > 0 {
		select {
		case <-ctx.Done():
			return

		case <-finished:
			pending--

		case ev := <-merged:
			if ev == nil || !ev.IsValid() {
				continue
			}
			collector.BookEvents.WithLabelValues(ev.Exchange).Inc()
			if !books.Update(ev) {
				logger.Debug("序号回退", zap.String("exchange", ev.Exchange), zap.String("symbol", ev.SymbolCanon), zap.Int64("seq", ev.Seq))
			}
			lags.Add(ev)
			if out.books != nil && !out.books.TryWrite(ev) {
				collector.OutputDroppedRecords.WithLabelValues("books").Inc()
			}

		case <-ticker.C:
			snap()
			if out.books != nil {
				stats := out.books.Stats()
				if stats.Dropped > lastDropped {
					logger.Warn("行情输出缓冲区已满，部分记录被丢弃",
						zap.Uint64("dropped", stats.Dropped-lastDropped),
						zap.Uint64("written", stats.Written),
					)
					lastDropped = stats.Dropped
				}
			}
		}
	}
	logger.Info("所有行情通道已关闭")
}

func buildSnapshot(feeds []feed, books *store.Store, lags *latency.Tracker, bookSink *jsonl.Writer) snapshot {
	now := time.Now()
	s := snapshot{
		TsUnixMs: now.UnixMilli(),
		Conns:    make([]model.ConnSnapshot, 0, len(feeds)),
		FeedLag:  lags.All(),
		Symbols:  books.Snapshot(now),
	}
	for _, f := range feeds {
		s.Conns = append(s.Conns, f.Metrics())
	}
	if bookSink != nil {
		stats := bookSink.Stats()
		s.Output = &stats
	}
	return s
}

func writeSnapshot(w *jsonl.Writer, s snapshot) {
	_ = w.Write(s)
	_ = w.Flush()
}
