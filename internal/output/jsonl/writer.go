// Package jsonl 实现异步 JSONL 文件写入。
// 使用带缓冲的 channel 实现热路径的非阻塞写入。
package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// DefaultBufferSize 默认 channel 容量
const DefaultBufferSize = 1000

// ErrClosed 写入器已关闭
var ErrClosed = errors.New("writer 已关闭")

type opType int

const (
	opWrite opType = iota
	opFlush
	opClose
)

type op struct {
	typ  opType
	val  any
	done chan error
}

// Stats 写入统计
type Stats struct {
	Written  uint64 `json:"written"`
	Dropped  uint64 `json:"dropped"`
	Failures uint64 `json:"failures"`
}

// Writer 异步 JSONL 写入器
// Write/TryWrite 只负责投递，实际 JSON 编码与文件 I/O 在后台 goroutine 完成。
type Writer struct {
	path   string
	ch     chan op
	logger *zap.Logger

	closeOnce sync.Once
	closeErr  error
	closed    atomic.Bool

	// sendMu 投递方持读锁，Close 持写锁，保证关闭后不再向 ch 发送
	sendMu sync.RWMutex

	written  atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64

	wg sync.WaitGroup
}

// NewWriter 创建 JSONL 写入器
// 参数 path: 输出文件路径，父目录不存在时自动创建
// 参数 bufferSize: channel 容量，<=0 时使用 DefaultBufferSize
func NewWriter(path string, bufferSize int, logger *zap.Logger) (*Writer, error) {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建输出目录失败: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("打开输出文件失败: %w", err)
	}

	w := &Writer{
		path:   path,
		ch:     make(chan op, bufferSize),
		logger: logger.Named("jsonl").With(zap.String("path", path)),
	}

	w.wg.Add(1)
	go w.loop(f)

	return w, nil
}

// Path 输出文件路径
func (w *Writer) Path() string {
	return w.path
}

// Write 异步写入一条记录，缓冲区满时阻塞
func (w *Writer) Write(v any) error {
	if w == nil {
		return ErrClosed
	}
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed.Load() {
		return ErrClosed
	}
	w.ch <- op{typ: opWrite, val: v}
	return nil
}

// TryWrite 非阻塞写入，缓冲区满或已关闭时丢弃并返回 false
func (w *Writer) TryWrite(v any) bool {
	if w == nil {
		return false
	}
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed.Load() {
		w.dropped.Add(1)
		return false
	}
	select {
	case w.ch <- op{typ: opWrite, val: v}:
		return true
	default:
		w.dropped.Add(1)
		return false
	}
}

// Flush 等待已投递的记录写入文件
func (w *Writer) Flush() error {
	if w == nil {
		return nil
	}
	w.sendMu.RLock()
	if w.closed.Load() {
		w.sendMu.RUnlock()
		return nil
	}
	done := make(chan error, 1)
	w.ch <- op{typ: opFlush, done: done}
	w.sendMu.RUnlock()
	return <-done
}

// Stats 返回写入统计
func (w *Writer) Stats() Stats {
	return Stats{
		Written:  w.written.Load(),
		Dropped:  w.dropped.Load(),
		Failures: w.failures.Load(),
	}
}

// Close 关闭写入器（会先 flush），可重复调用
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.closeOnce.Do(func() {
		w.sendMu.Lock()
		w.closed.Store(true)
		done := make(chan error, 1)
		w.ch <- op{typ: opClose, done: done}
		close(w.ch)
		w.sendMu.Unlock()
		w.closeErr = <-done
	})
	w.wg.Wait()
	return w.closeErr
}

func (w *Writer) loop(f *os.File) {
	defer w.wg.Done()

	bw := bufio.NewWriterSize(f, 1<<20) // 1MB buffer

	for req := range w.ch {
		switch req.typ {
		case opWrite:
			b, err := json.Marshal(req.val)
			if err != nil {
				w.failures.Add(1)
				w.logger.Warn("记录编码失败", zap.Error(err))
				continue
			}
			b = append(b, '\n')
			if _, err := bw.Write(b); err != nil {
				w.failures.Add(1)
				w.logger.Error("写入文件失败", zap.Error(err))
				continue
			}
			w.written.Add(1)
		case opFlush:
			req.done <- bw.Flush()
		case opClose:
			err := bw.Flush()
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			stats := w.Stats()
			w.logger.Info("写入器已关闭",
				zap.Uint64("written", stats.Written),
				zap.Uint64("dropped", stats.Dropped),
				zap.Uint64("failures", stats.Failures),
			)
			req.done <- err
			return
		}
	}
}
