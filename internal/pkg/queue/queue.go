package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"sipi/internal/pkg/metrics"
)

// ErrClosed 队列已关闭。
var ErrClosed = errors.New("queue is closed")

// Job 一个异步处理步骤（匹配、去重、生命周期检查）。
type Job func(ctx context.Context) error

// ErrorHandler 任务返回错误时的回调。panic 不会触发它。
type ErrorHandler func(err error, job Job)

// Stats 队列计数快照。
type Stats struct {
	Enqueued    int64 `json:"enqueued"`
	Succeeded   int64 `json:"succeeded"`
	Failed      int64 `json:"failed"`
	Dropped     int64 `json:"dropped"`
	Panics      int64 `json:"panics"`
	Outstanding int64 `json:"outstanding"`
	Pending     int   `json:"pending"`
}

// inflight 统计已入队未完成的任务，归零时释放所有 Drain 等待者。
type inflight struct {
	mu    sync.Mutex
	n     int64
	empty chan struct{}
}

func newInflight() *inflight {
	f := &inflight{empty: make(chan struct{})}
	close(f.empty)
	return f
}

func (f *inflight) add() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.n == 0 {
		f.empty = make(chan struct{})
	}
	f.n++
}

func (f *inflight) release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n--
	if f.n == 0 {
		close(f.empty)
	}
}

func (f *inflight) snapshot() (int64, <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n, f.empty
}

// Queue 有界内存队列加固定数量的 worker，承载入库后的异步处理。
// Drain 等待所有已接受的任务完成，供测试与对账前使用。
type Queue struct {
	logger  *slog.Logger
	workers int
	onError ErrorHandler

	// mu 保护 closed 与向 jobs 发送，避免 Shutdown 关闭通道时有发送方
	mu     sync.RWMutex
	closed bool
	jobs   chan Job

	running sync.WaitGroup
	busy    *inflight

	enqueued, succeeded, failed, dropped, panics atomic.Int64
}

// NewQueue 创建队列。
//
// 参数:
//   - logger: 日志记录器
//   - workers: worker 数量，最少 1
//   - capacity: 缓冲容量，最少 1
func NewQueue(logger *slog.Logger, workers int, capacity int) *Queue {
	return &Queue{
		logger:  logger,
		workers: max(workers, 1),
		jobs:    make(chan Job, max(capacity, 1)),
		busy:    newInflight(),
	}
}

// SetErrorHandler 在 Start 之前设置。
func (q *Queue) SetErrorHandler(handler ErrorHandler) {
	q.onError = handler
}

// Start 启动 worker；ctx 取消或 Shutdown 后 worker 退出。
func (q *Queue) Start(ctx context.Context) {
	q.running.Add(q.workers)
	for i := 0; i < q.workers; i++ {
		go q.loop(ctx, i)
	}
}

func (q *Queue) loop(ctx context.Context, id int) {
	defer q.running.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-q.jobs:
			if !ok {
				return
			}
			q.run(ctx, id, job)
			metrics.PipelineQueueDepth.Set(float64(len(q.jobs)))
		}
	}
}

func (q *Queue) run(ctx context.Context, id int, job Job) {
	defer q.busy.release()
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		q.panics.Add(1)
		q.failed.Add(1)
		q.logger.Error("pipeline job panicked",
			slog.Int("worker_id", id),
			slog.Any("panic", r),
			slog.String("stack", string(debug.Stack())))
	}()

	err := job(ctx)
	if err == nil {
		q.succeeded.Add(1)
		return
	}
	q.failed.Add(1)
	q.logger.Warn("pipeline job failed", slog.Int("worker_id", id), slog.String("error", err.Error()))
	if q.onError != nil {
		q.onError(err, job)
	}
}

// Enqueue 尝试入队，不阻塞。队列满或已关闭时返回 false。
func (q *Queue) Enqueue(job Job) bool {
	if job == nil {
		return false
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}

	q.busy.add()
	select {
	case q.jobs <- job:
		q.accepted()
		return true
	default:
	}
	q.busy.release()
	q.dropped.Add(1)
	metrics.PipelineDroppedTotal.Inc()
	q.logger.Warn("pipeline queue full, job dropped", slog.Int("capacity", cap(q.jobs)))
	return false
}

// EnqueueBlocking 等待空位直到入队成功或 ctx 结束。
func (q *Queue) EnqueueBlocking(ctx context.Context, job Job) error {
	if job == nil {
		return errors.New("nil job")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}

	q.busy.add()
	select {
	case q.jobs <- job:
		q.accepted()
		return nil
	case <-ctx.Done():
		q.busy.release()
		return ctx.Err()
	}
}

func (q *Queue) accepted() {
	q.enqueued.Add(1)
	metrics.PipelineQueueDepth.Set(float64(len(q.jobs)))
}

// Drain 阻塞到当前没有未完成的任务。
func (q *Queue) Drain(ctx context.Context) error {
	_, empty := q.busy.snapshot()
	select {
	case <-empty:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown 停止接收任务，让 worker 处理完缓冲区后退出，最多等待 timeout。
// 重复调用返回 ErrClosed。
func (q *Queue) Shutdown(timeout time.Duration) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	stopped := make(chan struct{})
	go func() {
		q.running.Wait()
		close(stopped)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-stopped:
		q.logger.Info("pipeline queue stopped")
		return nil
	case <-timer.C:
		return fmt.Errorf("queue shutdown: workers still busy after %s", timeout)
	}
}

// Stats 返回计数快照。
func (q *Queue) Stats() Stats {
	outstanding, _ := q.busy.snapshot()
	return Stats{
		Enqueued:    q.enqueued.Load(),
		Succeeded:   q.succeeded.Load(),
		Failed:      q.failed.Load(),
		Dropped:     q.dropped.Load(),
		Panics:      q.panics.Load(),
		Outstanding: outstanding,
		Pending:     len(q.jobs),
	}
}
