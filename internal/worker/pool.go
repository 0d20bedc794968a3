// Package worker 有界工作池
// 上行帧在接收协程中解析后提交到这里处理,避免存储与目录服务调用阻塞接收循环
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"ccs-gateway/internal/logging"

	"github.com/rs/zerolog"
)

const (
	defaultWorkers   = 8
	defaultQueueSize = 256
)

var (
	ErrNilProcessor       = errors.New("processor cannot be nil")
	ErrPoolNotStarted     = errors.New("worker pool not started")
	ErrPoolStopped        = errors.New("worker pool stopped")
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	ErrQueueFull          = errors.New("worker pool queue full")
)

// Stats 运行统计
type Stats struct {
	Submitted int64
	Processed int64
	Failed    int64
	Dropped   int64
}

// Pool 处理任意类型任务的工作池,按提交顺序取出任务
type Pool[T any] struct {
	name      string
	workers   int
	processor func(context.Context, T) error
	work      chan T
	logger    zerolog.Logger

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool 创建工作池
func NewPool[T any](name string, workers, queueSize int, processor func(context.Context, T) error) *Pool[T] {
	if processor == nil {
		panic(ErrNilProcessor)
	}
	if workers <= 0 {
		workers = defaultWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}

	return &Pool[T]{
		name:      name,
		workers:   workers,
		processor: processor,
		work:      make(chan T, queueSize),
		logger:    logging.Component(name),
	}
}

// Start 启动工作协程
func (pool *Pool[T]) Start(ctx context.Context) error {
	pool.lifecycleMu.Lock()
	defer pool.lifecycleMu.Unlock()

	if pool.started {
		return ErrPoolAlreadyStarted
	}

	workerCtx, cancel := context.WithCancel(ctx)
	pool.cancel = cancel
	pool.started = true

	for i := 0; i < pool.workers; i++ {
		pool.wg.Add(1)
		go pool.run(workerCtx)
	}

	pool.logger.Info().Int("workers", pool.workers).Msgf("[%s] 工作池已启动", pool.name)
	return nil
}

// Submit 非阻塞提交,队列满时丢弃并返回 ErrQueueFull
func (pool *Pool[T]) Submit(task T) error {
	pool.lifecycleMu.Lock()
	defer pool.lifecycleMu.Unlock()

	if !pool.started {
		return ErrPoolNotStarted
	}
	if pool.stopped {
		return ErrPoolStopped
	}

	select {
	case pool.work <- task:
		pool.submitted.Add(1)
		return nil
	default:
		pool.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop 停止接收新任务,处理完已排队的任务后返回
func (pool *Pool[T]) Stop() {
	pool.lifecycleMu.Lock()
	if !pool.started || pool.stopped {
		pool.lifecycleMu.Unlock()
		return
	}
	pool.stopped = true
	close(pool.work)
	pool.lifecycleMu.Unlock()

	pool.wg.Wait()
	pool.cancel()

	stats := pool.Stats()
	pool.logger.Info().
		Int64("processed", stats.Processed).
		Int64("failed", stats.Failed).
		Int64("dropped", stats.Dropped).
		Msgf("[%s] 工作池已停止", pool.name)
}

// Stats 返回当前统计
func (pool *Pool[T]) Stats() Stats {
	return Stats{
		Submitted: pool.submitted.Load(),
		Processed: pool.processed.Load(),
		Failed:    pool.failed.Load(),
		Dropped:   pool.dropped.Load(),
	}
}

func (pool *Pool[T]) run(ctx context.Context) {
	defer pool.wg.Done()

	for task := range pool.work {
		pool.process(ctx, task)
	}
}

// process 单个任务的 panic 不影响其他任务
func (pool *Pool[T]) process(ctx context.Context, task T) {
	defer func() {
		if recovered := recover(); recovered != nil {
			pool.failed.Add(1)
			pool.logger.Error().Interface("panic", recovered).Msgf("[%s] 任务处理 panic", pool.name)
		}
	}()

	if err := pool.processor(ctx, task); err != nil {
		pool.failed.Add(1)
		pool.logger.Warn().Err(err).Msgf("[%s] 任务处理失败", pool.name)
		return
	}
	pool.processed.Add(1)
}
