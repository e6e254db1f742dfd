package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// WorkerPool 协程池
//
// 用于异步执行旁路任务（如写入使用记录），限制并发协程数量
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	log        *zap.Logger

	stopOnce sync.Once
	stopped  atomic.Bool
	dropped  atomic.Int64
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
//   - log: 记录任务 panic，可为 nil
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		log:        log.Named("pool"),
	}
}

// Start 启动协程池
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Submit 提交任务
//
// 如果队列已满，会阻塞直到有空位；协程池已停止时返回 false
func (p *WorkerPool) Submit(task func()) bool {
	if p.stopped.Load() {
		return false
	}
	defer func() {
		// Stop 与 Submit 并发时通道可能已关闭
		recover()
	}()
	p.taskQueue <- task
	return true
}

// TrySubmit 尝试提交任务
//
// 如果队列已满或协程池已停止，立即返回 false 并计入丢弃数
func (p *WorkerPool) TrySubmit(task func()) (ok bool) {
	if p.stopped.Load() {
		p.dropped.Add(1)
		return false
	}
	defer func() {
		if recover() != nil {
			ok = false
		}
		if !ok {
			p.dropped.Add(1)
		}
	}()
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Dropped 返回因队列已满而丢弃的任务数
func (p *WorkerPool) Dropped() int64 {
	return p.dropped.Load()
}

// QueueLength 返回排队中的任务数
func (p *WorkerPool) QueueLength() int {
	return len(p.taskQueue)
}

// Stop 停止接收新任务，等待队列中已有任务执行完毕
func (p *WorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.stopped.Store(true)
		close(p.taskQueue)
	})
	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			// 退出前排空队列，保证已接受的任务执行
			for task := range p.taskQueue {
				p.run(task)
			}
			return
		case task, ok := <-p.taskQueue:
			if !ok {
				return
			}
			p.run(task)
		}
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
