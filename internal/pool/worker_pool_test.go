package pool

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool_RunsAllTasks(t *testing.T) {
	p := NewWorkerPool(4, 100, nil)
	p.Start(context.Background())

	var count atomic.Int64
	for i := 0; i < 100; i++ {
		assert.True(t, p.Submit(func() { count.Add(1) }))
	}
	p.Stop()

	assert.Equal(t, int64(100), count.Load())
}

func TestWorkerPool_TrySubmitWhenFull(t *testing.T) {
	p := NewWorkerPool(1, 1, nil)
	// 未启动，队列只能容纳一个任务
	assert.True(t, p.TrySubmit(func() {}))
	assert.False(t, p.TrySubmit(func() {}))
	assert.Equal(t, int64(1), p.Dropped())
	assert.Equal(t, 1, p.QueueLength())
}

func TestWorkerPool_PanicDoesNotKillWorker(t *testing.T) {
	p := NewWorkerPool(1, 10, nil)
	p.Start(context.Background())

	var ran atomic.Bool
	p.Submit(func() { panic("boom") })
	p.Submit(func() { ran.Store(true) })
	p.Stop()

	assert.True(t, ran.Load())
}

func TestWorkerPool_SubmitAfterStop(t *testing.T) {
	p := NewWorkerPool(1, 10, nil)
	p.Start(context.Background())
	p.Stop()
	p.Stop()

	assert.False(t, p.Submit(func() {}))
	assert.False(t, p.TrySubmit(func() {}))
}

func TestWorkerPool_ContextCancelDrainsQueue(t *testing.T) {
	p := NewWorkerPool(1, 10, nil)
	var count atomic.Int64
	for i := 0; i < 5; i++ {
		p.Submit(func() { count.Add(1) })
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.Start(ctx)
	p.Stop()

	assert.Equal(t, int64(5), count.Load())
}
