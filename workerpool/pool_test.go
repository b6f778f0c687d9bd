package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_RunAllWaitsForEveryTask(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 3})
	defer p.Stop(time.Second)

	var ran atomic.Int32
	tasks := make([]Task, 20)
	for i := range tasks {
		tasks[i] = Task{ID: fmt.Sprint(i), Fn: func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}}
	}

	require.NoError(t, p.RunAll(context.Background(), tasks))
	assert.Equal(t, int32(20), ran.Load())

	stats := p.Stats()
	assert.Equal(t, uint64(20), stats.TotalTasks)
	assert.Equal(t, uint64(20), stats.CompletedTasks)
}

func TestPool_RunAllJoinsFailuresAndPanics(t *testing.T) {
	p := New(Config{Name: "test", MaxWorkers: 2})
	defer p.Stop(time.Second)

	boom := errors.New("boom")
	err := p.RunAll(context.Background(), []Task{
		{ID: "ok", Fn: func(context.Context) error { return nil }},
		{ID: "fails", Fn: func(context.Context) error { return boom }},
		{ID: "panics", Fn: func(context.Context) error { panic("bad") }},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "panicked")
	assert.Eventually(t, func() bool { return p.Stats().FailedTasks == 2 }, time.Second, 5*time.Millisecond)
}

func TestPool_ConcurrencyIsBounded(t *testing.T) {
	p := New(Config{Name: "bounded", MaxWorkers: 2})
	defer p.Stop(time.Second)

	var current, peak atomic.Int32
	tasks := make([]Task, 10)
	for i := range tasks {
		tasks[i] = Task{ID: fmt.Sprint(i), Fn: func(context.Context) error {
			n := current.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			current.Add(-1)
			return nil
		}}
	}

	require.NoError(t, p.RunAll(context.Background(), tasks))
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestPool_StoppedRejects(t *testing.T) {
	p := New(Config{Name: "stopped", MaxWorkers: 1})
	require.NoError(t, p.Stop(time.Second))

	err := p.TrySubmit(Task{ID: "late", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, uint64(1), p.Stats().RejectedTasks)
}

func TestPool_TrySubmitQueueFull(t *testing.T) {
	p := New(Config{Name: "full", MaxWorkers: 1, QueueSize: 1})
	defer p.Stop(time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	block := func(context.Context) error {
		close(started)
		<-release
		return nil
	}
	require.NoError(t, p.TrySubmit(Task{ID: "blocker", Fn: block}))
	<-started
	require.NoError(t, p.TrySubmit(Task{ID: "queued", Fn: func(context.Context) error { return nil }}))

	err := p.TrySubmit(Task{ID: "overflow", Fn: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
	close(release)
}
