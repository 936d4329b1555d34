package scheduler_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdm-project/vdm/internal/progress"
	"github.com/vdm-project/vdm/internal/scheduler"
	"github.com/vdm-project/vdm/internal/state"
)

type workFunc func(ctx context.Context, report func(scheduler.ProgressData)) (scheduler.OutputData, error)

func (f workFunc) Run(ctx context.Context, report func(scheduler.ProgressData)) (scheduler.OutputData, error) {
	return f(ctx, report)
}

func collect(t *testing.T, p *scheduler.Pool, workID string, wantLast scheduler.RawState) []scheduler.Update {
	t.Helper()

	var got []scheduler.Update

	timeout := time.After(5 * time.Second)

	for {
		select {
		case u, ok := <-p.Updates():
			if !ok {
				t.Fatal("updates channel closed early")
			}

			if u.WorkID != workID {
				continue
			}

			got = append(got, u)
			if u.State == wantLast {
				return got
			}
		case <-timeout:
			t.Fatalf("timed out waiting for state %d, got %d updates", wantLast, len(got))
		}
	}
}

func TestPoolSuccessLifecycle(t *testing.T) {
	p := scheduler.NewPool(2)
	defer p.Close()

	p.Enqueue("w1", workFunc(func(_ context.Context, report func(scheduler.ProgressData)) (scheduler.OutputData, error) {
		report(scheduler.ProgressData{Snapshot: progress.Snapshot{Percent: 50, DownloadedBytes: 500, TotalBytes: 1000}})
		return scheduler.OutputData{LocalPath: "/tmp/out.bin", FileSize: 1000}, nil
	}))

	updates := collect(t, p, "w1", scheduler.RawSucceeded)

	require.GreaterOrEqual(t, len(updates), 4)
	assert.Equal(t, scheduler.RawEnqueued, updates[0].State)
	assert.Equal(t, scheduler.RawRunning, updates[1].State)

	last := updates[len(updates)-1]
	assert.Equal(t, "/tmp/out.bin", last.Output.LocalPath)
	assert.Equal(t, int64(1000), last.Output.FileSize)
}

func TestPoolFailure(t *testing.T) {
	p := scheduler.NewPool(1)
	defer p.Close()

	p.Enqueue("w1", workFunc(func(context.Context, func(scheduler.ProgressData)) (scheduler.OutputData, error) {
		return scheduler.OutputData{}, errors.New("disk full")
	}))

	updates := collect(t, p, "w1", scheduler.RawFailed)
	assert.Equal(t, "disk full", updates[len(updates)-1].Error)
}

func TestPoolCancelRunning(t *testing.T) {
	p := scheduler.NewPool(1)
	defer p.Close()

	started := make(chan struct{})

	p.Enqueue("w1", workFunc(func(ctx context.Context, _ func(scheduler.ProgressData)) (scheduler.OutputData, error) {
		close(started)
		<-ctx.Done()
		return scheduler.OutputData{}, ctx.Err()
	}))

	<-started
	p.Cancel("w1")

	collect(t, p, "w1", scheduler.RawCancelled)
}

func TestPoolCancelWhileQueued(t *testing.T) {
	p := scheduler.NewPool(1)
	defer p.Close()

	blockerStarted := make(chan struct{})
	release := make(chan struct{})

	p.Enqueue("blocker", workFunc(func(context.Context, func(scheduler.ProgressData)) (scheduler.OutputData, error) {
		close(blockerStarted)
		<-release
		return scheduler.OutputData{}, nil
	}))

	<-blockerStarted

	p.Enqueue("queued", workFunc(func(context.Context, func(scheduler.ProgressData)) (scheduler.OutputData, error) {
		t.Error("queued work should never run")
		return scheduler.OutputData{}, nil
	}))

	p.Cancel("queued")
	collect(t, p, "queued", scheduler.RawCancelled)

	close(release)
}

// Re-enqueueing an id while its cancelled worker is still draining must not
// touch the new work unit: the old worker's cleanup releases only its own
// registration, and its late reports carry the old generation.
func TestPoolReenqueueSurvivesDrainingWorker(t *testing.T) {
	p := scheduler.NewPool(2)
	defer p.Close()

	oldStarted := make(chan struct{})
	oldRelease := make(chan struct{})

	oldGen := p.Enqueue("w1", workFunc(func(ctx context.Context, _ func(scheduler.ProgressData)) (scheduler.OutputData, error) {
		close(oldStarted)
		<-oldRelease
		return scheduler.OutputData{}, ctx.Err()
	}))

	<-oldStarted
	p.Cancel("w1")

	newStarted := make(chan struct{})
	newRelease := make(chan struct{})
	newCtxErr := make(chan error, 1)

	newGen := p.Enqueue("w1", workFunc(func(ctx context.Context, _ func(scheduler.ProgressData)) (scheduler.OutputData, error) {
		close(newStarted)
		<-newRelease
		newCtxErr <- ctx.Err()
		return scheduler.OutputData{LocalPath: "/tmp/w1", FileSize: 1}, ctx.Err()
	}))

	require.NotEqual(t, oldGen, newGen)

	<-newStarted

	// Let the old worker exit and run its deferred cleanup while the new one
	// is mid-flight.
	close(oldRelease)
	time.Sleep(50 * time.Millisecond)
	close(newRelease)

	require.NoError(t, <-newCtxErr)

	updates := collect(t, p, "w1", scheduler.RawSucceeded)

	for _, u := range updates {
		if u.State == scheduler.RawCancelled {
			assert.Equal(t, oldGen, u.Gen)
		}
	}

	assert.Equal(t, newGen, updates[len(updates)-1].Gen)
}

func TestPoolBoundsConcurrency(t *testing.T) {
	p := scheduler.NewPool(2)
	defer p.Close()

	var running, peak atomic.Int32

	done := make(chan string, 6)

	for _, id := range []string{"a", "b", "c", "d", "e", "f"} {
		p.Enqueue(id, workFunc(func(context.Context, func(scheduler.ProgressData)) (scheduler.OutputData, error) {
			n := running.Add(1)

			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}

			time.Sleep(20 * time.Millisecond)
			running.Add(-1)

			return scheduler.OutputData{}, nil
		}))
	}

	finished := 0

	timeout := time.After(5 * time.Second)
	for finished < 6 {
		select {
		case u := <-p.Updates():
			if u.State == scheduler.RawSucceeded {
				finished++
				done <- u.WorkID
			}
		case <-timeout:
			t.Fatalf("timed out, finished %d of 6", finished)
		}
	}

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestUpdateToEvent(t *testing.T) {
	tests := []struct {
		name   string
		update scheduler.Update
		want   state.Event
	}{
		{
			"enqueued",
			scheduler.Update{WorkID: "d1", State: scheduler.RawEnqueued},
			state.WorkEnqueued{ID: "d1"},
		},
		{
			"running without progress is the start signal",
			scheduler.Update{WorkID: "d1", State: scheduler.RawRunning},
			state.WorkStarted{ID: "d1"},
		},
		{
			"running with progress",
			scheduler.Update{
				WorkID: "d1",
				State:  scheduler.RawRunning,
				Progress: scheduler.ProgressData{
					Snapshot: progress.Snapshot{Percent: 40, DownloadedBytes: 400, TotalBytes: 1000},
				},
			},
			state.ProgressUpdated{ID: "d1", Progress: 40, DownloadedBytes: 400, TotalBytes: 1000},
		},
		{
			"succeeded",
			scheduler.Update{WorkID: "d1", State: scheduler.RawSucceeded, Output: scheduler.OutputData{LocalPath: "/x", FileSize: 7}},
			state.WorkCompleted{ID: "d1", LocalPath: "/x", FileSize: 7},
		},
		{
			"failed",
			scheduler.Update{WorkID: "d1", State: scheduler.RawFailed, Error: "boom"},
			state.WorkFailed{ID: "d1", Reason: "boom"},
		},
		{
			"cancelled",
			scheduler.Update{WorkID: "d1", State: scheduler.RawCancelled},
			state.WorkCancelled{ID: "d1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.update.ToEvent())
		})
	}
}
