package scheduler

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vdm-project/vdm/internal/logger"
)

const updateBuffer = 256

// workEntry is one registered enqueue of a work id. The generation tells a
// draining worker whether the registration is still its own or belongs to a
// later enqueue of the same id.
type workEntry struct {
	cancel context.CancelFunc
	gen    uint64
}

// Pool is the in-process Scheduler: a bounded worker pool where every work
// unit is independently cancellable by id.
type Pool struct {
	mu      sync.Mutex
	entries map[string]workEntry
	lastGen uint64
	closed  bool

	sem     chan struct{}
	group   *errgroup.Group
	updates chan Update

	ctx       context.Context
	cancelAll context.CancelFunc
}

// NewPool creates a pool running at most maxConcurrent work units at a time.
func NewPool(maxConcurrent int) *Pool {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		entries:   make(map[string]workEntry),
		sem:       make(chan struct{}, maxConcurrent),
		group:     new(errgroup.Group),
		updates:   make(chan Update, updateBuffer),
		ctx:       ctx,
		cancelAll: cancel,
	}
}

// Updates returns the raw update stream. The channel is closed by Close.
func (p *Pool) Updates() <-chan Update {
	return p.updates
}

// Enqueue registers a work unit and schedules it for execution. The
// enqueued update is emitted before Enqueue returns. The returned generation
// is stamped on every update the work unit produces; enqueueing the same id
// again supersedes the previous registration.
func (p *Pool) Enqueue(workID string, w Work) uint64 {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		logger.Warnf("scheduler closed, dropping work %s", workID)

		return 0
	}

	workCtx, cancel := context.WithCancel(p.ctx)

	p.lastGen++
	gen := p.lastGen
	p.entries[workID] = workEntry{cancel: cancel, gen: gen}
	p.mu.Unlock()

	p.send(Update{WorkID: workID, Gen: gen, State: RawEnqueued})

	p.group.Go(func() error {
		// Release only this worker's own registration: a re-enqueue of the
		// same id while this worker is still draining must keep its fresh
		// context.
		defer cancel()
		defer p.release(workID, gen)

		// Wait for a slot; a cancel while queued wins.
		select {
		case <-workCtx.Done():
			p.send(Update{WorkID: workID, Gen: gen, State: RawCancelled})
			return nil
		case p.sem <- struct{}{}:
			defer func() { <-p.sem }()
		}

		if workCtx.Err() != nil {
			p.send(Update{WorkID: workID, Gen: gen, State: RawCancelled})
			return nil
		}

		p.send(Update{WorkID: workID, Gen: gen, State: RawRunning})

		out, err := w.Run(workCtx, func(pd ProgressData) {
			p.send(Update{WorkID: workID, Gen: gen, State: RawRunning, Progress: pd})
		})

		switch {
		case err == nil:
			p.send(Update{WorkID: workID, Gen: gen, State: RawSucceeded, Output: out})
		case errors.Is(err, context.Canceled) || workCtx.Err() != nil:
			p.send(Update{WorkID: workID, Gen: gen, State: RawCancelled})
		default:
			logger.Errorf("work %s failed: %v", workID, err)
			p.send(Update{WorkID: workID, Gen: gen, State: RawFailed, Error: err.Error()})
		}

		return nil
	})

	return gen
}

// Cancel requests cancellation of the work unit with the given id. Unknown
// ids are ignored.
func (p *Pool) Cancel(workID string) {
	p.mu.Lock()
	entry, ok := p.entries[workID]
	p.mu.Unlock()

	if ok {
		entry.cancel()
	}
}

// Close cancels all in-flight work, waits for it to drain, then closes the
// update stream. Consumers must keep draining Updates until it closes.
func (p *Pool) Close() {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return
	}

	p.closed = true
	p.mu.Unlock()

	p.cancelAll()
	_ = p.group.Wait()
	close(p.updates)
}

func (p *Pool) release(workID string, gen uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if entry, ok := p.entries[workID]; ok && entry.gen == gen {
		delete(p.entries, workID)
	}
}

func (p *Pool) send(u Update) {
	select {
	case p.updates <- u:
	default:
		// The consumer stalled long enough to fill the buffer. Progress
		// updates are droppable; terminal updates are not, so block for them.
		if u.State == RawRunning || u.State == RawEnqueued {
			logger.Debugf("dropping progress update for work %s", u.WorkID)
			return
		}

		p.updates <- u
	}
}
