package controller

import (
	"sort"
	"sync"
	"time"

	"github.com/vdm-project/vdm/internal/logger"
	"github.com/vdm-project/vdm/internal/record"
	"github.com/vdm-project/vdm/internal/state"
	"github.com/vdm-project/vdm/internal/status"
)

const subscriberBuffer = 64

// Controller is the single source of truth for download lifecycles. It owns
// the id to state machine map and the published record map; every mutation
// goes through ExecuteCommand or HandleWorkEvent under one mutex, so state
// transitions for a given id are strictly linear.
type Controller struct {
	mu       sync.Mutex
	machines map[string]*state.Machine
	records  map[string]record.Record
	subs     map[int]chan record.Record
	nextSub  int
}

// New creates an empty controller.
func New() *Controller {
	return &Controller{
		machines: make(map[string]*state.Machine),
		records:  make(map[string]record.Record),
		subs:     make(map[int]chan record.Record),
	}
}

// ExecuteCommand routes a user command into the download's state machine and
// republishes the record on an accepted transition. Start lazily creates the
// machine and record together; any other command on an unknown id is
// rejected. Remove destroys both after the transition.
func (c *Controller) ExecuteCommand(cmd state.Command) (state.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := cmd.DownloadID()

	m, ok := c.machines[id]
	if !ok {
		start, isStart := cmd.(state.Start)
		if !isStart {
			return nil, false
		}

		m = state.NewMachine()
		c.machines[id] = m
		c.records[id] = record.New(id, start.MediaRef, start.URL, start.FileName)
	}

	next, ok := m.ExecuteCommand(cmd)
	if !ok {
		return nil, false
	}

	if _, isRemove := cmd.(state.Remove); isRemove {
		rec := c.records[id]
		delete(c.machines, id)
		delete(c.records, id)

		rec.Status = status.Cancelled
		rec.UpdatedAt = time.Now()
		c.publishLocked(rec)

		return next, true
	}

	c.applyStateLocked(id, next)

	return next, true
}

// HandleWorkEvent routes a scheduler event into the download's state machine.
// Events for unknown ids are dropped silently; they are expected after
// Remove, when the work unit's terminal report outlives the record.
func (c *Controller) HandleWorkEvent(ev state.Event) (state.State, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := ev.DownloadID()

	m, ok := c.machines[id]
	if !ok {
		logger.Debugf("dropping event for unknown download %s", id)
		return nil, false
	}

	next, ok := m.HandleEvent(ev)
	if !ok {
		return nil, false
	}

	c.applyStateLocked(id, next)

	return next, true
}

// ApplyStats merges speed and type-specific stats into a record without
// touching its lifecycle state.
func (c *Controller) ApplyStats(id string, speedBPS int64, torrent *record.TorrentStats, hls *record.HLSStats, http *record.HTTPStats) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return false
	}

	rec.SpeedBPS = speedBPS

	if torrent != nil {
		rec.Torrent = torrent
	}

	if hls != nil {
		merged := *hls
		if rec.HLS != nil {
			if merged.Quality == "" {
				merged.Quality = rec.HLS.Quality
			}

			merged.Encrypted = merged.Encrypted || rec.HLS.Encrypted
		}

		rec.HLS = &merged
	}

	if http != nil {
		rec.HTTP = http
	}

	rec.UpdatedAt = time.Now()
	c.records[id] = rec
	c.publishLocked(rec)

	return true
}

// SetDisplayName records the human-facing title an executor resolved for a
// download. Empty names and repeats are ignored.
func (c *Controller) SetDisplayName(id, name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return false
	}

	if name == "" || rec.DisplayName == name {
		return true
	}

	rec.DisplayName = name
	rec.UpdatedAt = time.Now()
	c.records[id] = rec
	c.publishLocked(rec)

	return true
}

// InitializeFromPersisted rehydrates machines and records from stored rows.
// Existing ids are not overwritten.
func (c *Controller) InitializeFromPersisted(recs []record.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, rec := range recs {
		if rec.ID == "" {
			continue
		}

		if _, exists := c.machines[rec.ID]; exists {
			continue
		}

		c.machines[rec.ID] = state.Restore(stateFor(rec))
		c.records[rec.ID] = rec
	}
}

// Record returns a copy of one download's record.
func (c *Controller) Record(id string) (record.Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]

	return rec, ok
}

// Downloads returns a snapshot of all records, oldest first.
func (c *Controller) Downloads() []record.Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]record.Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}

		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	return out
}

// Subscribe registers for record snapshots. Slow subscribers miss updates
// rather than blocking the write path. The returned func unsubscribes.
func (c *Controller) Subscribe() (<-chan record.Record, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := c.nextSub
	c.nextSub++

	ch := make(chan record.Record, subscriberBuffer)
	c.subs[idx] = ch

	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		if sub, ok := c.subs[idx]; ok {
			delete(c.subs, idx)
			close(sub)
		}
	}

	return ch, cancel
}

func (c *Controller) publishLocked(rec record.Record) {
	for _, ch := range c.subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// applyStateLocked projects a lifecycle state onto the published record.
func (c *Controller) applyStateLocked(id string, s state.State) {
	rec, ok := c.records[id]
	if !ok {
		return
	}

	switch st := s.(type) {
	case state.Queued:
		// Queued from a terminal state is a fresh attempt; a resumed
		// download keeps the bytes it already has on disk.
		if rec.Status == status.Failed || rec.Status == status.Cancelled {
			rec.ProgressPercent = 0
			rec.DownloadedBytes = 0
		}

		rec.Status = status.Pending
		rec.SpeedBPS = 0
		rec.ErrorMessage = ""
	case state.Running:
		rec.Status = status.Downloading

		// The bare start signal carries no counters; keep the record's.
		if st.Progress > 0 || st.DownloadedBytes > 0 {
			rec.ProgressPercent = st.Progress
			rec.DownloadedBytes = st.DownloadedBytes
			rec.TotalBytes = st.TotalBytes
		}
	case state.Paused:
		rec.Status = status.Paused
		rec.SpeedBPS = 0
	case state.Completed:
		rec.Status = status.Completed
		rec.LocalPath = st.LocalPath
		rec.TotalBytes = st.FileSize
		rec.DownloadedBytes = st.FileSize
		rec.ProgressPercent = 100
		rec.SpeedBPS = 0
		rec.ErrorMessage = ""
	case state.Failed:
		rec.Status = status.Failed
		rec.ErrorMessage = st.Reason
		rec.SpeedBPS = 0
	case state.Cancelled:
		rec.Status = status.Cancelled
		rec.SpeedBPS = 0
	}

	rec.UpdatedAt = time.Now()
	c.records[id] = rec
	c.publishLocked(rec)
}

// stateFor maps a persisted status back to a lifecycle state. A download that
// was mid-transfer when the process died comes back as Running; the caller
// decides whether to pause or re-enqueue it.
func stateFor(rec record.Record) state.State {
	switch rec.Status {
	case status.Pending:
		return state.Queued{}
	case status.Downloading:
		return state.Running{
			Progress:        rec.ProgressPercent,
			DownloadedBytes: rec.DownloadedBytes,
			TotalBytes:      rec.TotalBytes,
		}
	case status.Paused:
		return state.Paused{}
	case status.Completed:
		return state.Completed{LocalPath: rec.LocalPath, FileSize: rec.TotalBytes}
	case status.Failed:
		return state.Failed{Reason: rec.ErrorMessage}
	case status.Cancelled:
		return state.Cancelled{}
	default:
		return state.Idle{}
	}
}
