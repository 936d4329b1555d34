package manager

import (
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/vdm-project/vdm/internal/config"
	"github.com/vdm-project/vdm/internal/controller"
	"github.com/vdm-project/vdm/internal/hls"
	"github.com/vdm-project/vdm/internal/httpdl"
	"github.com/vdm-project/vdm/internal/logger"
	"github.com/vdm-project/vdm/internal/notify"
	"github.com/vdm-project/vdm/internal/record"
	"github.com/vdm-project/vdm/internal/repository"
	"github.com/vdm-project/vdm/internal/scheduler"
	"github.com/vdm-project/vdm/internal/state"
	"github.com/vdm-project/vdm/internal/status"
	"github.com/vdm-project/vdm/internal/storage"
	"github.com/vdm-project/vdm/internal/torrent"
	"github.com/vdm-project/vdm/pkg/httpx"
)

var (
	ErrMissingURL        = errors.New("source url is required")
	ErrUnknownDownload   = errors.New("unknown download id")
	ErrCannotRetry       = errors.New("download is not in a retryable state")
	ErrInvalidTransition = errors.New("command not valid in current state")
	ErrClosed            = errors.New("manager is closed")
)

// Manager is the public facade. It infers the download type, builds the
// matching executor, delegates execution to the scheduler, and folds
// scheduler updates back into the controller, the repository, and the
// notifier.
type Manager struct {
	cfg      *config.Config
	ctrl     *controller.Controller
	sched    scheduler.Scheduler
	repo     *repository.BboltRepository
	store    storage.Storage
	bridge   torrent.Bridge
	notifier notify.Notifier
	client   *httpx.Client

	// mu serializes Start/Resume/Retry and update consumption so duplicate
	// checks, enqueues, and stale-report filtering cannot interleave.
	mu sync.Mutex

	// gens holds the scheduler generation of each download's latest enqueue.
	// Updates stamped with an older generation come from a superseded worker
	// and are dropped.
	gens map[string]uint64

	closed atomic.Bool
	wg     sync.WaitGroup
}

// New creates a manager, rehydrates persisted downloads, and starts consuming
// scheduler updates. Downloads that were mid-transfer when the process died
// come back as Paused so the user can resume them.
func New(cfg *config.Config, sched scheduler.Scheduler, repo *repository.BboltRepository, store storage.Storage, bridge torrent.Bridge, notifier notify.Notifier) (*Manager, error) {
	m := &Manager{
		cfg:      cfg,
		ctrl:     controller.New(),
		sched:    sched,
		repo:     repo,
		store:    store,
		bridge:   bridge,
		notifier: notifier,
		client:   httpx.NewClient(),
		gens:     make(map[string]uint64),
	}

	recs, err := repo.FindAll()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted downloads: %w", err)
	}

	m.ctrl.InitializeFromPersisted(recs)

	for _, rec := range recs {
		if rec.Status != status.Pending && rec.Status != status.Downloading {
			continue
		}

		if _, ok := m.ctrl.ExecuteCommand(state.Pause{ID: rec.ID}); ok {
			m.persist(rec.ID)
		}
	}

	m.wg.Add(1)
	go m.consumeUpdates()

	return m, nil
}

// Start begins a new download, or reuses an existing one with the same
// source URL: in-flight and completed duplicates are a no-op returning the
// existing id, a paused duplicate is resumed, a failed or cancelled one is
// retried.
func (m *Manager) Start(mediaRef, rawURL, fileName, quality string) (string, error) {
	if m.closed.Load() {
		return "", ErrClosed
	}

	if rawURL == "" {
		return "", ErrMissingURL
	}

	if fileName == "" {
		fileName = defaultFileName(rawURL)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, rec := range m.ctrl.Downloads() {
		if rec.SourceURL != rawURL {
			continue
		}

		switch rec.Status {
		case status.Pending, status.Downloading, status.Completed:
			return rec.ID, nil
		case status.Paused:
			return rec.ID, m.resumeLocked(rec.ID)
		case status.Failed, status.Cancelled:
			return rec.ID, m.retryLocked(rec.ID)
		}
	}

	id := uuid.New().String()

	if _, ok := m.ctrl.ExecuteCommand(state.Start{ID: id, MediaRef: mediaRef, URL: rawURL, FileName: fileName}); !ok {
		return "", ErrInvalidTransition
	}

	if quality != "" {
		if rec, ok := m.ctrl.Record(id); ok && rec.Type == record.HLS {
			m.ctrl.ApplyStats(id, 0, nil, &record.HLSStats{Quality: quality}, nil)
		}
	}

	m.persist(id)

	if err := m.enqueue(id, 0); err != nil {
		return id, err
	}

	return id, nil
}

// Pause suspends a queued or running download. The state transition happens
// before the work unit is cancelled, so the cancellation report from the
// scheduler finds the download already Paused and is suppressed.
func (m *Manager) Pause(id string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	if _, ok := m.ctrl.ExecuteCommand(state.Pause{ID: id}); !ok {
		return ErrInvalidTransition
	}

	m.sched.Cancel(id)
	m.persist(id)

	return nil
}

// Resume re-enqueues a paused download. HTTP downloads continue from the
// bytes already on disk; HLS and torrent downloads start over.
func (m *Manager) Resume(id string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.resumeLocked(id)
}

func (m *Manager) resumeLocked(id string) error {
	rec, ok := m.ctrl.Record(id)
	if !ok {
		return ErrUnknownDownload
	}

	if _, ok := m.ctrl.ExecuteCommand(state.Resume{ID: id}); !ok {
		return ErrInvalidTransition
	}

	var offset int64
	if rec.Type == record.HTTP {
		offset = m.store.Length(rec.FileName)
		if offset > 0 {
			m.ctrl.ApplyStats(id, 0, nil, nil, &record.HTTPStats{ResumeSupported: true, Connections: 1})
		}
	}

	m.persist(id)

	return m.enqueue(id, offset)
}

// Cancel stops a download but keeps its record visible until Remove.
func (m *Manager) Cancel(id string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	if _, ok := m.ctrl.ExecuteCommand(state.Cancel{ID: id}); !ok {
		return ErrInvalidTransition
	}

	m.sched.Cancel(id)
	m.persist(id)

	return nil
}

// Retry restarts a failed or cancelled download from scratch.
func (m *Manager) Retry(id string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.retryLocked(id)
}

func (m *Manager) retryLocked(id string) error {
	rec, ok := m.ctrl.Record(id)
	if !ok {
		return ErrUnknownDownload
	}

	if !rec.CanRetry() {
		return ErrCannotRetry
	}

	cmd := state.Start{ID: id, MediaRef: rec.MediaRef, URL: rec.SourceURL, FileName: rec.FileName}
	if _, ok := m.ctrl.ExecuteCommand(cmd); !ok {
		return ErrInvalidTransition
	}

	m.persist(id)

	return m.enqueue(id, 0)
}

// Remove cancels the download, deletes its record and its output file.
func (m *Manager) Remove(id string) error {
	if m.closed.Load() {
		return ErrClosed
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	rec, found := m.ctrl.Record(id)

	m.sched.Cancel(id)

	if _, ok := m.ctrl.ExecuteCommand(state.Remove{ID: id}); !ok {
		return ErrUnknownDownload
	}

	delete(m.gens, id)

	if found {
		if err := m.store.Remove(rec.FileName); err != nil {
			logger.Warnf("failed to remove file for download %s: %v", id, err)
		}
	}

	if err := m.repo.Delete(id); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}

	return nil
}

// Record returns a copy of one download's record.
func (m *Manager) Record(id string) (record.Record, bool) {
	return m.ctrl.Record(id)
}

// Downloads returns a snapshot of all records, oldest first.
func (m *Manager) Downloads() []record.Record {
	return m.ctrl.Downloads()
}

// Progress streams progress percentages for one download. The stream closes
// when the download reaches a terminal state or when stop is called.
func (m *Manager) Progress(id string) (<-chan int, func()) {
	src, cancelSub := m.ctrl.Subscribe()
	out := make(chan int, 16)

	go func() {
		defer close(out)
		defer cancelSub()

		for rec := range src {
			if rec.ID != id {
				continue
			}

			select {
			case out <- rec.ProgressPercent:
			default:
			}

			if rec.IsTerminal() {
				return
			}
		}
	}()

	return out, cancelSub
}

// Close stops the scheduler and waits for the update loop to drain. Running
// downloads are cancelled; they come back as Paused on the next start.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	for _, rec := range m.ctrl.Downloads() {
		if rec.Status == status.Downloading || rec.Status == status.Pending {
			if _, ok := m.ctrl.ExecuteCommand(state.Pause{ID: rec.ID}); ok {
				m.persist(rec.ID)
			}
		}
	}

	m.sched.Close()
	m.wg.Wait()
}

// enqueue builds the executor matching the record's type and hands it to the
// scheduler. A construction failure marks the download Failed.
func (m *Manager) enqueue(id string, resumeOffset int64) error {
	rec, ok := m.ctrl.Record(id)
	if !ok {
		return ErrUnknownDownload
	}

	work, err := m.buildWork(rec, resumeOffset)
	if err != nil {
		m.ctrl.HandleWorkEvent(state.WorkFailed{ID: id, Reason: err.Error()})
		m.persist(id)

		return err
	}

	m.gens[id] = m.sched.Enqueue(id, work)

	return nil
}

func (m *Manager) buildWork(rec record.Record, resumeOffset int64) (scheduler.Work, error) {
	switch rec.Type {
	case record.HLS:
		quality := ""
		if rec.HLS != nil {
			quality = rec.HLS.Quality
		}

		return hls.NewExecutor(m.client, m.store, m.cfg.Hls, rec.SourceURL, rec.FileName, quality)
	case record.Torrent, record.Magnet:
		return torrent.NewExecutor(m.client, m.store, m.cfg.Torrent, m.bridge, rec.SourceURL, rec.FileName)
	default:
		return httpdl.New(m.client, m.store, m.cfg.Http, rec.SourceURL, rec.FileName, resumeOffset)
	}
}

func (m *Manager) consumeUpdates() {
	defer m.wg.Done()

	for u := range m.sched.Updates() {
		m.handleUpdate(u)
	}
}

func (m *Manager) handleUpdate(u scheduler.Update) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen, ok := m.gens[u.WorkID]; ok && u.Gen != gen {
		// The cancelled worker of a paused download can drain after a resume
		// re-enqueued the id; its reports belong to the old generation.
		logger.Debugf("dropping stale update for download %s", u.WorkID)
		return
	}

	if u.State == scheduler.RawRunning && u.Progress.DisplayName != "" {
		m.ctrl.SetDisplayName(u.WorkID, u.Progress.DisplayName)
	}

	if _, ok := m.ctrl.HandleWorkEvent(u.ToEvent()); !ok {
		// Rejected transition: unknown id or a suppressed pause-race report.
		return
	}

	rec, found := m.ctrl.Record(u.WorkID)
	if !found {
		return
	}

	if u.State == scheduler.RawRunning {
		var hlsStats *record.HLSStats
		if rec.Type == record.HLS && u.Progress.TotalSegments > 0 {
			hlsStats = &record.HLSStats{
				SegmentsDownloaded: u.Progress.SegmentsDownloaded,
				TotalSegments:      u.Progress.TotalSegments,
			}
		}

		if u.Progress.SpeedBPS > 0 || u.Progress.Torrent != nil || hlsStats != nil {
			m.ctrl.ApplyStats(u.WorkID, u.Progress.SpeedBPS, u.Progress.Torrent, hlsStats, nil)
			rec, _ = m.ctrl.Record(u.WorkID)
		}
	}

	m.persist(u.WorkID)

	switch rec.Status {
	case status.Downloading:
		detail := fmt.Sprintf("%d/%d bytes", rec.DownloadedBytes, rec.TotalBytes)
		m.notifier.UpdateProgress(rec.ID, rec.Title(), rec.ProgressPercent, rec.Status, detail)
	case status.Completed:
		m.notifier.Completed(rec.ID, rec.Title(), rec.LocalPath)
	case status.Failed:
		m.notifier.UpdateProgress(rec.ID, rec.Title(), rec.ProgressPercent, rec.Status, rec.ErrorMessage)
	}
}

func (m *Manager) persist(id string) {
	rec, ok := m.ctrl.Record(id)
	if !ok {
		return
	}

	if err := m.repo.Save(rec); err != nil {
		logger.Errorf("failed to persist download %s: %v", id, err)
	}
}

func defaultFileName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "download"
	}

	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return "download"
	}

	return base
}
