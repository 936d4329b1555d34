package torrent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/vdm-project/vdm/internal/config"
	"github.com/vdm-project/vdm/internal/logger"
	"github.com/vdm-project/vdm/internal/progress"
	"github.com/vdm-project/vdm/internal/record"
	"github.com/vdm-project/vdm/internal/scheduler"
	"github.com/vdm-project/vdm/internal/storage"
	"github.com/vdm-project/vdm/pkg/httpx"
)

var (
	ErrMissingLink      = errors.New("torrent link is required")
	ErrMissingFileName  = errors.New("file name is required")
	ErrMissingBridge    = errors.New("torrent bridge is required")
	ErrUnexpectedStatus = errors.New("unexpected response status from torrent stream")
)

// Executor downloads one torrent or magnet source. The bridge turns the link
// into a local HTTP stream; the transfer itself is a plain sequential copy. A
// status poller runs alongside and folds swarm metrics into progress reports.
type Executor struct {
	client *httpx.Client
	store  storage.Storage
	cfg    *config.TorrentConfig
	bridge Bridge

	link     string
	fileName string
}

// NewExecutor creates a torrent executor for one download.
func NewExecutor(client *httpx.Client, store storage.Storage, cfg *config.TorrentConfig, bridge Bridge, link, fileName string) (*Executor, error) {
	if link == "" {
		return nil, ErrMissingLink
	}

	if fileName == "" {
		return nil, ErrMissingFileName
	}

	if bridge == nil {
		return nil, ErrMissingBridge
	}

	return &Executor{
		client:   client,
		store:    store,
		cfg:      cfg,
		bridge:   bridge,
		link:     link,
		fileName: fileName,
	}, nil
}

// Run implements scheduler.Work.
func (e *Executor) Run(ctx context.Context, report func(scheduler.ProgressData)) (scheduler.OutputData, error) {
	var out scheduler.OutputData

	streamURL, h, err := e.bridge.Transform(ctx, e.link)
	if err != nil {
		return out, fmt.Errorf("failed to bridge torrent %s: %w", e.link, err)
	}

	defer h.Close()

	swarm := &swarmState{}

	pollCtx, stopPoll := context.WithCancel(ctx)
	defer stopPoll()

	go e.pollStatus(pollCtx, h, swarm)

	resp, err := e.client.Get(ctx, streamURL, nil)
	if err != nil {
		return out, err
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}

	handle, _, err := e.store.CreateOrGetFile(e.fileName, resp.Header.Get("Content-Type"), false, 0)
	if err != nil {
		return out, fmt.Errorf("failed to open output file: %w", err)
	}

	sink, err := handle.OpenWriter(false)
	if err != nil {
		return out, fmt.Errorf("failed to open output writer: %w", err)
	}

	tracker := progress.NewTracker(e.cfg.SpeedWindow, e.cfg.ProgressInterval, func(s progress.Snapshot) {
		report(scheduler.ProgressData{Snapshot: s, Torrent: swarm.stats(s)})
	})

	written, err := httpx.Copy(ctx, sink, resp.Body, func(n int64) {
		tracker.Update(n, total, false)
	})
	if err != nil {
		sink.Close()
		return out, err
	}

	if err := sink.Close(); err != nil {
		return out, fmt.Errorf("failed to close output file: %w", err)
	}

	tracker.Update(written, written, true)

	out.LocalPath = handle.Path()
	out.FileSize = written

	return out, nil
}

// pollStatus samples swarm status on a fixed interval. A failed poll is
// transient: logged, then retried after a longer backoff. It never fails the
// transfer.
func (e *Executor) pollStatus(ctx context.Context, h Handle, swarm *swarmState) {
	interval := e.cfg.StatusPollInterval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}

		st, err := h.Status()
		if err != nil {
			logger.Warnf("torrent status poll failed for %s: %v", e.link, err)

			interval = e.cfg.StatusPollBackoff

			continue
		}

		interval = e.cfg.StatusPollInterval

		swarm.set(st)
	}
}

// swarmState is the latest swarm sample shared between the poller and the
// progress emitter.
type swarmState struct {
	mu   sync.Mutex
	last Status
}

func (s *swarmState) set(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.last = st
}

func (s *swarmState) stats(snap progress.Snapshot) *record.TorrentStats {
	s.mu.Lock()
	st := s.last
	s.mu.Unlock()

	var eta int64
	if snap.SpeedBPS > 0 && snap.TotalBytes > snap.DownloadedBytes {
		eta = (snap.TotalBytes - snap.DownloadedBytes) / snap.SpeedBPS
	}

	return &record.TorrentStats{
		Peers:          st.Peers,
		Seeds:          st.Seeds,
		UploadSpeedBPS: st.UploadSpeedBPS,
		ShareRatio:     st.ShareRatio,
		ETASeconds:     eta,
	}
}
