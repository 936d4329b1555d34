package scheduler

import (
	"context"

	"github.com/vdm-project/vdm/internal/progress"
	"github.com/vdm-project/vdm/internal/record"
	"github.com/vdm-project/vdm/internal/state"
)

// RawState is the scheduler's own view of a work unit's lifecycle, before it
// is mapped into download events.
type RawState int32

const (
	RawEnqueued RawState = iota
	RawRunning
	RawSucceeded
	RawFailed
	RawCancelled
)

// ProgressData is the progress payload attached to running work updates.
// Torrent swarm stats ride along for torrent/magnet work units. DisplayName,
// when non-empty, is the human-facing title the executor resolved for the
// download (HLS playlist title, Content-Disposition file name).
type ProgressData struct {
	progress.Snapshot

	Torrent     *record.TorrentStats
	DisplayName string
}

// OutputData is the result payload of a succeeded work unit.
type OutputData struct {
	LocalPath string
	FileSize  int64
}

// Update is one raw state report for a work unit. Gen identifies which
// enqueue of WorkID produced the update, so consumers can drop reports from a
// superseded worker that is still draining after its id was re-enqueued.
type Update struct {
	WorkID   string
	Gen      uint64
	State    RawState
	Progress ProgressData
	Output   OutputData
	Error    string
}

// ToEvent maps a raw update 1:1 into the download event the controller
// consumes. A RawRunning update with no progress yet is the start signal.
func (u Update) ToEvent() state.Event {
	switch u.State {
	case RawEnqueued:
		return state.WorkEnqueued{ID: u.WorkID}
	case RawRunning:
		if u.Progress.DownloadedBytes > 0 || u.Progress.Percent > 0 || u.Progress.SegmentsDownloaded > 0 {
			return state.ProgressUpdated{
				ID:              u.WorkID,
				Progress:        u.Progress.Percent,
				DownloadedBytes: u.Progress.DownloadedBytes,
				TotalBytes:      u.Progress.TotalBytes,
			}
		}

		return state.WorkStarted{ID: u.WorkID}
	case RawSucceeded:
		return state.WorkCompleted{ID: u.WorkID, LocalPath: u.Output.LocalPath, FileSize: u.Output.FileSize}
	case RawFailed:
		return state.WorkFailed{ID: u.WorkID, Reason: u.Error}
	case RawCancelled:
		return state.WorkCancelled{ID: u.WorkID}
	default:
		return nil
	}
}

// Work is one schedulable, cancellable execution of a single download.
// Run streams until done, calling report for progress along the way, and
// returns the final output or an error. Cancellation arrives through ctx.
type Work interface {
	Run(ctx context.Context, report func(ProgressData)) (OutputData, error)
}

// Scheduler runs work units on a bounded pool and surfaces their lifecycle
// as a stream of raw updates. Enqueue returns the generation stamped on the
// work unit's updates; a later Enqueue of the same id supersedes it.
type Scheduler interface {
	Enqueue(workID string, w Work) uint64
	Cancel(workID string)
	Updates() <-chan Update
	Close()
}
