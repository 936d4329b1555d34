package notify

import (
	"sync"
	"time"

	"github.com/vdm-project/vdm/internal/logger"
	"github.com/vdm-project/vdm/internal/status"
)

// Notifier receives user-facing download updates. Implementations must be
// cheap; the manager calls UpdateProgress on every published record change.
type Notifier interface {
	UpdateProgress(id, displayName string, percent int, st status.Status, detail string)
	Completed(id, displayName, localPath string)
}

// LogNotifier writes notifications to the process log, throttling per-id
// progress lines so a busy transfer doesn't flood the output.
type LogNotifier struct {
	mu       sync.Mutex
	interval time.Duration
	lastSeen map[string]time.Time
}

// NewLogNotifier creates a log-backed notifier emitting at most one progress
// line per download per interval.
func NewLogNotifier(interval time.Duration) *LogNotifier {
	return &LogNotifier{
		interval: interval,
		lastSeen: make(map[string]time.Time),
	}
}

func (n *LogNotifier) UpdateProgress(id, displayName string, percent int, st status.Status, detail string) {
	n.mu.Lock()

	now := time.Now()
	if last, ok := n.lastSeen[id]; ok && now.Sub(last) < n.interval && st == status.Downloading {
		n.mu.Unlock()
		return
	}

	n.lastSeen[id] = now
	n.mu.Unlock()

	logger.Infof("download %s (%s): %d%% %s %s", id, displayName, percent, status.String(st), detail)
}

func (n *LogNotifier) Completed(id, displayName, localPath string) {
	n.mu.Lock()
	delete(n.lastSeen, id)
	n.mu.Unlock()

	logger.Infof("download %s (%s) completed: %s", id, displayName, localPath)
}
