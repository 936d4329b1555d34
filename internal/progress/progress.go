package progress

import (
	"sync"
	"time"
)

// Snapshot is one throttled progress emission for a download.
type Snapshot struct {
	Percent            int
	DownloadedBytes    int64
	TotalBytes         int64
	SpeedBPS           int64
	SegmentsDownloaded int
	TotalSegments      int
}

// Percent derives a bounded progress percentage from byte counts. Unknown
// totals report 0; the percentage is never set independently of the counts.
func Percent(downloaded, total int64) int {
	if total <= 0 {
		return 0
	}

	pct := int(float64(downloaded) / float64(total) * 100)
	if pct > 100 {
		pct = 100
	}

	if pct < 0 {
		pct = 0
	}

	return pct
}

// SpeedMeter smooths instantaneous byte rates over a fixed window of raw
// samples so emitted speeds don't jitter with every buffer read.
type SpeedMeter struct {
	window  int
	samples []int64
}

// NewSpeedMeter creates a meter averaging over the last window samples.
func NewSpeedMeter(window int) *SpeedMeter {
	if window <= 0 {
		window = 1
	}

	return &SpeedMeter{window: window}
}

// Add records a raw bytes-per-second sample and returns the smoothed rate.
func (m *SpeedMeter) Add(sample int64) int64 {
	m.samples = append(m.samples, sample)
	if len(m.samples) > m.window {
		m.samples = m.samples[len(m.samples)-m.window:]
	}

	var sum int64
	for _, s := range m.samples {
		sum += s
	}

	return sum / int64(len(m.samples))
}

// Tracker converts raw byte counts into percent/speed snapshots and throttles
// how often they reach the emit callback. Network loops call Update as often
// as they like; emissions happen at most once per interval, plus whenever
// force is set (terminal updates must never be dropped).
type Tracker struct {
	mu       sync.Mutex
	meter    *SpeedMeter
	interval time.Duration
	emit     func(Snapshot)

	lastEmit  time.Time
	lastBytes int64
	lastTime  time.Time
	lastSpeed int64

	segmentsDone  int
	segmentsTotal int
}

// NewTracker creates a tracker with the given smoothing window, minimum
// emission interval, and emit callback.
func NewTracker(window int, interval time.Duration, emit func(Snapshot)) *Tracker {
	return &Tracker{
		meter:    NewSpeedMeter(window),
		interval: interval,
		emit:     emit,
	}
}

// SetSegments updates the segment counters included in later snapshots.
func (t *Tracker) SetSegments(done, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.segmentsDone = done
	t.segmentsTotal = total
}

// Update records the cumulative downloaded bytes and emits a snapshot when
// the throttle interval elapsed or force is set. It returns the snapshot and
// whether it was emitted.
func (t *Tracker) Update(downloaded, total int64, force bool) (Snapshot, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	if t.lastTime.IsZero() {
		t.lastTime = now
		t.lastBytes = downloaded
	}

	speed := t.lastSpeed

	elapsed := now.Sub(t.lastTime).Seconds()
	if elapsed > 0 {
		raw := int64(float64(downloaded-t.lastBytes) / elapsed)
		speed = t.meter.Add(raw)
		t.lastTime = now
		t.lastBytes = downloaded
		t.lastSpeed = speed
	}

	snap := Snapshot{
		Percent:            Percent(downloaded, total),
		DownloadedBytes:    downloaded,
		TotalBytes:         total,
		SpeedBPS:           speed,
		SegmentsDownloaded: t.segmentsDone,
		TotalSegments:      t.segmentsTotal,
	}

	if !force && !t.lastEmit.IsZero() && now.Sub(t.lastEmit) < t.interval {
		return snap, false
	}

	t.lastEmit = now

	if t.emit != nil {
		t.emit(snap)
	}

	return snap, true
}
