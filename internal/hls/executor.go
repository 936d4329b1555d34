package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/vdm-project/vdm/internal/config"
	"github.com/vdm-project/vdm/internal/logger"
	"github.com/vdm-project/vdm/internal/progress"
	"github.com/vdm-project/vdm/internal/scheduler"
	"github.com/vdm-project/vdm/internal/storage"
	"github.com/vdm-project/vdm/pkg/httpx"
)

var (
	ErrMissingURL      = errors.New("playlist url is required")
	ErrMissingFileName = errors.New("file name is required")
)

const headSampleConcurrency = 4

// Executor downloads one HLS stream: resolve the playlist, estimate total
// size from a HEAD sample, then fetch segments strictly in playlist order and
// append each one to a single output file. Order is a correctness
// requirement; out-of-order writes corrupt the media container.
type Executor struct {
	client   *httpx.Client
	store    storage.Storage
	cfg      *config.HlsConfig
	resolver *Resolver

	url      string
	fileName string
	quality  string
}

// NewExecutor creates an HLS executor for one download.
func NewExecutor(client *httpx.Client, store storage.Storage, cfg *config.HlsConfig, url, fileName, quality string) (*Executor, error) {
	if url == "" {
		return nil, ErrMissingURL
	}

	if fileName == "" {
		return nil, ErrMissingFileName
	}

	return &Executor{
		client:   client,
		store:    store,
		cfg:      cfg,
		resolver: NewResolver(client),
		url:      url,
		fileName: fileName,
		quality:  quality,
	}, nil
}

// Run implements scheduler.Work.
func (e *Executor) Run(ctx context.Context, report func(scheduler.ProgressData)) (scheduler.OutputData, error) {
	var out scheduler.OutputData

	media, err := e.resolver.Resolve(ctx, e.url, e.quality)
	if err != nil {
		return out, err
	}

	totalSegments := len(media.Segments)
	estimated := e.estimateTotalSize(ctx, media.Segments)

	logger.Debugf("hls %s: %d segments, estimated %d bytes", e.url, totalSegments, estimated)

	// Surface the inferred title before the first segment lands.
	report(scheduler.ProgressData{DisplayName: media.DisplayName})

	handle, _, err := e.store.CreateOrGetFile(e.fileName, media.MimeType, false, 0)
	if err != nil {
		return out, fmt.Errorf("failed to open output file: %w", err)
	}

	sink, err := handle.OpenWriter(false)
	if err != nil {
		return out, fmt.Errorf("failed to open output writer: %w", err)
	}

	tracker := progress.NewTracker(e.cfg.SpeedWindow, e.cfg.ProgressInterval, func(s progress.Snapshot) {
		report(scheduler.ProgressData{Snapshot: s, DisplayName: media.DisplayName})
	})
	tracker.SetSegments(0, totalSegments)

	var downloaded int64

	for i, segURL := range media.Segments {
		// Cancellation is honored between segments only, so the output file
		// always ends on a segment boundary.
		if err := ctx.Err(); err != nil {
			sink.Close()
			return out, err
		}

		data, err := e.fetchSegment(ctx, segURL)
		if err != nil {
			sink.Close()
			return out, fmt.Errorf("failed to download segment %d/%d: %w", i+1, totalSegments, err)
		}

		if _, err := sink.Write(data); err != nil {
			sink.Close()
			return out, fmt.Errorf("failed to write segment %d/%d: %w", i+1, totalSegments, err)
		}

		downloaded += int64(len(data))

		total := estimated
		if downloaded > total {
			total = downloaded
		}

		tracker.SetSegments(i+1, totalSegments)
		tracker.Update(downloaded, total, false)
	}

	if err := sink.Close(); err != nil {
		return out, fmt.Errorf("failed to close output file: %w", err)
	}

	// Final update carries the actual size, not the estimate.
	tracker.Update(downloaded, downloaded, true)

	out.LocalPath = handle.Path()
	out.FileSize = downloaded

	return out, nil
}

// fetchSegment reads one whole segment into memory. Writing only complete
// segments keeps the merged file valid if we are cancelled mid-fetch.
func (e *Executor) fetchSegment(ctx context.Context, segURL string) ([]byte, error) {
	resp, err := e.client.Get(ctx, segURL, nil)
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

// estimateTotalSize HEAD-requests a bounded sample of segments, averages
// their sizes, and inflates by the configured safety margin so progress is
// not under-reported. Probe failures are transient: logged and skipped. If
// nothing succeeds, a fixed per-segment assumption is used.
func (e *Executor) estimateTotalSize(ctx context.Context, segments []string) int64 {
	sampleSize := e.cfg.SizeSampleCount
	if sampleSize > len(segments) {
		sampleSize = len(segments)
	}

	var (
		mu          sync.Mutex
		sampleTotal int64
		samples     int
	)

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(headSampleConcurrency)

	for _, segURL := range segments[:sampleSize] {
		g.Go(func() error {
			resp, err := e.client.Head(groupCtx, segURL, nil)
			if err != nil {
				logger.Debugf("segment size probe failed for %s: %v", segURL, err)
				return nil
			}

			resp.Body.Close()

			length, _ := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
			if length > 0 {
				mu.Lock()
				sampleTotal += length
				samples++
				mu.Unlock()
			}

			return nil
		})
	}

	_ = g.Wait()

	if samples > 0 {
		avg := sampleTotal / int64(samples)
		return int64(float64(avg) * float64(len(segments)) * e.cfg.SizeSafetyMargin)
	}

	return int64(len(segments)) * e.cfg.FallbackSegmentSize
}
