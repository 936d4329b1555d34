package httpdl

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vdm-project/vdm/internal/config"
	"github.com/vdm-project/vdm/internal/logger"
	"github.com/vdm-project/vdm/internal/progress"
	"github.com/vdm-project/vdm/internal/scheduler"
	"github.com/vdm-project/vdm/internal/storage"
	"github.com/vdm-project/vdm/pkg/httpx"
)

var (
	ErrMissingURL        = errors.New("download url is required")
	ErrMissingFileName   = errors.New("file name is required")
	ErrResumeUnsupported = errors.New("server ignored resume request")
	ErrUnexpectedStatus  = errors.New("unexpected response status")
)

// Executor transfers one plain HTTP file. It resumes from ResumeOffset with
// a Range request and appends to the existing partial file; a server that
// answers a resume request with anything but 206 is a hard failure rather
// than a silent restart.
type Executor struct {
	client *httpx.Client
	store  storage.Storage
	cfg    *config.HttpConfig

	url          string
	fileName     string
	resumeOffset int64
}

// New creates an HTTP executor for one download.
func New(client *httpx.Client, store storage.Storage, cfg *config.HttpConfig, url, fileName string, resumeOffset int64) (*Executor, error) {
	if url == "" {
		return nil, ErrMissingURL
	}

	if fileName == "" {
		return nil, ErrMissingFileName
	}

	return &Executor{
		client:       client,
		store:        store,
		cfg:          cfg,
		url:          url,
		fileName:     fileName,
		resumeOffset: resumeOffset,
	}, nil
}

// Run implements scheduler.Work.
func (e *Executor) Run(ctx context.Context, report func(scheduler.ProgressData)) (scheduler.OutputData, error) {
	var (
		out     scheduler.OutputData
		lastErr error
	)

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			logger.Debugf("retrying http download %s, attempt %d", e.url, attempt+1)

			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(e.cfg.RetryDelay):
			}

			// Whatever a failed attempt wrote stays usable for resume.
			e.resumeOffset = e.store.Length(e.fileName)
		}

		var err error

		out, err = e.transfer(ctx, report)
		if err == nil {
			return out, nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) || !httpx.IsRetryable(err) {
			return out, err
		}
	}

	return out, lastErr
}

func (e *Executor) transfer(ctx context.Context, report func(scheduler.ProgressData)) (scheduler.OutputData, error) {
	var out scheduler.OutputData

	resuming := e.resumeOffset > 0

	var (
		resp *http.Response
		err  error
	)

	if resuming {
		resp, err = e.client.GetFrom(ctx, e.url, e.resumeOffset)
	} else {
		resp, err = e.client.Get(ctx, e.url, nil)
	}

	if err != nil {
		return out, err
	}

	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warnf("failed to close response body for %s: %v", e.url, closeErr)
		}
	}()

	total, err := e.validate(resp, resuming)
	if err != nil {
		return out, err
	}

	handle, shouldAppend, err := e.store.CreateOrGetFile(e.fileName, resp.Header.Get("Content-Type"), resuming, e.resumeOffset)
	if err != nil {
		return out, fmt.Errorf("failed to open output file: %w", err)
	}

	if resuming && !shouldAppend {
		// Partial file went missing underneath us; the 206 body no longer
		// lines up with what is on disk.
		return out, fmt.Errorf("%w: partial file missing for resume at %d", ErrResumeUnsupported, e.resumeOffset)
	}

	sink, err := handle.OpenWriter(shouldAppend)
	if err != nil {
		return out, fmt.Errorf("failed to open output writer: %w", err)
	}

	// Servers often name the file through Content-Disposition; surface that
	// as the download's display name.
	displayName := httpx.GetFilename(resp)

	tracker := progress.NewTracker(e.cfg.SpeedWindow, e.cfg.ProgressInterval, func(s progress.Snapshot) {
		report(scheduler.ProgressData{Snapshot: s, DisplayName: displayName})
	})

	base := int64(0)
	if shouldAppend {
		base = e.resumeOffset
	}

	written, copyErr := httpx.Copy(ctx, sink, resp.Body, func(n int64) {
		tracker.Update(base+n, total, false)
	})

	if closeErr := sink.Close(); closeErr != nil && copyErr == nil {
		copyErr = fmt.Errorf("failed to close output file: %w", closeErr)
	}

	if copyErr != nil {
		// Bytes already on disk stay there so a later resume can continue.
		return out, copyErr
	}

	finalSize := base + written
	tracker.Update(finalSize, total, true)

	out.LocalPath = handle.Path()
	out.FileSize = finalSize

	return out, nil
}

// validate checks the response status against the request mode and returns
// the expected total size (0 when unknown).
func (e *Executor) validate(resp *http.Response, resuming bool) (int64, error) {
	if resuming {
		if resp.StatusCode != http.StatusPartialContent {
			return 0, fmt.Errorf("%w: got %d, want 206", ErrResumeUnsupported, resp.StatusCode)
		}

		if total := httpx.ContentRangeTotal(resp.Header.Get("Content-Range")); total > 0 {
			return total, nil
		}

		if resp.ContentLength > 0 {
			return e.resumeOffset + resp.ContentLength, nil
		}

		return 0, nil
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: got %d, want 200", ErrUnexpectedStatus, resp.StatusCode)
	}

	if resp.ContentLength > 0 {
		return resp.ContentLength, nil
	}

	return 0, nil
}
