package hls_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdm-project/vdm/internal/config"
	"github.com/vdm-project/vdm/internal/hls"
	"github.com/vdm-project/vdm/internal/scheduler"
	"github.com/vdm-project/vdm/internal/storage"
	"github.com/vdm-project/vdm/pkg/httpx"
)

func testConfig() *config.HlsConfig {
	return &config.HlsConfig{
		SizeSampleCount:     10,
		SizeSafetyMargin:    1.3,
		FallbackSegmentSize: 3 << 20,
		ProgressInterval:    0,
		SpeedWindow:         5,
	}
}

// streamServer serves a master playlist with three renditions and records
// which paths were requested.
type streamServer struct {
	mu       sync.Mutex
	requests []string
	segments map[string][]byte
	server   *httptest.Server
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()

	s := &streamServer{
		segments: map[string][]byte{
			"/mid/seg_001.ts": bytes.Repeat([]byte("a"), 400),
			"/mid/seg_002.ts": bytes.Repeat([]byte("b"), 400),
			"/mid/seg_003.ts": bytes.Repeat([]byte("c"), 400),
		},
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/master.m3u8", func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		w.Write([]byte(`#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=100,RESOLUTION=320x180,CODECS="avc1.42e00a"
low/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=500,RESOLUTION=1280x720,CODECS="avc1.4d401f"
mid/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=900,RESOLUTION=1920x1080,CODECS="avc1.640028"
high/index.m3u8
`))
	})

	media := func(w http.ResponseWriter, r *http.Request) {
		s.record(r)
		w.Write([]byte(`#EXTM3U
#EXT-X-TITLE:Test Stream
#EXTINF:6.0,
seg_001.ts
#EXTINF:6.0,
seg_002.ts
#EXTINF:6.0,
seg_003.ts
#EXT-X-ENDLIST
`))
	}

	mux.HandleFunc("/low/index.m3u8", media)
	mux.HandleFunc("/mid/index.m3u8", media)
	mux.HandleFunc("/high/index.m3u8", media)

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		s.record(r)

		s.mu.Lock()
		data, ok := s.segments[r.URL.Path]
		s.mu.Unlock()

		if !ok {
			// Segment requests for low/high renditions reuse the mid bytes.
			base := filepath.Base(r.URL.Path)
			s.mu.Lock()
			data, ok = s.segments["/mid/"+base]
			s.mu.Unlock()
		}

		if !ok {
			http.NotFound(w, r)
			return
		}

		w.Write(data)
	})

	s.server = httptest.NewServer(mux)
	t.Cleanup(s.server.Close)

	return s
}

func (s *streamServer) record(r *http.Request) {
	s.mu.Lock()
	s.requests = append(s.requests, r.Method+" "+r.URL.Path)
	s.mu.Unlock()
}

func (s *streamServer) requested(entry string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, req := range s.requests {
		if req == entry {
			return true
		}
	}

	return false
}

func TestRunMergesSegmentsInOrder(t *testing.T) {
	srv := newStreamServer(t)

	store, err := storage.NewOSStorage(t.TempDir())
	require.NoError(t, err)

	exec, err := hls.NewExecutor(httpx.NewClient(), store, testConfig(), srv.server.URL+"/master.m3u8", "stream.ts", "")
	require.NoError(t, err)

	var reports []scheduler.ProgressData

	out, err := exec.Run(context.Background(), func(pd scheduler.ProgressData) {
		reports = append(reports, pd)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), out.FileSize)

	// The output is exactly segment 1 then 2 then 3, byte for byte.
	want := append(bytes.Repeat([]byte("a"), 400), bytes.Repeat([]byte("b"), 400)...)
	want = append(want, bytes.Repeat([]byte("c"), 400)...)

	data, err := os.ReadFile(out.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, want, data)

	require.NotEmpty(t, reports)
	final := reports[len(reports)-1]
	assert.Equal(t, 100, final.Percent)
	assert.Equal(t, int64(1200), final.DownloadedBytes)
	assert.Equal(t, int64(1200), final.TotalBytes)
	assert.Equal(t, 3, final.SegmentsDownloaded)
	assert.Equal(t, 3, final.TotalSegments)
}

// The title inferred from the playlist rides along on progress reports.
func TestRunReportsDisplayName(t *testing.T) {
	srv := newStreamServer(t)

	store, err := storage.NewOSStorage(t.TempDir())
	require.NoError(t, err)

	exec, err := hls.NewExecutor(httpx.NewClient(), store, testConfig(), srv.server.URL+"/master.m3u8", "stream.ts", "")
	require.NoError(t, err)

	var reports []scheduler.ProgressData

	_, err = exec.Run(context.Background(), func(pd scheduler.ProgressData) {
		reports = append(reports, pd)
	})
	require.NoError(t, err)

	require.NotEmpty(t, reports)

	for _, pd := range reports {
		assert.Equal(t, "Test_Stream", pd.DisplayName)
	}
}

// The default quality picks the middle rendition of the sorted list.
func TestRunSelectsMedianVariantByDefault(t *testing.T) {
	srv := newStreamServer(t)

	store, err := storage.NewOSStorage(t.TempDir())
	require.NoError(t, err)

	exec, err := hls.NewExecutor(httpx.NewClient(), store, testConfig(), srv.server.URL+"/master.m3u8", "stream.ts", "")
	require.NoError(t, err)

	_, err = exec.Run(context.Background(), func(scheduler.ProgressData) {})
	require.NoError(t, err)

	assert.True(t, srv.requested("GET /mid/index.m3u8"))
	assert.False(t, srv.requested("GET /low/index.m3u8"))
	assert.False(t, srv.requested("GET /high/index.m3u8"))
}

func TestRunSelectsLowVariant(t *testing.T) {
	srv := newStreamServer(t)

	store, err := storage.NewOSStorage(t.TempDir())
	require.NoError(t, err)

	exec, err := hls.NewExecutor(httpx.NewClient(), store, testConfig(), srv.server.URL+"/master.m3u8", "stream.ts", "low")
	require.NoError(t, err)

	_, err = exec.Run(context.Background(), func(scheduler.ProgressData) {})
	require.NoError(t, err)

	assert.True(t, srv.requested("GET /low/index.m3u8"))
	assert.False(t, srv.requested("GET /mid/index.m3u8"))
}

// Size estimation samples segments via HEAD and inflates by the safety margin.
func TestRunEstimatesTotalFromHeadSample(t *testing.T) {
	srv := newStreamServer(t)

	store, err := storage.NewOSStorage(t.TempDir())
	require.NoError(t, err)

	exec, err := hls.NewExecutor(httpx.NewClient(), store, testConfig(), srv.server.URL+"/master.m3u8", "stream.ts", "")
	require.NoError(t, err)

	var first scheduler.ProgressData

	_, err = exec.Run(context.Background(), func(pd scheduler.ProgressData) {
		if first.TotalBytes == 0 {
			first = pd
		}
	})
	require.NoError(t, err)

	assert.True(t, srv.requested("HEAD /mid/seg_001.ts"))

	// 3 segments of 400 bytes each, times the 1.3 margin.
	assert.Equal(t, int64(1560), first.TotalBytes)
}

// Cancellation is honored between segments, so the partial file always ends
// on a segment boundary.
func TestRunCancelStopsOnSegmentBoundary(t *testing.T) {
	srv := newStreamServer(t)

	dir := t.TempDir()

	store, err := storage.NewOSStorage(dir)
	require.NoError(t, err)

	exec, err := hls.NewExecutor(httpx.NewClient(), store, testConfig(), srv.server.URL+"/master.m3u8", "stream.ts", "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err = exec.Run(ctx, func(pd scheduler.ProgressData) {
		if pd.SegmentsDownloaded >= 1 {
			cancel()
		}
	})
	require.ErrorIs(t, err, context.Canceled)

	data, err := os.ReadFile(filepath.Join(dir, "stream.ts"))
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte("a"), 400), data)
}

func TestRunNoSegments(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("#EXTM3U\n#EXT-X-ENDLIST\n"))
	}))
	defer server.Close()

	store, err := storage.NewOSStorage(t.TempDir())
	require.NoError(t, err)

	exec, err := hls.NewExecutor(httpx.NewClient(), store, testConfig(), server.URL+"/index.m3u8", "stream.ts", "")
	require.NoError(t, err)

	_, err = exec.Run(context.Background(), func(scheduler.ProgressData) {})
	assert.ErrorIs(t, err, hls.ErrNoSegments)
}

func TestNewExecutorValidation(t *testing.T) {
	store, err := storage.NewOSStorage(t.TempDir())
	require.NoError(t, err)

	_, err = hls.NewExecutor(httpx.NewClient(), store, testConfig(), "", "stream.ts", "")
	assert.ErrorIs(t, err, hls.ErrMissingURL)

	_, err = hls.NewExecutor(httpx.NewClient(), store, testConfig(), "https://example.com/index.m3u8", "", "")
	assert.ErrorIs(t, err, hls.ErrMissingFileName)
}
