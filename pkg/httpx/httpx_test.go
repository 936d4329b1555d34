package httpx_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdm-project/vdm/pkg/httpx"
)

func TestGetFrom_SetsRangeHeader(t *testing.T) {
	var gotRange string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotRange = r.Header.Get("Range")
		w.Header().Set("Content-Range", "bytes 4000-9999/10000")
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte("partial"))
	}))
	defer server.Close()

	client := httpx.NewClient()

	resp, err := client.GetFrom(context.Background(), server.URL, 4000)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "bytes=4000-", gotRange)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
}

func TestGet_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := httpx.NewClient()

	_, err := client.Get(context.Background(), server.URL, nil)
	assert.ErrorIs(t, err, httpx.ErrResourceNotFound)
}

func TestContentRangeTotal(t *testing.T) {
	tests := []struct {
		header string
		want   int64
	}{
		{"bytes 0-999/10000", 10000},
		{"bytes 4000-9999/10000", 10000},
		{"bytes 0-999/*", 0},
		{"", 0},
		{"garbage", 0},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, httpx.ContentRangeTotal(tt.header), tt.header)
	}
}

func TestGetFilename(t *testing.T) {
	tests := []struct {
		name        string
		disposition string
		url         string
		want        string
	}{
		{"from content disposition", `attachment; filename="report.pdf"`, "https://example.com/x", "report.pdf"},
		{"from query parameter", "", "https://example.com/dl?filename=vid.mp4", "vid.mp4"},
		{"from path", "", "https://example.com/files/movie.mkv", "movie.mkv"},
		{"fallback", "", "https://example.com/", "download"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tt.disposition != "" {
					w.Header().Set("Content-Disposition", tt.disposition)
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			client := httpx.NewClient()

			resp, err := client.Get(context.Background(), server.URL+strings.TrimPrefix(tt.url, "https://example.com"), nil)
			require.NoError(t, err)
			resp.Body.Close()

			assert.Equal(t, tt.want, httpx.GetFilename(resp))
		})
	}
}

func TestResolveURL(t *testing.T) {
	tests := []struct {
		base string
		ref  string
		want string
	}{
		{"https://cdn.example.com/v/playlist.m3u8", "seg1.ts", "https://cdn.example.com/v/seg1.ts"},
		{"https://cdn.example.com/v/playlist.m3u8", "/abs/seg1.ts", "https://cdn.example.com/abs/seg1.ts"},
		{"https://cdn.example.com/v/playlist.m3u8", "https://other.example.com/seg1.ts", "https://other.example.com/seg1.ts"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, httpx.ResolveURL(tt.base, tt.ref))
	}
}

func TestCopy(t *testing.T) {
	t.Run("copies everything and reports totals", func(t *testing.T) {
		src := bytes.Repeat([]byte("x"), 100_000)

		var dst bytes.Buffer

		var totals []int64

		n, err := httpx.Copy(context.Background(), &dst, bytes.NewReader(src), func(total int64) {
			totals = append(totals, total)
		})
		require.NoError(t, err)
		assert.Equal(t, int64(len(src)), n)
		assert.Equal(t, src, dst.Bytes())

		require.NotEmpty(t, totals)
		assert.Equal(t, int64(len(src)), totals[len(totals)-1])

		prev := int64(0)
		for _, total := range totals {
			assert.Greater(t, total, prev)
			prev = total
		}
	})

	t.Run("cancellation keeps written bytes", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())

		src := bytes.Repeat([]byte("y"), 1_000_000)

		var dst bytes.Buffer

		_, err := httpx.Copy(ctx, &dst, bytes.NewReader(src), func(total int64) {
			if total >= 64*1024 {
				cancel()
			}
		})
		require.ErrorIs(t, err, context.Canceled)
		assert.GreaterOrEqual(t, dst.Len(), 64*1024)
		assert.Less(t, dst.Len(), len(src))
	})
}

func TestClassifyError(t *testing.T) {
	assert.NoError(t, httpx.ClassifyError(nil))
	assert.ErrorIs(t, httpx.ClassifyError(context.Canceled), context.Canceled)
	assert.ErrorIs(t, httpx.ClassifyError(context.DeadlineExceeded), httpx.ErrTimeout)
	assert.ErrorIs(t, httpx.ClassifyError(io.ErrUnexpectedEOF), httpx.ErrUnexpectedEOF)
	assert.ErrorIs(t, httpx.ClassifyError(errors.New("mystery")), httpx.ErrUnknown)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, httpx.IsRetryable(httpx.ErrTimeout))
	assert.True(t, httpx.IsRetryable(httpx.ErrServerProblem))
	assert.False(t, httpx.IsRetryable(httpx.ErrResourceNotFound))
	assert.False(t, httpx.IsRetryable(httpx.ErrAccessDenied))
}
