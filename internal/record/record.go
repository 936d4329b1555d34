package record

import (
	"net/url"
	"strings"
	"time"

	"github.com/vdm-project/vdm/internal/status"
)

// Type is the transport family of a download. Exactly one type per download,
// fixed at creation.
type Type string

const (
	HTTP    Type = "http"
	HLS     Type = "hls"
	Torrent Type = "torrent"
	Magnet  Type = "magnet"
)

// InferType maps a source URL to its download type.
func InferType(rawURL string) Type {
	lower := strings.ToLower(rawURL)

	switch {
	case strings.HasPrefix(lower, "magnet:"):
		return Magnet
	case strings.HasSuffix(pathOf(lower), ".m3u8") || strings.Contains(lower, "hls"):
		return HLS
	case strings.HasSuffix(pathOf(lower), ".torrent"):
		return Torrent
	default:
		return HTTP
	}
}

func pathOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}

	return u.Path
}

// TorrentStats holds swarm metrics attached to torrent/magnet downloads.
type TorrentStats struct {
	Peers          int     `json:"peers"`
	Seeds          int     `json:"seeds"`
	UploadSpeedBPS int64   `json:"uploadSpeedBps"`
	ShareRatio     float64 `json:"shareRatio"`
	ETASeconds     int64   `json:"etaSeconds"`
}

// HLSStats holds segment-level counters attached to HLS downloads.
type HLSStats struct {
	SegmentsDownloaded int    `json:"segmentsDownloaded"`
	TotalSegments      int    `json:"totalSegments"`
	Quality            string `json:"quality,omitempty"`
	Encrypted          bool   `json:"encrypted,omitempty"`
}

// HTTPStats holds transport capabilities attached to plain HTTP downloads.
type HTTPStats struct {
	ResumeSupported bool `json:"resumeSupported"`
	Connections     int  `json:"connections,omitempty"`
}

// Record is the published row for one download. The controller is the only
// writer; everybody else sees value copies.
type Record struct {
	ID          string `json:"id"`
	MediaRef    string `json:"mediaRef,omitempty"`
	SourceURL   string `json:"sourceUrl"`
	FileName    string `json:"fileName"`
	DisplayName string `json:"displayName,omitempty"`
	LocalPath   string `json:"localPath,omitempty"`
	Type        Type   `json:"type"`

	ProgressPercent int           `json:"progressPercent"`
	DownloadedBytes int64         `json:"downloadedBytes"`
	TotalBytes      int64         `json:"totalBytes"`
	SpeedBPS        int64         `json:"speedBps"`
	Status          status.Status `json:"status"`
	ErrorMessage    string        `json:"errorMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Torrent *TorrentStats `json:"torrent,omitempty"`
	HLS     *HLSStats     `json:"hls,omitempty"`
	HTTP    *HTTPStats    `json:"http,omitempty"`
}

// New creates a pending record for a fresh download request.
func New(id, mediaRef, sourceURL, fileName string) Record {
	now := time.Now()

	return Record{
		ID:        id,
		MediaRef:  mediaRef,
		SourceURL: sourceURL,
		FileName:  SanitizeFileName(fileName),
		Type:      InferType(sourceURL),
		Status:    status.Pending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Title is the human-facing name: the display name inferred during the
// transfer when one was resolved, the file name otherwise.
func (r Record) Title() string {
	if r.DisplayName != "" {
		return r.DisplayName
	}

	return r.FileName
}

// CanRetry reports whether a retry request is valid for this record.
func (r Record) CanRetry() bool {
	return r.Status == status.Failed || r.Status == status.Cancelled
}

// IsTerminal reports whether the record reached a final status.
func (r Record) IsTerminal() bool {
	return r.Status == status.Completed || r.Status == status.Failed || r.Status == status.Cancelled
}

const maxFileNameLength = 200

// SanitizeFileName strips characters that are unsafe in file names and bounds
// the length. An empty result falls back to "download".
func SanitizeFileName(name string) string {
	var b strings.Builder

	for _, r := range name {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			b.WriteRune('_')
		case r < 0x20:
			// skip control characters
		default:
			b.WriteRune(r)
		}
	}

	out := strings.TrimSpace(b.String())
	out = strings.Trim(out, ".")

	if len(out) > maxFileNameLength {
		out = out[:maxFileNameLength]
	}

	if out == "" {
		return "download"
	}

	return out
}
