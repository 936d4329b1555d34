package hls

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/vdm-project/vdm/internal/logger"
	"github.com/vdm-project/vdm/pkg/httpx"
)

var (
	ErrEmptyPlaylist = errors.New("playlist is empty")
	ErrNoVariants    = errors.New("playlist has no variants")
	ErrNoSegments    = errors.New("no segments found in playlist")
)

// maxPlaylistDepth bounds sub-playlist recursion so a playlist cycle cannot
// hang resolution.
const maxPlaylistDepth = 3

// Media is a fully resolved HLS download source: the selected rendition's
// segment list plus inferred presentation metadata.
type Media struct {
	PlaylistURL string
	Segments    []string
	DisplayName string
	MimeType    string
	Quality     string
	Encrypted   bool
}

// Resolver turns an HLS URL into a Media by fetching the playlist, selecting
// a variant by quality policy, and extracting segment URLs.
type Resolver struct {
	client *httpx.Client
}

// NewResolver creates a resolver using the shared HTTP client.
func NewResolver(client *httpx.Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve fetches and resolves the playlist at rawURL.
func (r *Resolver) Resolve(ctx context.Context, rawURL, quality string) (*Media, error) {
	master, err := r.fetch(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	media := master

	if master.IsMaster() {
		variant, err := SelectVariant(master.Variants, quality)
		if err != nil {
			return nil, err
		}

		logger.Debugf("selected hls variant %s (bandwidth %d) for %s", variant.URL, variant.Bandwidth, rawURL)

		media, err = r.fetch(ctx, variant.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch variant playlist: %w", err)
		}
	}

	segments, err := r.expandSegments(ctx, media, 0)
	if err != nil {
		return nil, err
	}

	if len(segments) == 0 {
		return nil, ErrNoSegments
	}

	return &Media{
		PlaylistURL: media.URL,
		Segments:    segments,
		DisplayName: DisplayName(master, media, rawURL),
		MimeType:    DetectMimeType(master, media),
		Quality:     quality,
		Encrypted:   master.Encrypted || media.Encrypted,
	}, nil
}

// expandSegments flattens a media playlist, recursively fetching any
// sub-playlists its segment lines point to.
func (r *Resolver) expandSegments(ctx context.Context, p *Playlist, depth int) ([]string, error) {
	if depth >= maxPlaylistDepth {
		return p.Segments, nil
	}

	var segments []string

	for _, segURL := range p.Segments {
		if !strings.HasSuffix(strings.ToLower(stripQuery(segURL)), ".m3u8") {
			segments = append(segments, segURL)
			continue
		}

		sub, err := r.fetch(ctx, segURL)
		if err != nil {
			// Transient by design: skip a broken sub-playlist, keep the rest.
			logger.Warnf("failed to fetch sub-playlist %s: %v", segURL, err)
			continue
		}

		subSegments, err := r.expandSegments(ctx, sub, depth+1)
		if err != nil {
			return nil, err
		}

		segments = append(segments, subSegments...)
	}

	return segments, nil
}

func (r *Resolver) fetch(ctx context.Context, rawURL string) (*Playlist, error) {
	resp, err := r.client.Get(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch playlist %s: %w", rawURL, err)
	}

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist %s: %w", rawURL, err)
	}

	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, ErrEmptyPlaylist
	}

	return Parse(rawURL, string(body)), nil
}
