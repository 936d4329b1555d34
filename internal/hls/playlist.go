package hls

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/vdm-project/vdm/pkg/httpx"
)

var (
	bandwidthRe = regexp.MustCompile(`BANDWIDTH=(\d+)`)
	codecsRe    = regexp.MustCompile(`CODECS="([^"]+)"`)
	mediaNameRe = regexp.MustCompile(`NAME="([^"]+)"`)
	segmentNoRe = regexp.MustCompile(`_?\d+\.(ts|m4s|mp4)$`)
)

// Variant is one quality rendition listed in a master playlist.
type Variant struct {
	URL        string
	Bandwidth  int64
	Resolution string
	Codecs     string
}

// Playlist is a parsed M3U8 document. A master playlist carries Variants; a
// media playlist carries Segments. Relative URIs are resolved against the
// playlist's own URL, which matters when a master redirects to a variant on
// a different path.
type Playlist struct {
	URL      string
	Variants []Variant
	Segments []string

	Encrypted bool

	title       string
	mediaName   string
	leadComment string
}

// Parse parses M3U8 text fetched from playlistURL.
func Parse(playlistURL, body string) *Playlist {
	p := &Playlist{URL: playlistURL}

	lines := strings.Split(body, "\n")

	for i := 0; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}

		if !strings.HasPrefix(line, "#") {
			p.Segments = append(p.Segments, httpx.ResolveURL(playlistURL, line))
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			v := Variant{
				Codecs:     firstGroup(codecsRe, line),
				Resolution: attrValue(line, "RESOLUTION="),
			}

			if bw := firstGroup(bandwidthRe, line); bw != "" {
				v.Bandwidth, _ = strconv.ParseInt(bw, 10, 64)
			}

			// The following non-comment line is the variant URI.
			for j := i + 1; j < len(lines); j++ {
				next := strings.TrimSpace(lines[j])
				if next == "" {
					continue
				}

				if !strings.HasPrefix(next, "#") {
					v.URL = httpx.ResolveURL(playlistURL, next)
					i = j
				}

				break
			}

			if v.URL != "" {
				p.Variants = append(p.Variants, v)
			}
		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			p.Encrypted = true
		case strings.HasPrefix(line, "#EXT-X-TITLE:"):
			if title := strings.TrimSpace(strings.TrimPrefix(line, "#EXT-X-TITLE:")); title != "" && p.title == "" {
				p.title = title
			}
		case strings.HasPrefix(line, "#EXT-X-MEDIA:"):
			if name := strings.TrimSpace(firstGroup(mediaNameRe, line)); name != "" && !strings.EqualFold(name, "default") && p.mediaName == "" {
				p.mediaName = name
			}
		case !strings.HasPrefix(line, "#EXT"):
			// Freeform comment; some encoders put the title here.
			comment := strings.TrimSpace(strings.TrimPrefix(line, "#"))
			if len(comment) > 3 && !strings.Contains(comment, "Generated") && p.leadComment == "" {
				p.leadComment = comment
			}
		}
	}

	return p
}

// IsMaster reports whether the playlist lists variants rather than segments.
func (p *Playlist) IsMaster() bool {
	return len(p.Variants) > 0
}

// SelectVariant picks a variant by quality policy: "low" is the minimum
// bandwidth, "high" the maximum, anything else the median of the rendition
// list sorted by bandwidth. Median is a deterministic tie-break, not an
// arbitrary first/last pick.
func SelectVariant(variants []Variant, quality string) (Variant, error) {
	if len(variants) == 0 {
		return Variant{}, ErrNoVariants
	}

	sorted := make([]Variant, len(variants))
	copy(sorted, variants)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bandwidth < sorted[j].Bandwidth
	})

	switch strings.ToLower(quality) {
	case "low":
		return sorted[0], nil
	case "high":
		return sorted[len(sorted)-1], nil
	default:
		return sorted[len(sorted)/2], nil
	}
}

// DisplayName derives the download's display name. Priority order: explicit
// EXT-X-TITLE tag, EXT-X-MEDIA name, a leading freeform comment, the URL's
// last path segment without its .m3u8 suffix, a shared prefix across the
// first few segment file names, then a generated fallback.
func DisplayName(master, media *Playlist, sourceURL string) string {
	for _, p := range []*Playlist{master, media} {
		if p == nil {
			continue
		}

		if p.title != "" {
			return sanitizeName(p.title)
		}
	}

	for _, p := range []*Playlist{master, media} {
		if p == nil {
			continue
		}

		if p.mediaName != "" {
			return sanitizeName(p.mediaName)
		}
	}

	for _, p := range []*Playlist{master, media} {
		if p == nil {
			continue
		}

		if p.leadComment != "" {
			return sanitizeName(p.leadComment)
		}
	}

	if name := nameFromURL(sourceURL); name != "" {
		return sanitizeName(name)
	}

	if media != nil {
		if name := nameFromSegments(media.Segments); name != "" {
			return sanitizeName(name)
		}
	}

	return fmt.Sprintf("hls_video_%d", time.Now().Unix())
}

func nameFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return ""
	}

	base := path.Base(u.Path)
	if base == "/" || base == "." {
		return ""
	}

	base = strings.TrimSuffix(base, ".m3u8")
	base = strings.TrimSuffix(base, ".M3U8")

	return base
}

// nameFromSegments strips trailing segment numbers from the first few
// segment file names and returns the most common remaining prefix.
func nameFromSegments(segments []string) string {
	limit := 5
	if len(segments) < limit {
		limit = len(segments)
	}

	counts := make(map[string]int)

	for _, segURL := range segments[:limit] {
		name := segURL
		if idx := strings.LastIndex(name, "/"); idx >= 0 {
			name = name[idx+1:]
		}

		if !strings.Contains(name, ".") {
			continue
		}

		prefix := segmentNoRe.ReplaceAllString(name, "")
		if prefix != "" && prefix != name {
			counts[prefix]++
		}
	}

	best := ""
	bestCount := 0

	for prefix, count := range counts {
		if count > bestCount || (count == bestCount && prefix < best) {
			best = prefix
			bestCount = count
		}
	}

	if len(best) <= 2 {
		return ""
	}

	return best
}

// DetectMimeType infers the output MIME type from codec attributes first,
// then segment file extensions, defaulting to video/mp4. A rendition with an
// mp4a-only codec string and no resolution is audio.
func DetectMimeType(master, media *Playlist) string {
	var variants []Variant

	if master != nil {
		variants = append(variants, master.Variants...)
	}

	if media != nil {
		variants = append(variants, media.Variants...)
	}

	for _, v := range variants {
		if v.Codecs == "" {
			continue
		}

		codecs := strings.ToLower(v.Codecs)

		if v.Resolution == "" && strings.Contains(codecs, "mp4a") &&
			!strings.Contains(codecs, "avc1") && !strings.Contains(codecs, "hev1") {
			return "audio/mp4"
		}

		switch {
		case strings.Contains(codecs, "avc1"), strings.Contains(codecs, "h264"),
			strings.Contains(codecs, "hev1"), strings.Contains(codecs, "hvc1"),
			strings.Contains(codecs, "h265"), strings.Contains(codecs, "av01"):
			return "video/mp4"
		case strings.Contains(codecs, "vp8"), strings.Contains(codecs, "vp9"),
			strings.Contains(codecs, "vp08"), strings.Contains(codecs, "vp09"):
			return "video/webm"
		default:
			return "video/mp4"
		}
	}

	var segments []string
	if media != nil {
		segments = media.Segments
	}

	limit := 5
	if len(segments) < limit {
		limit = len(segments)
	}

	for _, segURL := range segments[:limit] {
		ext := strings.ToLower(path.Ext(stripQuery(segURL)))

		switch ext {
		case ".ts":
			return "video/mp2t"
		case ".m4s", ".mp4":
			return "video/mp4"
		case ".webm":
			return "video/webm"
		case ".mkv":
			return "video/x-matroska"
		}
	}

	return "video/mp4"
}

func stripQuery(rawURL string) string {
	if idx := strings.IndexByte(rawURL, '?'); idx >= 0 {
		return rawURL[:idx]
	}

	return rawURL
}

const maxNameLength = 100

// sanitizeName cleans a derived display name the same way the file layer
// does, plus collapsing whitespace runs into underscores.
func sanitizeName(name string) string {
	replaced := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return '_'
		default:
			return r
		}
	}, name)

	replaced = strings.Join(strings.Fields(replaced), "_")

	for strings.Contains(replaced, "__") {
		replaced = strings.ReplaceAll(replaced, "__", "_")
	}

	replaced = strings.Trim(replaced, "_")

	if len(replaced) > maxNameLength {
		replaced = replaced[:maxNameLength]
	}

	if replaced == "" {
		return "hls_video"
	}

	return replaced
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}

	return m[1]
}

func attrValue(line, key string) string {
	idx := strings.Index(line, key)
	if idx < 0 {
		return ""
	}

	rest := line[idx+len(key):]
	if end := strings.IndexByte(rest, ','); end >= 0 {
		rest = rest[:end]
	}

	return strings.TrimSpace(rest)
}
