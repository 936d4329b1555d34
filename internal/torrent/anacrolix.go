package torrent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"

	analog "github.com/anacrolix/log"
	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	antstorage "github.com/anacrolix/torrent/storage"

	"github.com/vdm-project/vdm/internal/config"
	"github.com/vdm-project/vdm/internal/record"
)

var (
	ErrNilClient       = errors.New("torrent client is nil")
	ErrMetadataTimeout = errors.New("timeout waiting for metadata")
	ErrNoFiles         = errors.New("torrent has no files")
)

// AnacrolixBridge implements Bridge on top of the anacrolix torrent client.
// Each transformed torrent is served over a loopback HTTP listener so the
// transfer path is identical to a plain HTTP download.
type AnacrolixBridge struct {
	mu     sync.Mutex
	client *torrent.Client
	cfg    *config.TorrentConfig
}

// NewAnacrolixBridge creates a bridge whose torrent data is staged under
// scratchDir.
func NewAnacrolixBridge(cfg *config.TorrentConfig, scratchDir string) (*AnacrolixBridge, error) {
	analog.Default.SetHandlers(analog.DiscardHandler)

	cc := torrent.NewDefaultClientConfig()

	cc.DataDir = scratchDir
	cc.Seed = true

	// UTP leaks memory under churn, see anacrolix/torrent#392.
	cc.DisableUTP = true

	cc.EstablishedConnsPerTorrent = cfg.EstablishedConnectionsPerTorrent
	cc.HalfOpenConnsPerTorrent = cfg.HalfOpenConnectionsPerTorrent
	cc.TotalHalfOpenConns = cfg.TotalHalfOpenConnections

	cc.NoDHT = cfg.DisableDHT
	cc.DisablePEX = cfg.DisablePEX
	cc.DisableTrackers = cfg.DisableTrackers
	cc.DisableIPv6 = cfg.DisableIPv6

	cc.DefaultStorage = antstorage.NewFile(scratchDir)

	client, err := torrent.NewClient(cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create torrent client: %w", err)
	}

	return &AnacrolixBridge{client: client, cfg: cfg}, nil
}

// Transform adds the torrent, waits for its metadata, and starts a loopback
// HTTP server streaming the torrent's largest file.
func (b *AnacrolixBridge) Transform(ctx context.Context, link string) (string, Handle, error) {
	t, err := b.add(ctx, link)
	if err != nil {
		return "", nil, err
	}

	select {
	case <-ctx.Done():
		t.Drop()
		return "", nil, ctx.Err()
	case <-time.After(b.cfg.MetainfoTimeout):
		t.Drop()
		return "", nil, ErrMetadataTimeout
	case <-t.GotInfo():
	}

	file := largestFile(t)
	if file == nil {
		t.Drop()
		return "", nil, ErrNoFiles
	}

	t.DownloadAll()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Drop()
		return "", nil, fmt.Errorf("failed to open stream listener: %w", err)
	}

	name := path.Base(file.DisplayPath())

	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reader := file.NewReader()
		defer reader.Close()

		http.ServeContent(w, r, name, time.Time{}, reader)
	})}

	go srv.Serve(ln) //nolint:errcheck

	streamURL := fmt.Sprintf("http://%s/%s", ln.Addr(), url.PathEscape(name))

	return streamURL, &anacrolixHandle{t: t, srv: srv}, nil
}

// Close shuts down the underlying torrent client.
func (b *AnacrolixBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		return ErrNilClient
	}

	b.client.Close()
	b.client = nil

	return nil
}

func (b *AnacrolixBridge) add(ctx context.Context, link string) (*torrent.Torrent, error) {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()

	if client == nil {
		return nil, ErrNilClient
	}

	if record.InferType(link) == record.Magnet {
		t, err := client.AddMagnet(link)
		if err != nil {
			return nil, fmt.Errorf("failed to add magnet: %w", err)
		}

		return t, nil
	}

	mi, err := fetchMetainfo(ctx, link)
	if err != nil {
		return nil, err
	}

	t, err := client.AddTorrent(mi)
	if err != nil {
		return nil, fmt.Errorf("failed to add torrent: %w", err)
	}

	return t, nil
}

// fetchMetainfo downloads and parses a .torrent file.
func fetchMetainfo(ctx context.Context, link string) (*metainfo.MetaInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create metainfo request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch metainfo: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("metainfo fetch returned %s", resp.Status)
	}

	return metainfo.Load(resp.Body)
}

func largestFile(t *torrent.Torrent) *torrent.File {
	var best *torrent.File

	for _, f := range t.Files() {
		if best == nil || f.Length() > best.Length() {
			best = f
		}
	}

	return best
}

// anacrolixHandle samples swarm stats for one torrent, deriving speeds from
// byte-count deltas between samples.
type anacrolixHandle struct {
	t   *torrent.Torrent
	srv *http.Server

	mu          sync.Mutex
	lastSample  time.Time
	lastRead    int64
	lastWritten int64
	closed      bool
}

func (h *anacrolixHandle) Status() (Status, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return Status{}, ErrNilClient
	}

	stats := h.t.Stats()

	read := stats.BytesReadData.Int64()
	written := stats.BytesWrittenData.Int64()
	now := time.Now()

	st := Status{
		Peers: stats.ActivePeers,
		Seeds: stats.ConnectedSeeders,
	}

	if read > 0 {
		st.ShareRatio = float64(written) / float64(read)
	}

	if !h.lastSample.IsZero() {
		elapsed := now.Sub(h.lastSample).Seconds()
		if elapsed > 0 {
			st.DownloadSpeedBPS = int64(float64(read-h.lastRead) / elapsed)
			st.UploadSpeedBPS = int64(float64(written-h.lastWritten) / elapsed)
		}
	}

	h.lastSample = now
	h.lastRead = read
	h.lastWritten = written

	return st, nil
}

func (h *anacrolixHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}

	h.closed = true
	err := h.srv.Close()
	h.t.Drop()

	return err
}
