package torrent

import "context"

// Status is one swarm status sample for a bridged torrent.
type Status struct {
	Peers            int
	Seeds            int
	DownloadSpeedBPS int64
	UploadSpeedBPS   int64
	ShareRatio       float64
}

// Handle exposes live swarm status for one bridged torrent. Close releases
// the torrent and its stream endpoint.
type Handle interface {
	Status() (Status, error)
	Close() error
}

// Bridge turns a magnet or .torrent link into a plain HTTP stream URL plus a
// status handle. The transfer itself then runs over ordinary HTTP.
type Bridge interface {
	Transform(ctx context.Context, link string) (streamURL string, h Handle, err error)
}
