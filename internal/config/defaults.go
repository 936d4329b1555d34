package config

import (
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

const (
	maxConcurrentDownloads = 3
	maxRetries             = 3
	retryDelay             = 2 * time.Second
	progressInterval       = 1 * time.Second
	speedWindow            = 5

	hlsSizeSampleCount     = 10
	hlsSizeSafetyMargin    = 1.3
	hlsFallbackSegmentSize = 3 * 1024 * 1024

	torrentStatusPollInterval        = 1 * time.Second
	torrentStatusPollBackoff         = 5 * time.Second
	establishedConnectionsPerTorrent = 50
	halfOpenConnectionsPerTorrent    = 25
	totalHalfOpenConnections         = 100
	disableDHT                       = false
	disablePEX                       = false
	disableTrackers                  = false
	disableIPv6                      = false
	metainfoTimeout                  = 60 * time.Second
)

var (
	downloadDir = xdg.UserDirs.Download
	dataDir     = filepath.Join(xdg.DataHome, configFileName)
)
