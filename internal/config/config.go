package config

import (
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const configFileName = "vdm"

// Config holds the configuration options for the application.
type Config struct {
	MaxConcurrentDownloads int            `yaml:"maxConcurrentDownloads,omitempty"`
	DownloadDir            string         `yaml:"downloadDir,omitempty"`
	DataDir                string         `yaml:"dataDir,omitempty"`
	Http                   *HttpConfig    `yaml:"http,omitempty"`
	Hls                    *HlsConfig     `yaml:"hls,omitempty"`
	Torrent                *TorrentConfig `yaml:"torrent,omitempty"`
}

// HttpConfig holds configuration options for plain HTTP downloads.
type HttpConfig struct {
	MaxRetries       int           `yaml:"maxRetries,omitempty"`
	RetryDelay       time.Duration `yaml:"retryDelay,omitempty"`
	ProgressInterval time.Duration `yaml:"progressInterval,omitempty"`
	SpeedWindow      int           `yaml:"speedWindow,omitempty"`
}

// HlsConfig holds configuration options for HLS downloads. The estimation
// and smoothing values mirror upstream behavior and are tunable rather than
// re-derived.
type HlsConfig struct {
	SizeSampleCount     int           `yaml:"sizeSampleCount,omitempty"`
	SizeSafetyMargin    float64       `yaml:"sizeSafetyMargin,omitempty"`
	FallbackSegmentSize int64         `yaml:"fallbackSegmentSize,omitempty"`
	ProgressInterval    time.Duration `yaml:"progressInterval,omitempty"`
	SpeedWindow         int           `yaml:"speedWindow,omitempty"`
}

// TorrentConfig holds configuration options for torrent/magnet downloads.
type TorrentConfig struct {
	StatusPollInterval               time.Duration `yaml:"statusPollInterval,omitempty"`
	StatusPollBackoff                time.Duration `yaml:"statusPollBackoff,omitempty"`
	EstablishedConnectionsPerTorrent int           `yaml:"establishedConnectionsPerTorrent,omitempty"`
	HalfOpenConnectionsPerTorrent    int           `yaml:"halfOpenConnectionsPerTorrent,omitempty"`
	TotalHalfOpenConnections         int           `yaml:"totalHalfOpenConnections,omitempty"`
	DisableDHT                       bool          `yaml:"disableDht,omitempty"`
	DisablePEX                       bool          `yaml:"disablePex,omitempty"`
	DisableTrackers                  bool          `yaml:"disableTrackers,omitempty"`
	DisableIPv6                      bool          `yaml:"disableIPv6,omitempty"`
	MetainfoTimeout                  time.Duration `yaml:"metainfoTimeout,omitempty"`
	ProgressInterval                 time.Duration `yaml:"progressInterval,omitempty"`
	SpeedWindow                      int           `yaml:"speedWindow,omitempty"`
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it returns the default configuration.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &defaults, nil
		}

		return nil, err
	}

	if len(b) == 0 {
		return &defaults, nil
	}

	var cfg Config

	err = yaml.Unmarshal(b, &cfg)
	if err != nil {
		return nil, err
	}

	httpCfg := zeroOr(cfg.Http, defaults.Http)
	hlsCfg := zeroOr(cfg.Hls, defaults.Hls)
	torrentCfg := zeroOr(cfg.Torrent, defaults.Torrent)

	return &Config{
		MaxConcurrentDownloads: zeroOr(cfg.MaxConcurrentDownloads, defaults.MaxConcurrentDownloads),
		DownloadDir:            zeroOr(cfg.DownloadDir, defaults.DownloadDir),
		DataDir:                zeroOr(cfg.DataDir, defaults.DataDir),
		Http: &HttpConfig{
			MaxRetries:       zeroOr(httpCfg.MaxRetries, defaults.Http.MaxRetries),
			RetryDelay:       zeroOr(httpCfg.RetryDelay, defaults.Http.RetryDelay),
			ProgressInterval: zeroOr(httpCfg.ProgressInterval, defaults.Http.ProgressInterval),
			SpeedWindow:      zeroOr(httpCfg.SpeedWindow, defaults.Http.SpeedWindow),
		},
		Hls: &HlsConfig{
			SizeSampleCount:     zeroOr(hlsCfg.SizeSampleCount, defaults.Hls.SizeSampleCount),
			SizeSafetyMargin:    zeroOr(hlsCfg.SizeSafetyMargin, defaults.Hls.SizeSafetyMargin),
			FallbackSegmentSize: zeroOr(hlsCfg.FallbackSegmentSize, defaults.Hls.FallbackSegmentSize),
			ProgressInterval:    zeroOr(hlsCfg.ProgressInterval, defaults.Hls.ProgressInterval),
			SpeedWindow:         zeroOr(hlsCfg.SpeedWindow, defaults.Hls.SpeedWindow),
		},
		Torrent: &TorrentConfig{
			StatusPollInterval:               zeroOr(torrentCfg.StatusPollInterval, defaults.Torrent.StatusPollInterval),
			StatusPollBackoff:                zeroOr(torrentCfg.StatusPollBackoff, defaults.Torrent.StatusPollBackoff),
			EstablishedConnectionsPerTorrent: zeroOr(torrentCfg.EstablishedConnectionsPerTorrent, defaults.Torrent.EstablishedConnectionsPerTorrent),
			HalfOpenConnectionsPerTorrent:    zeroOr(torrentCfg.HalfOpenConnectionsPerTorrent, defaults.Torrent.HalfOpenConnectionsPerTorrent),
			TotalHalfOpenConnections:         zeroOr(torrentCfg.TotalHalfOpenConnections, defaults.Torrent.TotalHalfOpenConnections),
			DisableDHT:                       zeroOr(torrentCfg.DisableDHT, defaults.Torrent.DisableDHT),
			DisablePEX:                       zeroOr(torrentCfg.DisablePEX, defaults.Torrent.DisablePEX),
			DisableTrackers:                  zeroOr(torrentCfg.DisableTrackers, defaults.Torrent.DisableTrackers),
			DisableIPv6:                      zeroOr(torrentCfg.DisableIPv6, defaults.Torrent.DisableIPv6),
			MetainfoTimeout:                  zeroOr(torrentCfg.MetainfoTimeout, defaults.Torrent.MetainfoTimeout),
			ProgressInterval:                 zeroOr(torrentCfg.ProgressInterval, defaults.Torrent.ProgressInterval),
			SpeedWindow:                      zeroOr(torrentCfg.SpeedWindow, defaults.Torrent.SpeedWindow),
		},
	}, nil
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrentDownloads: maxConcurrentDownloads,
		DownloadDir:            downloadDir,
		DataDir:                dataDir,
		Http: &HttpConfig{
			MaxRetries:       maxRetries,
			RetryDelay:       retryDelay,
			ProgressInterval: progressInterval,
			SpeedWindow:      speedWindow,
		},
		Hls: &HlsConfig{
			SizeSampleCount:     hlsSizeSampleCount,
			SizeSafetyMargin:    hlsSizeSafetyMargin,
			FallbackSegmentSize: hlsFallbackSegmentSize,
			ProgressInterval:    progressInterval,
			SpeedWindow:         speedWindow,
		},
		Torrent: &TorrentConfig{
			StatusPollInterval:               torrentStatusPollInterval,
			StatusPollBackoff:                torrentStatusPollBackoff,
			EstablishedConnectionsPerTorrent: establishedConnectionsPerTorrent,
			HalfOpenConnectionsPerTorrent:    halfOpenConnectionsPerTorrent,
			TotalHalfOpenConnections:         totalHalfOpenConnections,
			DisableDHT:                       disableDHT,
			DisablePEX:                       disablePEX,
			DisableTrackers:                  disableTrackers,
			DisableIPv6:                      disableIPv6,
			MetainfoTimeout:                  metainfoTimeout,
			ProgressInterval:                 progressInterval,
			SpeedWindow:                      speedWindow,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}
