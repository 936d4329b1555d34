package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/vdm-project/vdm/internal/config"
	"github.com/vdm-project/vdm/internal/logger"
	"github.com/vdm-project/vdm/internal/manager"
	"github.com/vdm-project/vdm/internal/notify"
	"github.com/vdm-project/vdm/internal/record"
	"github.com/vdm-project/vdm/internal/repository"
	"github.com/vdm-project/vdm/internal/scheduler"
	"github.com/vdm-project/vdm/internal/status"
	"github.com/vdm-project/vdm/internal/storage"
	"github.com/vdm-project/vdm/internal/torrent"
)

func main() {
	debug := flag.Bool("debug", false, "Enable debug logging")
	quality := flag.String("quality", "", "HLS quality: low, high, or empty for the default rendition")
	name := flag.String("name", "", "Output file name (derived from the URL when empty)")
	list := flag.Bool("list", false, "List known downloads and exit")
	flag.Parse()

	cfg, err := config.GetConfig()
	if err != nil {
		log.Fatalf("Error loading config: %v\n", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Error creating data directory: %v\n", err)
	}

	if err := logger.InitLogging(*debug, filepath.Join(cfg.DataDir, "vdm.log")); err != nil {
		log.Fatalf("Failed to initialize logging: %v\n", err)
	}
	defer logger.Close()

	repo, err := repository.NewBboltRepository(filepath.Join(cfg.DataDir, "vdm.db"))
	if err != nil {
		log.Fatalf("Error opening repository: %v\n", err)
	}
	defer repo.Close()

	store, err := storage.NewOSStorage(cfg.DownloadDir)
	if err != nil {
		log.Fatalf("Error creating download directory: %v\n", err)
	}

	bridge, err := torrent.NewAnacrolixBridge(cfg.Torrent, filepath.Join(cfg.DataDir, "torrents"))
	if err != nil {
		log.Fatalf("Error creating torrent client: %v\n", err)
	}

	defer func() {
		if err := bridge.Close(); err != nil {
			logger.Errorf("error closing torrent client: %v", err)
		}
	}()

	mgr, err := manager.New(cfg, scheduler.NewPool(cfg.MaxConcurrentDownloads), repo, store, bridge, notify.NewLogNotifier(time.Second))
	if err != nil {
		log.Fatalf("Error creating download manager: %v\n", err)
	}
	defer mgr.Close()

	if *list {
		printDownloads(mgr.Downloads())
		return
	}

	urls := flag.Args()
	if len(urls) == 0 {
		fmt.Fprintln(os.Stderr, "usage: vdm [flags] URL [URL ...]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if *name != "" && len(urls) > 1 {
		log.Fatalln("-name is only valid with a single URL")
	}

	ids := make([]string, 0, len(urls))

	for _, rawURL := range urls {
		id, err := mgr.Start("", rawURL, *name, *quality)
		if err != nil {
			log.Fatalf("Error starting download %s: %v\n", rawURL, err)
		}

		ids = append(ids, id)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	watch(mgr, ids, sigChan)
}

// watch renders progress lines until every download is terminal or a signal
// arrives.
func watch(mgr *manager.Manager, ids []string, sigChan <-chan os.Signal) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			fmt.Println("\ninterrupted, pausing downloads")
			return
		case <-ticker.C:
			allDone := true

			for _, id := range ids {
				rec, ok := mgr.Record(id)
				if !ok {
					continue
				}

				fmt.Printf("\r\033[K%s %3d%% %s %s", progressBar(rec.ProgressPercent, 30), rec.ProgressPercent, status.String(rec.Status), rec.Title())

				if !rec.IsTerminal() {
					allDone = false
				}
			}

			if allDone {
				fmt.Println()
				printDownloads(mgr.Downloads())

				return
			}
		}
	}
}

func progressBar(percent, width int) string {
	completed := percent * width / 100

	bar := make([]byte, 0, width+2)
	bar = append(bar, '[')

	for i := 0; i < width; i++ {
		if i < completed {
			bar = append(bar, '=')
		} else {
			bar = append(bar, ' ')
		}
	}

	return string(append(bar, ']'))
}

func printDownloads(recs []record.Record) {
	for _, rec := range recs {
		line := fmt.Sprintf("%-12s %-10s %3d%% %s", rec.Type, status.String(rec.Status), rec.ProgressPercent, rec.Title())

		if rec.ErrorMessage != "" {
			line += " (" + rec.ErrorMessage + ")"
		}

		fmt.Println(line)
	}
}
