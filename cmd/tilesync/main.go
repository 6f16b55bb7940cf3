// Command tilesync runs one sync pass for one or all overlays and exits.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/namsral/flag"

	"github.com/overmaps/tilesync/cache"
	bcache "github.com/overmaps/tilesync/cache/bbolt"
	blobcache "github.com/overmaps/tilesync/cache/blob"
	pcache "github.com/overmaps/tilesync/cache/pogreb"
	"github.com/overmaps/tilesync/fetch"
	"github.com/overmaps/tilesync/loglevel"
	"github.com/overmaps/tilesync/manifest"
	"github.com/overmaps/tilesync/overlay"
	"github.com/overmaps/tilesync/syncer"
)

const appName = "tilesync"

var (
	logLevel        = flag.String("logLevel", "INFO", "DEBUG|INFO|WARN|ERROR")
	cacheBackend    = flag.String("cacheBackend", "bbolt", "bbolt|pogreb|blob")
	cachePath       = flag.String("cachePath", "tiles.db", "bbolt file or pogreb root directory")
	bucketURL       = flag.String("bucketURL", "", "gocloud bucket URL for the blob backend")
	origin          = flag.String("origin", "", "origin resolving relative overlay URL templates")
	apiBaseURL      = flag.String("apiBaseURL", "", "backing API listing available overlays")
	overlayID       = flag.String("overlayID", "", "sync a single overlay from the API listing")
	overlayURL      = flag.String("overlayURL", "", "sync one overlay by its tile URL template, no API needed")
	accessToken     = flag.String("accessToken", "", "access token appended to every remote request")
	pacingMs        = flag.Int("pacingMs", 50, "delay in ms after each tile attempt")
	syncWorkers     = flag.Int("syncWorkers", 1, "download pool size, 1 keeps passes sequential")
	keepOnAuthError = flag.Bool("keepOnAuthError", false, "keep attempting tiles after a token rejection")
	fetchTimeoutSec = flag.Int("fetchTimeoutSec", 30, "per-request timeout in seconds")
	planOnly        = flag.Bool("planOnly", false, "report what a pass would download without downloading")
)

func main() {
	flag.Parse()

	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = log.With(logger, "caller", log.Caller(5), "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "app", appName)
	logger = loglevel.NewLevelFilterFromString(logger, *logLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	go func() {
		<-interrupt
		cancel()
	}()

	caches, clean, err := openCaches(ctx, logger)
	if err != nil {
		level.Error(logger).Log("msg", "can't open cache backend", "error", err)
		os.Exit(2)
	}
	defer clean()

	fetcher := fetch.New(*accessToken, time.Duration(*fetchTimeoutSec)*time.Second, logger)
	resolver := manifest.NewResolver(fetcher, *origin, logger)

	engine := syncer.New(resolver, caches, fetcher, syncer.Config{
		Pacing:              time.Duration(*pacingMs) * time.Millisecond,
		Workers:             *syncWorkers,
		ContinueOnAuthError: *keepOnAuthError,
	}, logger)

	overlays, err := selectOverlays(ctx, fetcher, logger)
	if err != nil {
		level.Error(logger).Log("msg", "can't select overlays", "error", err)
		os.Exit(2)
	}

	if len(overlays) == 0 {
		level.Error(logger).Log("msg", "nothing to sync, set -overlayURL or -apiBaseURL")
		os.Exit(2)
	}

	exit := 0

	for _, d := range overlays {
		plan, err := engine.Plan(ctx, d)
		if err != nil {
			level.Error(logger).Log("msg", "can't plan sync", "overlay", d.ID, "error", err)
			exit = 1

			continue
		}

		switch {
		case plan.Empty():
			fmt.Printf("%s: no tiles available\n", d.ID)
		case plan.UpToDate():
			fmt.Printf("%s: already cached (%d tiles)\n", d.ID, plan.Cached)
		default:
			fmt.Printf("%s: %d/%d tiles need download\n", d.ID, len(plan.Missing), plan.Remote)
		}

		if *planOnly || len(plan.Missing) == 0 {
			continue
		}

		res, err := engine.Sync(ctx, d)
		if err != nil {
			level.Error(logger).Log("msg", "sync pass aborted", "overlay", d.ID, "error", err)
			exit = 1

			continue
		}

		fmt.Printf("%s: pass %s done, %d attempted, %d succeeded, %d failed in %s\n",
			d.ID, res.Pass, res.Attempted, res.Succeeded, res.Failed, res.Duration)
	}

	os.Exit(exit)
}

func selectOverlays(ctx context.Context, fetcher *fetch.Client, logger log.Logger) ([]overlay.Descriptor, error) {
	if *overlayURL != "" {
		id := *overlayID
		if id == "" {
			id = "overlay"
		}

		d := overlay.Descriptor{ID: id, Name: id, URL: *overlayURL}.Normalize()
		if err := d.Validate(); err != nil {
			return nil, err
		}

		return []overlay.Descriptor{d}, nil
	}

	if *apiBaseURL == "" {
		return nil, nil
	}

	client := overlay.NewClient(fetcher, *apiBaseURL, logger)

	overlays, err := client.List(ctx)
	if err != nil {
		return nil, err
	}

	if *overlayID == "" {
		return overlays, nil
	}

	for _, d := range overlays {
		if d.ID == *overlayID {
			return []overlay.Descriptor{d}, nil
		}
	}

	return nil, fmt.Errorf("overlay %s not found in API listing", *overlayID)
}

func openCaches(ctx context.Context, logger log.Logger) (cache.Provider, func() error, error) {
	switch *cacheBackend {
	case "bbolt":
		return bcache.NewProvider(*cachePath, logger)
	case "pogreb":
		return pcache.NewProvider(*cachePath, logger)
	case "blob":
		return blobcache.NewProvider(ctx, *bucketURL, logger)
	}

	return nil, nil, fmt.Errorf("unknown cache backend: %s (supported: bbolt, pogreb, blob)", *cacheBackend)
}
