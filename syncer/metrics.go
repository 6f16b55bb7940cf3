package syncer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tilesync",
		Name:      "passes_total",
		Help:      "Sync passes started.",
	})

	tilesAttempted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tilesync",
		Name:      "tiles_attempted_total",
		Help:      "Tile downloads attempted.",
	})

	tilesDownloaded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tilesync",
		Name:      "tiles_downloaded_total",
		Help:      "Tiles downloaded and persisted.",
	})

	tilesFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tilesync",
		Name:      "tiles_failed_total",
		Help:      "Tile downloads failed and skipped.",
	})
)
