package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	versionGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "tilesync",
		Name:      "version",
		Help:      "App version.",
	}, []string{"version"})

	overlaysGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tilesync",
		Name:      "overlays",
		Help:      "Overlays currently registered.",
	})
)
