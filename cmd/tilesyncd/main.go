package main

import (
	"context"
	"encoding/json"
	"fmt"
	stdlog "log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/namsral/flag"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metrics "github.com/slok/go-http-metrics/metrics/prometheus"
	"github.com/slok/go-http-metrics/middleware"
	"github.com/slok/go-http-metrics/middleware/std"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/overmaps/tilesync/cache"
	bcache "github.com/overmaps/tilesync/cache/bbolt"
	blobcache "github.com/overmaps/tilesync/cache/blob"
	pcache "github.com/overmaps/tilesync/cache/pogreb"
	"github.com/overmaps/tilesync/fetch"
	"github.com/overmaps/tilesync/loglevel"
	"github.com/overmaps/tilesync/manifest"
	"github.com/overmaps/tilesync/overlay"
	"github.com/overmaps/tilesync/server"
	"github.com/overmaps/tilesync/store"
	"github.com/overmaps/tilesync/syncer"
)

const appName = "tilesyncd"

var (
	version = "no version from LDFLAGS"

	logLevel        = flag.String("logLevel", "INFO", "DEBUG|INFO|WARN|ERROR")
	cacheBackend    = flag.String("cacheBackend", "bbolt", "bbolt|pogreb|blob")
	cachePath       = flag.String("cachePath", "tiles.db", "bbolt file or pogreb root directory")
	bucketURL       = flag.String("bucketURL", "", "gocloud bucket URL for the blob backend")
	origin          = flag.String("origin", "", "origin resolving relative overlay URL templates")
	apiBaseURL      = flag.String("apiBaseURL", "", "backing API listing available overlays")
	accessToken     = flag.String("accessToken", "", "access token appended to every remote request")
	tilesKey        = flag.String("tilesKey", "", "A key to protect your tiles access")
	pacingMs        = flag.Int("pacingMs", 50, "delay in ms after each tile attempt")
	syncWorkers     = flag.Int("syncWorkers", 1, "download pool size, 1 keeps passes sequential")
	keepOnAuthError = flag.Bool("keepOnAuthError", false, "keep attempting tiles after a token rejection")
	fetchTimeoutSec = flag.Int("fetchTimeoutSec", 30, "per-request timeout in seconds")
	autoSync        = flag.Bool("autoSync", false, "start a sync pass whenever an overlay is added")
	httpMetricsPort = flag.Int("httpMetricsPort", 8088, "http port")
	httpAPIPort     = flag.Int("httpAPIPort", 8080, "http API port")
	healthPort      = flag.Int("healthPort", 6666, "grpc health port")
	allowOrigin     = flag.String("allowOrigin", "*", "Access-Control-Allow-Origin")

	httpServer        *http.Server
	grpcHealthServer  *grpc.Server
	httpMetricsServer *http.Server
)

func main() {
	flag.Parse()

	logger := log.NewJSONLogger(log.NewSyncWriter(os.Stdout))
	logger = log.With(logger, "caller", log.Caller(5), "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "app", appName)
	logger = loglevel.NewLevelFilterFromString(logger, *logLevel)

	stdlog.SetOutput(log.NewStdlibAdapter(logger))

	level.Info(logger).Log("msg", "Starting app", "version", version)

	ctx := context.Background()
	ctx, cancel := context.WithCancel(ctx)

	// catch termination
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	g, ctx := errgroup.WithContext(ctx)

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

	st := store.New()

	// react to overlay mutations before any are loaded
	events := st.Subscribe()
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				st.Unsubscribe(events)

				return nil
			case e := <-events:
				level.Info(logger).Log("msg", "overlay event", "type", e.Type.String(), "overlay", e.Overlay.ID)
				overlaysGauge.Set(float64(len(st.List())))

				if *autoSync && e.Type == store.OverlayAdded {
					if _, err := engine.StartSync(ctx, e.Overlay); err != nil {
						level.Warn(logger).Log("msg", "can't auto start sync", "overlay", e.Overlay.ID, "error", err)
					}
				}
			}
		}
	})

	if *apiBaseURL != "" {
		client := overlay.NewClient(fetcher, *apiBaseURL, logger)

		descriptors, err := client.List(ctx)
		if err != nil {
			level.Error(logger).Log("msg", "can't list overlays from API", "error", err)
			os.Exit(2)
		}

		for _, d := range descriptors {
			if err := st.Set(d); err != nil {
				level.Warn(logger).Log("msg", "skipping overlay", "overlay", d.ID, "error", err)
			}
		}

		level.Info(logger).Log("msg", "overlays loaded", "count", len(descriptors))
	}

	// gRPC Health Server
	healthServer := health.NewServer()
	g.Go(func() error {
		grpcHealthServer = grpc.NewServer()

		healthpb.RegisterHealthServer(grpcHealthServer, healthServer)

		haddr := fmt.Sprintf(":%d", *healthPort)
		hln, err := net.Listen("tcp", haddr)
		if err != nil {
			level.Error(logger).Log("msg", "gRPC Health server: failed to listen", "error", err)
			os.Exit(2)
		}
		level.Info(logger).Log("msg", fmt.Sprintf("gRPC health server listening at %s", haddr))

		return grpcHealthServer.Serve(hln)
	})

	// server
	srv, err := server.New(ctx, appName, *tilesKey, *origin, st, caches, engine, logger, healthServer)
	if err != nil {
		level.Error(logger).Log("msg", "can't get a working server", "error", err)
		os.Exit(2)
	}

	// web server metrics
	g.Go(func() error {
		httpMetricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", *httpMetricsPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP Metrics server listening at :%d", *httpMetricsPort))

		versionGauge.WithLabelValues(version).Add(1)

		// Register Prometheus metrics handler.
		http.Handle("/metrics", promhttp.Handler())

		if err := httpMetricsServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	// web server
	g.Go(func() error {
		// metrics middleware.
		metricsMwr := middleware.New(middleware.Config{
			Recorder: metrics.NewRecorder(metrics.Config{Prefix: appName}),
		})

		r := mux.NewRouter()

		r.Handle("/tiles/{id}/{z:[0-9]+}/{x:[0-9]+}/{y:[0-9]+}",
			std.Handler("/tiles/", metricsMwr, http.HandlerFunc(srv.TilesHandler))).Methods(http.MethodGet)

		r.HandleFunc("/overlays", srv.OverlaysHandler).Methods(http.MethodGet)
		r.HandleFunc("/overlays", srv.AddOverlayHandler).Methods(http.MethodPost)
		r.HandleFunc("/overlays/{id}", srv.OverlayHandler).Methods(http.MethodGet)
		r.HandleFunc("/overlays/{id}", srv.OpacityHandler).Methods(http.MethodPatch)
		r.HandleFunc("/overlays/{id}", srv.RemoveOverlayHandler).Methods(http.MethodDelete)
		r.HandleFunc("/overlays/{id}/plan", srv.PlanHandler).Methods(http.MethodGet)
		r.HandleFunc("/overlays/{id}/sync", srv.SyncHandler).Methods(http.MethodPost)
		r.HandleFunc("/overlays/{id}/status", srv.StatusHandler).Methods(http.MethodGet)
		r.HandleFunc("/overlays/{id}/tiles", srv.PurgeHandler).Methods(http.MethodDelete)

		r.HandleFunc("/healthz", srv.HealthHandler)

		r.HandleFunc("/version", func(w http.ResponseWriter, request *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			m := map[string]interface{}{"version": version}
			b, _ := json.Marshal(m)
			w.Write(b)
		})

		httpServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", *httpAPIPort),
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			Handler: handlers.CORS(
				handlers.AllowedOrigins([]string{*allowOrigin}),
				handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "DELETE"}))(r),
		}
		level.Info(logger).Log("msg", fmt.Sprintf("HTTP API server listening at :%d", *httpAPIPort))

		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}

		return nil
	})

	srv.SetServing(true)
	level.Info(logger).Log("msg", "serving status to SERVING")

	select {
	case <-interrupt:
		cancel()

		break
	case <-ctx.Done():
		break
	}

	level.Warn(logger).Log("msg", "received shutdown signal")

	srv.SetServing(false)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if httpMetricsServer != nil {
		_ = httpMetricsServer.Shutdown(shutdownCtx)
	}

	if httpServer != nil {
		_ = httpServer.Shutdown(shutdownCtx)
	}

	if grpcHealthServer != nil {
		grpcHealthServer.GracefulStop()
	}

	err = g.Wait()
	if err != nil {
		level.Error(logger).Log("msg", "server returning an error", "error", err)
		os.Exit(2)
	}
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
