// Package syncer implements the tile sync engine: it reconciles the remote
// tile index of an overlay against its local persistent cache and downloads
// the delta, sequentially paced, tolerating per-tile failures.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/overmaps/tilesync/cache"
	"github.com/overmaps/tilesync/fetch"
	"github.com/overmaps/tilesync/manifest"
	"github.com/overmaps/tilesync/overlay"
)

// ErrSyncInProgress is returned when a pass is requested for an overlay that
// is already syncing. Passes for different overlays run independently.
var ErrSyncInProgress = errors.New("syncer: sync already in progress for overlay")

const (
	defaultPacing  = 50 * time.Millisecond
	defaultWorkers = 1
)

// Config tunes a sync pass.
type Config struct {
	// Pacing is the delay observed after every tile attempt, success or
	// failure, per download lane.
	Pacing time.Duration
	// Workers bounds the download pool. The default of 1 keeps the loop
	// strictly sequential in manifest order.
	Workers int
	// ContinueOnAuthError restores the keep-trying behavior: by default a
	// rejected token aborts the remaining queue instead of failing every
	// tile against a dead credential.
	ContinueOnAuthError bool
}

func (c Config) withDefaults() Config {
	if c.Pacing <= 0 {
		c.Pacing = defaultPacing
	}

	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}

	return c
}

// Result is the outcome of one download pass. Success means the pass ran to
// completion, not that every tile downloaded; callers needing per-tile detail
// inspect the tallies.
type Result struct {
	Pass      string        `json:"pass"`
	Success   bool          `json:"success"`
	Attempted int           `json:"attempted"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
	Started   time.Time     `json:"started"`
	Duration  time.Duration `json:"duration"`
}

// Plan is the pre-download report for an overlay: how many tiles the remote
// advertises, how many are already cached, and which are missing.
type Plan struct {
	Remote  int      `json:"remote"`
	Cached  int      `json:"cached"`
	Missing []string `json:"missing"`
}

// Empty reports that the remote advertises no tiles at all.
func (p Plan) Empty() bool { return p.Remote == 0 }

// UpToDate reports that every advertised tile is already cached.
func (p Plan) UpToDate() bool { return p.Remote > 0 && len(p.Missing) == 0 }

// ComputeMissing returns remote \ cached using exact string equality,
// preserving remote's order. It is pure: no I/O, no engine state.
func ComputeMissing(remote, cached []string) []string {
	have := make(map[string]struct{}, len(cached))
	for _, addr := range cached {
		have[addr] = struct{}{}
	}

	var missing []string

	for _, addr := range remote {
		if _, ok := have[addr]; !ok {
			missing = append(missing, addr)
		}
	}

	return missing
}

// Engine drives sync passes. At most one pass runs per overlay ID at any
// time; the caches are keyed by overlay so distinct overlays never race.
type Engine struct {
	resolver *manifest.Resolver
	caches   cache.Provider
	fetcher  *fetch.Client
	cfg      Config
	logger   log.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	statuses map[string]Status
}

// New returns an Engine.
func New(resolver *manifest.Resolver, caches cache.Provider, fetcher *fetch.Client, cfg Config, logger log.Logger) *Engine {
	return &Engine{
		resolver: resolver,
		caches:   caches,
		fetcher:  fetcher,
		cfg:      cfg.withDefaults(),
		logger:   log.With(logger, "component", "syncer"),
		inflight: make(map[string]struct{}),
		statuses: make(map[string]Status),
	}
}

// Plan resolves the manifest and inspects the cache concurrently, then diffs.
// Manifest resolution degrades to "no remote tiles known" on failure; a cache
// inspection failure is a hard error since the diff would be meaningless.
func (e *Engine) Plan(ctx context.Context, d overlay.Descriptor) (*Plan, error) {
	tc, err := e.openCache(ctx, d)
	if err != nil {
		return nil, err
	}

	remote, cached, err := e.gather(ctx, d, tc)
	if err != nil {
		return nil, err
	}

	return &Plan{
		Remote:  len(remote),
		Cached:  len(cached),
		Missing: ComputeMissing(remote, cached),
	}, nil
}

// Sync runs one full pass for d and blocks until it completes or aborts.
// Re-invoking a completed pass is idempotent: only tiles still absent from
// the cache are requested again.
func (e *Engine) Sync(ctx context.Context, d overlay.Descriptor) (*Result, error) {
	if err := e.acquire(d.ID); err != nil {
		return nil, err
	}
	defer e.release(d.ID)

	return e.run(ctx, d, uuid.NewString())
}

// StartSync begins a pass in the background and returns its pass ID, or
// ErrSyncInProgress. Progress is observable through Status.
func (e *Engine) StartSync(ctx context.Context, d overlay.Descriptor) (string, error) {
	if err := e.acquire(d.ID); err != nil {
		return "", err
	}

	pass := uuid.NewString()

	go func() {
		defer e.release(d.ID)

		if _, err := e.run(ctx, d, pass); err != nil {
			level.Warn(e.logger).Log("msg", "sync pass aborted", "overlay", d.ID, "pass", pass, "error", err)
		}
	}()

	return pass, nil
}

// Status returns the last known position of an overlay's sync.
func (e *Engine) Status(id string) (Status, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.statuses[id]

	return st, ok
}

// Purge drops the overlay's cache entirely.
func (e *Engine) Purge(ctx context.Context, d overlay.Descriptor) error {
	tc, err := e.openCache(ctx, d)
	if err != nil {
		return err
	}

	return tc.Purge(ctx)
}

func (e *Engine) openCache(ctx context.Context, d overlay.Descriptor) (cache.TileCache, error) {
	name := overlay.CacheNameFor(d)

	tc, err := e.caches.Open(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}

	return tc, nil
}

// gather runs manifest resolution and cache inspection concurrently and
// waits for both.
func (e *Engine) gather(ctx context.Context, d overlay.Descriptor, tc cache.TileCache) (remote, cached []string, err error) {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tiles, err := e.resolver.Resolve(gctx, d)
		if err != nil {
			if !e.cfg.ContinueOnAuthError && errors.Is(err, fetch.ErrUnauthorized) {
				return err
			}

			level.Warn(e.logger).Log("msg", "manifest resolution failed", "overlay", d.ID, "error", err)

			tiles = nil
		}

		remote = tiles

		return nil
	})

	g.Go(func() error {
		keys, err := tc.Keys(gctx)
		if err != nil {
			return fmt.Errorf("failed to inspect cache %s: %w", tc.Name(), err)
		}

		cached = keys

		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return remote, cached, nil
}

func (e *Engine) run(ctx context.Context, d overlay.Descriptor, pass string) (*Result, error) {
	logger := log.With(e.logger, "overlay", d.ID, "pass", pass)
	res := &Result{Pass: pass, Started: time.Now()}

	passesTotal.Inc()

	tc, err := e.openCache(ctx, d)
	if err != nil {
		e.setStatus(d.ID, Status{State: StateFailed, Result: res})

		return res, err
	}

	e.setStatus(d.ID, Status{State: StateResolvingManifest})

	remote, cached, err := e.gather(ctx, d, tc)
	if err != nil {
		e.setStatus(d.ID, Status{State: StateFailed, Result: res})

		return res, err
	}

	e.setStatus(d.ID, Status{State: StateDiffing})

	missing := ComputeMissing(remote, cached)

	level.Info(logger).Log(
		"msg", "pass planned",
		"remote", len(remote),
		"cached", len(cached),
		"missing", len(missing),
	)

	err = e.download(ctx, logger, d.ID, tc, missing, res)

	res.Duration = time.Since(res.Started)
	res.Success = err == nil

	infos := cache.SyncInfos{
		Pass:      pass,
		LastSync:  time.Now(),
		Attempted: res.Attempted,
		Succeeded: res.Succeeded,
		Failed:    res.Failed,
	}
	if ierr := tc.StoreSyncInfos(ctx, infos); ierr != nil {
		level.Warn(logger).Log("msg", "can't store sync infos", "error", ierr)
	}

	if err != nil {
		e.setStatus(d.ID, Status{State: StateFailed, Done: res.Attempted, Total: len(missing), Result: res})

		return res, err
	}

	e.setStatus(d.ID, Status{State: StateCompleted, Done: res.Attempted, Total: len(missing), Result: res})

	level.Info(logger).Log(
		"msg", "pass completed",
		"attempted", res.Attempted,
		"succeeded", res.Succeeded,
		"failed", res.Failed,
		"duration", res.Duration,
	)

	return res, nil
}

// download fetches every missing tile. Per-tile failures are recorded and
// skipped; the pass aborts only on cancellation or, unless configured
// otherwise, on a rejected token.
func (e *Engine) download(ctx context.Context, logger log.Logger, id string, tc cache.TileCache, missing []string, res *Result) error {
	total := len(missing)

	e.setStatus(id, Status{State: StateDownloading, Total: total})

	if total == 0 {
		return nil
	}

	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Workers)

	for _, addr := range missing {
		addr := addr

		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			err := e.fetchTile(gctx, tc, addr)

			mu.Lock()
			res.Attempted++
			if err != nil {
				res.Failed++
			} else {
				res.Succeeded++
			}
			done := res.Attempted
			mu.Unlock()

			tilesAttempted.Inc()

			e.setStatus(id, Status{State: StateDownloading, Done: done, Total: total})

			if err != nil {
				tilesFailed.Inc()

				if !e.cfg.ContinueOnAuthError && errors.Is(err, fetch.ErrUnauthorized) {
					level.Warn(logger).Log("msg", "token rejected, aborting remaining queue", "tile", addr)

					return err
				}

				level.Debug(logger).Log("msg", "tile failed", "tile", addr, "error", err)
			} else {
				tilesDownloaded.Inc()
			}

			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-time.After(e.cfg.Pacing):
			}

			return nil
		})
	}

	return g.Wait()
}

func (e *Engine) fetchTile(ctx context.Context, tc cache.TileCache, addr string) error {
	body, err := e.fetcher.Get(ctx, addr)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// persisted under the un-suffixed address: the same key the inspector
	// enumerates, or the next diff is meaningless
	if err := tc.Put(ctx, addr, body); err != nil {
		return fmt.Errorf("failed to persist tile %s: %w", addr, err)
	}

	return nil
}

func (e *Engine) acquire(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.inflight[id]; ok {
		return ErrSyncInProgress
	}

	e.inflight[id] = struct{}{}

	return nil
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.inflight, id)
}

func (e *Engine) setStatus(id string, st Status) {
	st.Updated = time.Now()

	e.mu.Lock()
	defer e.mu.Unlock()

	// keep the last result visible across state transitions
	if st.Result == nil {
		if prev, ok := e.statuses[id]; ok && st.State != StateResolvingManifest {
			st.Result = prev.Result
		}
	}

	e.statuses[id] = st
}
