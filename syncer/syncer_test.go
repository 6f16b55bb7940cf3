package syncer

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	bcache "github.com/overmaps/tilesync/cache/bbolt"
	"github.com/overmaps/tilesync/fetch"
	"github.com/overmaps/tilesync/manifest"
	"github.com/overmaps/tilesync/overlay"
)

func TestComputeMissing(t *testing.T) {
	tests := []struct {
		name   string
		remote []string
		cached []string
		want   []string
	}{
		{
			"cached subset removed, remote order kept",
			[]string{"A", "B", "C"},
			[]string{"B"},
			[]string{"A", "C"},
		},
		{
			"nothing cached",
			[]string{"A", "B"},
			nil,
			[]string{"A", "B"},
		},
		{
			"everything cached",
			[]string{"A", "B"},
			[]string{"B", "A", "Z"},
			nil,
		},
		{
			"empty remote",
			nil,
			[]string{"A"},
			nil,
		},
		{
			"duplicates in remote preserved",
			[]string{"A", "A", "B"},
			[]string{"B"},
			[]string{"A", "A"},
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			got := ComputeMissing(tt.remote, tt.cached)
			if !cmp.Equal(tt.want, got) {
				t.Errorf("ComputeMissing() mismatch: %s", cmp.Diff(tt.want, got))
			}

			// missing ⊆ remote and missing ∩ cached = ∅
			remoteSet := make(map[string]struct{})
			for _, a := range tt.remote {
				remoteSet[a] = struct{}{}
			}
			for _, a := range got {
				_, inRemote := remoteSet[a]
				require.True(t, inRemote)
				require.NotContains(t, tt.cached, a)
			}
		})
	}
}

// tileServer serves a three tile manifest and lets tests break individual
// tiles or the whole credential.
type tileServer struct {
	mu       sync.Mutex
	failing  map[string]int // y coordinate -> status to return
	deny     bool
	requests []string
	block    chan struct{} // when set, tile requests wait on it
}

func (ts *tileServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/overlays/x/index.json" {
			_, _ = w.Write([]byte(`{"1":{"2":{"a":3,"b":4,"c":5}}}`))

			return
		}

		ts.mu.Lock()
		ts.requests = append(ts.requests, r.URL.Path)
		deny := ts.deny
		status, broken := ts.failing[filepath.Base(r.URL.Path)]
		block := ts.block
		ts.mu.Unlock()

		if block != nil {
			<-block
		}

		if deny {
			http.Error(w, "nope", http.StatusUnauthorized)

			return
		}

		if broken {
			http.Error(w, "boom", status)

			return
		}

		_, _ = fmt.Fprintf(w, "tile-%s", filepath.Base(r.URL.Path))
	}
}

func setup(t *testing.T, srv *tileServer, cfg Config) (*Engine, overlay.Descriptor, *httptest.Server) {
	t.Helper()

	logger := log.NewLogfmtLogger(os.Stdout)

	hs := httptest.NewServer(srv.handler())
	t.Cleanup(hs.Close)

	caches, clean, err := bcache.NewProvider(filepath.Join(t.TempDir(), "tiles.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clean() })

	fetcher := fetch.New("", time.Second, logger)
	resolver := manifest.NewResolver(fetcher, "", logger)

	if cfg.Pacing == 0 {
		cfg.Pacing = time.Millisecond
	}

	e := New(resolver, caches, fetcher, cfg, logger)
	d := overlay.Descriptor{ID: "x", Name: "x", URL: hs.URL + "/overlays/x/{z}/{x}/{y}", Opacity: 1}

	return e, d, hs
}

func TestSyncThenIdempotent(t *testing.T) {
	ctx := context.Background()
	e, d, hs := setup(t, &tileServer{}, Config{})

	plan, err := e.Plan(ctx, d)
	require.NoError(t, err)
	require.False(t, plan.Empty())
	require.False(t, plan.UpToDate())
	require.Equal(t, []string{
		hs.URL + "/overlays/x/1/2/3",
		hs.URL + "/overlays/x/1/2/4",
		hs.URL + "/overlays/x/1/2/5",
	}, plan.Missing)

	res, err := e.Sync(ctx, d)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 3, res.Succeeded)
	require.Equal(t, 0, res.Failed)

	// a completed pass leaves nothing to download
	plan, err = e.Plan(ctx, d)
	require.NoError(t, err)
	require.True(t, plan.UpToDate())
	require.Empty(t, plan.Missing)

	// and re-running is a no-op against the cache
	res, err = e.Sync(ctx, d)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 0, res.Attempted)

	st, ok := e.Status(d.ID)
	require.True(t, ok)
	require.Equal(t, StateCompleted, st.State)
}

func TestSyncPartialFailure(t *testing.T) {
	ctx := context.Background()
	srv := &tileServer{failing: map[string]int{"3": 500, "4": 404, "5": 503}}
	e, d, _ := setup(t, srv, Config{})

	// the pass completes even when every tile fails
	res, err := e.Sync(ctx, d)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 0, res.Succeeded)
	require.Equal(t, 3, res.Failed)

	// failed tiles stay missing for the next pass
	plan, err := e.Plan(ctx, d)
	require.NoError(t, err)
	require.Len(t, plan.Missing, 3)
}

func TestSyncSkipsBrokenTile(t *testing.T) {
	ctx := context.Background()
	srv := &tileServer{failing: map[string]int{"4": 500}}
	e, d, hs := setup(t, srv, Config{})

	res, err := e.Sync(ctx, d)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, res.Succeeded)
	require.Equal(t, 1, res.Failed)

	plan, err := e.Plan(ctx, d)
	require.NoError(t, err)
	require.Equal(t, []string{hs.URL + "/overlays/x/1/2/4"}, plan.Missing)
}

func TestSyncAuthFailFast(t *testing.T) {
	ctx := context.Background()
	srv := &tileServer{deny: true}
	e, d, _ := setup(t, srv, Config{})

	res, err := e.Sync(ctx, d)
	require.ErrorIs(t, err, fetch.ErrUnauthorized)
	require.False(t, res.Success)

	// the queue stops after the first rejection instead of burning through it
	require.Equal(t, 1, res.Attempted)
}

func TestSyncKeepOnAuthError(t *testing.T) {
	ctx := context.Background()
	srv := &tileServer{deny: true}
	e, d, _ := setup(t, srv, Config{ContinueOnAuthError: true})

	res, err := e.Sync(ctx, d)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 3, res.Attempted)
	require.Equal(t, 3, res.Failed)
}

func TestSyncInProgress(t *testing.T) {
	ctx := context.Background()
	srv := &tileServer{block: make(chan struct{})}
	e, d, _ := setup(t, srv, Config{})

	_, err := e.StartSync(ctx, d)
	require.NoError(t, err)

	// wait for the pass to reach the blocked tile fetch
	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()

		return len(srv.requests) > 0
	}, time.Second, 5*time.Millisecond)

	_, err = e.Sync(ctx, d)
	require.ErrorIs(t, err, ErrSyncInProgress)

	close(srv.block)

	require.Eventually(t, func() bool {
		st, ok := e.Status(d.ID)

		return ok && st.State == StateCompleted
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncCancellation(t *testing.T) {
	srv := &tileServer{block: make(chan struct{})}
	e, d, _ := setup(t, srv, Config{})

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})

	var (
		res *Result
		err error
	)

	go func() {
		res, err = e.Sync(ctx, d)
		close(done)
	}()

	require.Eventually(t, func() bool {
		srv.mu.Lock()
		defer srv.mu.Unlock()

		return len(srv.requests) > 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	close(srv.block)
	<-done

	require.Error(t, err)
	require.False(t, res.Success)
}

func TestPlanEmptyManifest(t *testing.T) {
	ctx := context.Background()
	logger := log.NewLogfmtLogger(os.Stdout)

	// no manifest at all: planning proceeds with an empty remote set
	hs := httptest.NewServer(http.HandlerFunc(http.NotFound))
	t.Cleanup(hs.Close)

	caches, clean, err := bcache.NewProvider(filepath.Join(t.TempDir(), "tiles.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = clean() })

	fetcher := fetch.New("", time.Second, logger)
	e := New(manifest.NewResolver(fetcher, "", logger), caches, fetcher, Config{Pacing: time.Millisecond}, logger)

	d := overlay.Descriptor{ID: "x", Name: "x", URL: hs.URL + "/overlays/x/{z}/{x}/{y}", Opacity: 1}

	plan, err := e.Plan(ctx, d)
	require.NoError(t, err)
	require.True(t, plan.Empty())
	require.Empty(t, plan.Missing)
}
