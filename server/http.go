package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/gorilla/mux"

	"github.com/overmaps/tilesync/cache"
	"github.com/overmaps/tilesync/overlay"
	"github.com/overmaps/tilesync/syncer"
)

// OverlaysHandler lists the overlays known to the store.
func (s *Server) OverlaysHandler(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, s.store.List())
}

// AddOverlayHandler registers (or replaces) an overlay.
func (s *Server) AddOverlayHandler(w http.ResponseWriter, req *http.Request) {
	var d overlay.Descriptor
	if err := json.NewDecoder(req.Body).Decode(&d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	if err := s.store.Set(d); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	d, _ = s.store.Get(d.ID)
	writeJSON(w, http.StatusCreated, d)
}

// OverlayHandler returns one overlay.
func (s *Server) OverlayHandler(w http.ResponseWriter, req *http.Request) {
	d, ok := s.store.Get(mux.Vars(req)["id"])
	if !ok {
		http.NotFound(w, req)

		return
	}

	writeJSON(w, http.StatusOK, d)
}

// OpacityHandler updates the display opacity of an overlay; the write goes
// through the store so the map host sees the change as an update event.
func (s *Server) OpacityHandler(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Opacity float64 `json:"opacity"`
	}

	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)

		return
	}

	d, err := s.store.SetOpacity(mux.Vars(req)["id"], body.Opacity)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)

		return
	}

	writeJSON(w, http.StatusOK, d)
}

// RemoveOverlayHandler deletes an overlay from the store. Its cache is left
// in place until purged explicitly.
func (s *Server) RemoveOverlayHandler(w http.ResponseWriter, req *http.Request) {
	if !s.store.Remove(mux.Vars(req)["id"]) {
		http.NotFound(w, req)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// PlanHandler reports the pre-download state of an overlay: no remote tiles,
// already cached, or N of M tiles to download.
func (s *Server) PlanHandler(w http.ResponseWriter, req *http.Request) {
	d, ok := s.store.Get(mux.Vars(req)["id"])
	if !ok {
		http.NotFound(w, req)

		return
	}

	plan, err := s.engine.Plan(req.Context(), d)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	state := "pending"

	switch {
	case plan.Empty():
		state = "empty"
	case plan.UpToDate():
		state = "cached"
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"state":   state,
		"remote":  plan.Remote,
		"cached":  plan.Cached,
		"missing": len(plan.Missing),
	})
}

// SyncHandler starts a background sync pass for an overlay.
func (s *Server) SyncHandler(w http.ResponseWriter, req *http.Request) {
	d, ok := s.store.Get(mux.Vars(req)["id"])
	if !ok {
		http.NotFound(w, req)

		return
	}

	pass, err := s.engine.StartSync(s.baseCtx, d)
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			http.Error(w, err.Error(), http.StatusConflict)

			return
		}

		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"pass": pass})
}

// StatusHandler reports the live sync position of an overlay.
func (s *Server) StatusHandler(w http.ResponseWriter, req *http.Request) {
	id := mux.Vars(req)["id"]
	if _, ok := s.store.Get(id); !ok {
		http.NotFound(w, req)

		return
	}

	st, ok := s.engine.Status(id)
	if !ok {
		st = syncer.Status{State: syncer.StateIdle}
	}

	writeJSON(w, http.StatusOK, st)
}

// PurgeHandler drops every cached tile of an overlay.
func (s *Server) PurgeHandler(w http.ResponseWriter, req *http.Request) {
	d, ok := s.store.Get(mux.Vars(req)["id"])
	if !ok {
		http.NotFound(w, req)

		return
	}

	if err := s.engine.Purge(req.Context(), d); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// TilesHandler serves a cached tile verbatim for URLs such as
// /tiles/buildings/11/618/722. This is the offline read path the map host
// consumes.
func (s *Server) TilesHandler(w http.ResponseWriter, req *http.Request) {
	logger := log.With(s.logger, "component", "tile_server")
	vars := mux.Vars(req)

	if s.tilesKey != "" {
		if req.URL.Query().Get("key") != s.tilesKey {
			level.Debug(logger).Log("err", "unauthorized tile request")
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)

			return
		}
	}

	d, ok := s.store.Get(vars["id"])
	if !ok {
		http.NotFound(w, req)

		return
	}

	base, err := d.TileBaseURL(s.origin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	addr := fmt.Sprintf("%s/%s/%s/%s", base, vars["z"], vars["x"], vars["y"])

	tc, err := s.caches.Open(req.Context(), overlay.CacheNameFor(d))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	data, err := tc.Get(req.Context(), addr)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			level.Debug(logger).Log(
				"err", "tile not cached",
				"overlay", d.ID,
				"z", vars["z"],
				"x", vars["x"],
				"y", vars["y"],
			)

			http.NotFound(w, req)

			return
		}

		level.Debug(logger).Log("err", err.Error(), "overlay", d.ID)
		http.Error(w, err.Error(), http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", http.DetectContentType(data))
	_, _ = w.Write(data)
}

// HealthHandler answers liveness probes.
func (s *Server) HealthHandler(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	b, _ := json.Marshal(v)
	_, _ = w.Write(b)
}
