// Package store holds the in-memory overlay registry shared by the sync
// engine and the HTTP surface, with typed mutation events instead of a
// string-keyed bus.
package store

import (
	"fmt"
	"sort"
	"sync"

	"github.com/overmaps/tilesync/overlay"
)

// EventType tags an overlay mutation.
type EventType int

const (
	OverlayAdded EventType = iota
	OverlayUpdated
	OverlayRemoved
)

func (t EventType) String() string {
	switch t {
	case OverlayAdded:
		return "added"
	case OverlayUpdated:
		return "updated"
	case OverlayRemoved:
		return "removed"
	}

	return "unknown"
}

// Event describes one overlay mutation.
type Event struct {
	Type    EventType
	Overlay overlay.Descriptor
}

// Store keeps one Descriptor per overlay ID and fans out events to
// subscribers. The zero value is not usable, use New.
type Store struct {
	mu       sync.RWMutex
	overlays map[string]overlay.Descriptor

	subMu sync.RWMutex
	subs  map[chan Event]struct{}
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		overlays: make(map[string]overlay.Descriptor),
		subs:     make(map[chan Event]struct{}),
	}
}

// List returns every overlay, ordered by ID.
func (s *Store) List() []overlay.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]overlay.Descriptor, 0, len(s.overlays))
	for _, d := range s.overlays {
		out = append(out, d)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	return out
}

// Get returns the overlay stored under id.
func (s *Store) Get(id string) (overlay.Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.overlays[id]

	return d, ok
}

// Set adds or replaces the overlay stored under its ID and publishes the
// matching event. Uniqueness by ID is enforced here: the newcomer replaces
// any previous descriptor.
func (s *Store) Set(d overlay.Descriptor) error {
	d = d.Normalize()
	if err := d.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	_, existed := s.overlays[d.ID]
	s.overlays[d.ID] = d
	s.mu.Unlock()

	t := OverlayAdded
	if existed {
		t = OverlayUpdated
	}

	s.publish(Event{Type: t, Overlay: d})

	return nil
}

// SetOpacity updates the display opacity of an overlay, persisting it back
// through the store so the map host can reflect it.
func (s *Store) SetOpacity(id string, opacity float64) (overlay.Descriptor, error) {
	if opacity < 0 || opacity > 1 {
		return overlay.Descriptor{}, fmt.Errorf("overlay %s: opacity %f out of range", id, opacity)
	}

	s.mu.Lock()
	d, ok := s.overlays[id]
	if !ok {
		s.mu.Unlock()

		return overlay.Descriptor{}, fmt.Errorf("overlay %s not found", id)
	}

	d.Opacity = opacity
	s.overlays[id] = d
	s.mu.Unlock()

	s.publish(Event{Type: OverlayUpdated, Overlay: d})

	return d, nil
}

// Remove deletes the overlay stored under id, reporting whether it existed.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	d, ok := s.overlays[id]
	if ok {
		delete(s.overlays, id)
	}
	s.mu.Unlock()

	if ok {
		s.publish(Event{Type: OverlayRemoved, Overlay: d})
	}

	return ok
}

// Subscribe returns a buffered channel receiving every subsequent event.
func (s *Store) Subscribe() chan Event {
	ch := make(chan Event, 16)

	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *Store) Unsubscribe(ch chan Event) {
	s.subMu.Lock()
	delete(s.subs, ch)
	s.subMu.Unlock()

	close(ch)
}

func (s *Store) publish(e Event) {
	s.subMu.RLock()
	defer s.subMu.RUnlock()

	for ch := range s.subs {
		select {
		case ch <- e:
		default:
			// subscriber too slow, skip
		}
	}
}
