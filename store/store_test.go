package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/overmaps/tilesync/overlay"
)

func descriptor(id string) overlay.Descriptor {
	return overlay.Descriptor{ID: id, Name: id, URL: "/overlays/" + id + "/{z}/{x}/{y}"}
}

func TestSetGet(t *testing.T) {
	s := New()

	require.NoError(t, s.Set(descriptor("a")))
	require.NoError(t, s.Set(descriptor("b")))

	d, ok := s.Get("a")
	require.True(t, ok)
	require.Equal(t, "a", d.ID)
	require.Equal(t, 1.0, d.Opacity)

	_, ok = s.Get("missing")
	require.False(t, ok)

	// one instance per id: replacing keeps a single entry
	require.NoError(t, s.Set(descriptor("a")))
	require.Len(t, s.List(), 2)

	require.Error(t, s.Set(overlay.Descriptor{URL: "/overlays/x/{z}/{x}/{y}"}))
}

func TestSetOpacity(t *testing.T) {
	s := New()
	require.NoError(t, s.Set(descriptor("a")))

	d, err := s.SetOpacity("a", 0.4)
	require.NoError(t, err)
	require.Equal(t, 0.4, d.Opacity)

	d, _ = s.Get("a")
	require.Equal(t, 0.4, d.Opacity)

	_, err = s.SetOpacity("a", 1.4)
	require.Error(t, err)

	_, err = s.SetOpacity("missing", 0.4)
	require.Error(t, err)
}

func waitEvent(t *testing.T, ch chan Event) Event {
	t.Helper()

	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}

	return Event{}
}

func TestEvents(t *testing.T) {
	s := New()

	ch := s.Subscribe()
	defer s.Unsubscribe(ch)

	require.NoError(t, s.Set(descriptor("a")))
	e := waitEvent(t, ch)
	require.Equal(t, OverlayAdded, e.Type)
	require.Equal(t, "a", e.Overlay.ID)

	require.NoError(t, s.Set(descriptor("a")))
	require.Equal(t, OverlayUpdated, waitEvent(t, ch).Type)

	_, err := s.SetOpacity("a", 0.2)
	require.NoError(t, err)
	e = waitEvent(t, ch)
	require.Equal(t, OverlayUpdated, e.Type)
	require.Equal(t, 0.2, e.Overlay.Opacity)

	require.True(t, s.Remove("a"))
	require.Equal(t, OverlayRemoved, waitEvent(t, ch).Type)

	require.False(t, s.Remove("a"))
}
