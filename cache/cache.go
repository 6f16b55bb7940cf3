// Package cache defines the persistent named tile caches the sync engine
// inspects and fills.
package cache

import (
	"context"
	"errors"
	"time"
)

const (
	infosKey byte = 'i'
	// reserved T & t for tiles
	TileURLPrefix  byte = 't'
	TileBlobPrefix byte = 'T'
)

// ErrNotFound is returned when a tile address has no entry in a cache.
var ErrNotFound = errors.New("cache: not found")

// SyncInfos records the outcome of the last completed sync pass for a cache.
type SyncInfos struct {
	Pass      string    `cbor:"1,keyasint,omitempty"`
	LastSync  time.Time `cbor:"2,keyasint,omitempty"`
	Attempted int       `cbor:"3,keyasint,omitempty"`
	Succeeded int       `cbor:"4,keyasint,omitempty"`
	Failed    int       `cbor:"5,keyasint,omitempty"`
}

// InfosKey returns the key for the sync metadata entry.
func InfosKey() []byte {
	return []byte{infosKey}
}

// TileKey returns the storage key for a tile address.
func TileKey(addr string) []byte {
	k := make([]byte, 0, len(addr)+1)
	k = append(k, TileURLPrefix)

	return append(k, addr...)
}

// TileCache is one named persistent tile address → body store. Keys are the
// un-suffixed tile addresses; enumeration order is undefined and callers must
// only rely on set membership.
type TileCache interface {
	Name() string
	Keys(ctx context.Context) ([]string, error)
	Has(ctx context.Context, addr string) (bool, error)
	Get(ctx context.Context, addr string) ([]byte, error)
	Put(ctx context.Context, addr string, body []byte) error
	Purge(ctx context.Context) error
	LoadSyncInfos(ctx context.Context) (*SyncInfos, bool, error)
	StoreSyncInfos(ctx context.Context, infos SyncInfos) error
}

// Provider opens caches by name, creating them on first use. Opening the same
// name twice targets the same underlying cache.
type Provider interface {
	Open(ctx context.Context, name string) (TileCache, error)
}
