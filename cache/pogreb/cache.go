// Package pogreb stores named tile caches as per-name pogreb databases under
// a root directory. Tile bodies are content addressed through xxhash so the
// same body stored under many addresses is kept once.
package pogreb

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/akrylysov/pogreb"
	"github.com/cespare/xxhash"
	"github.com/fxamacker/cbor/v2"
	log "github.com/go-kit/log"

	"github.com/overmaps/tilesync/cache"
)

// Provider keeps one pogreb database per cache name under root.
type Provider struct {
	root   string
	logger log.Logger

	mu   sync.Mutex
	open map[string]*Cache
}

// NewProvider readies the root directory and returns a provider plus a
// cleanup closing every database it opened.
func NewProvider(root string, logger log.Logger) (*Provider, func() error, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create cache root %s: %w", root, err)
	}

	p := &Provider{
		root:   root,
		logger: logger,
		open:   make(map[string]*Cache),
	}

	return p, p.closeAll, nil
}

// Open returns the cache stored under name, opening its database on first use.
func (p *Provider) Open(_ context.Context, name string) (cache.TileCache, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.open[name]; ok {
		return c, nil
	}

	db, err := pogreb.Open(filepath.Join(p.root, name), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}

	c := &Cache{
		db:     db,
		name:   name,
		logger: log.With(p.logger, "cache", name),
	}
	p.open[name] = c

	return c, nil
}

func (p *Provider) closeAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error

	for name, c := range p.open {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close cache %s: %w", name, err)
		}

		delete(p.open, name)
	}

	return firstErr
}

// Cache is one named tile cache.
type Cache struct {
	db     *pogreb.DB
	name   string
	logger log.Logger
}

func (c *Cache) Name() string { return c.name }

// Keys enumerates the tile addresses currently stored.
func (c *Cache) Keys(_ context.Context) ([]string, error) {
	var keys []string

	it := c.db.Items()

	for {
		k, _, err := it.Next()
		if err == pogreb.ErrIterationDone {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("failed to enumerate cache %s: %w", c.name, err)
		}

		if len(k) > 0 && k[0] == cache.TileURLPrefix {
			keys = append(keys, string(k[1:]))
		}
	}

	return keys, nil
}

func (c *Cache) Has(_ context.Context, addr string) (bool, error) {
	return c.db.Has(cache.TileKey(addr))
}

func (c *Cache) Get(_ context.Context, addr string) ([]byte, error) {
	v, err := c.db.Get(cache.TileKey(addr))
	if err != nil {
		return nil, err
	}

	if v == nil {
		return nil, cache.ErrNotFound
	}

	body, err := c.db.Get(blobKey(v))
	if err != nil {
		return nil, err
	}

	if body == nil {
		return nil, fmt.Errorf("can't find blob at existing entry %s", addr)
	}

	return body, nil
}

func (c *Cache) Put(_ context.Context, addr string, body []byte) error {
	// TODO: watchout for collisions
	thash := xxhash.Sum64(body)
	khash := make([]byte, 8)
	binary.BigEndian.PutUint64(khash, thash)

	if err := c.db.Put(blobKey(khash), body); err != nil {
		return fmt.Errorf("failed writing blob to cache %s: %w", c.name, err)
	}

	if err := c.db.Put(cache.TileKey(addr), khash); err != nil {
		return fmt.Errorf("failed writing tile key to cache %s: %w", c.name, err)
	}

	return nil
}

// Purge drops every entry of the cache, sync metadata included.
func (c *Cache) Purge(_ context.Context) error {
	var keys [][]byte

	it := c.db.Items()

	for {
		k, _, err := it.Next()
		if err == pogreb.ErrIterationDone {
			break
		}

		if err != nil {
			return fmt.Errorf("failed to enumerate cache %s: %w", c.name, err)
		}

		keys = append(keys, append([]byte(nil), k...))
	}

	for _, k := range keys {
		if err := c.db.Delete(k); err != nil {
			return fmt.Errorf("failed to purge cache %s: %w", c.name, err)
		}
	}

	return nil
}

// LoadSyncInfos loads the last pass metadata from the cache if any.
func (c *Cache) LoadSyncInfos(_ context.Context) (*cache.SyncInfos, bool, error) {
	v, err := c.db.Get(cache.InfosKey())
	if err != nil {
		return nil, false, err
	}

	if v == nil {
		return nil, false, nil
	}

	infos := &cache.SyncInfos{}
	if err := cbor.Unmarshal(v, infos); err != nil {
		return nil, false, err
	}

	return infos, true, nil
}

func (c *Cache) StoreSyncInfos(_ context.Context, infos cache.SyncInfos) error {
	v, err := cbor.Marshal(infos)
	if err != nil {
		return fmt.Errorf("failed encoding SyncInfos: %w", err)
	}

	return c.db.Put(cache.InfosKey(), v)
}

func blobKey(hash []byte) []byte {
	k := make([]byte, 0, len(hash)+1)
	k = append(k, cache.TileBlobPrefix)

	return append(k, hash...)
}
