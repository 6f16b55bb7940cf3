// Package bbolt stores named tile caches as buckets in a single bbolt file.
package bbolt

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	log "github.com/go-kit/log"
	"go.etcd.io/bbolt"

	"github.com/overmaps/tilesync/cache"
)

// Provider opens tile caches backed by one bucket per cache name.
type Provider struct {
	db     *bbolt.DB
	logger log.Logger
}

// NewProvider opens (or creates) the bbolt file at path.
func NewProvider(path string, logger log.Logger) (*Provider, func() error, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open cache db at %s: %w", path, err)
	}

	return &Provider{
		db:     db,
		logger: logger,
	}, db.Close, nil
}

// Open returns the cache stored under name, creating its bucket on first use.
func (p *Provider) Open(_ context.Context, name string) (cache.TileCache, error) {
	err := p.db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))

		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache %s: %w", name, err)
	}

	return &Cache{
		db:     p.db,
		name:   name,
		logger: log.With(p.logger, "cache", name),
	}, nil
}

// Cache is one named tile cache.
type Cache struct {
	db     *bbolt.DB
	name   string
	logger log.Logger
}

func (c *Cache) Name() string { return c.name }

// Keys enumerates the tile addresses currently stored.
func (c *Cache) Keys(_ context.Context) ([]string, error) {
	var keys []string

	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return fmt.Errorf("missing bucket %s", c.name)
		}

		return b.ForEach(func(k, _ []byte) error {
			if len(k) > 0 && k[0] == cache.TileURLPrefix {
				keys = append(keys, string(k[1:]))
			}

			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate cache %s: %w", c.name, err)
	}

	return keys, nil
}

func (c *Cache) Has(_ context.Context, addr string) (bool, error) {
	var found bool

	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return fmt.Errorf("missing bucket %s", c.name)
		}

		found = b.Get(cache.TileKey(addr)) != nil

		return nil
	})

	return found, err
}

func (c *Cache) Get(_ context.Context, addr string) ([]byte, error) {
	var body []byte

	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return fmt.Errorf("missing bucket %s", c.name)
		}

		v := b.Get(cache.TileKey(addr))
		if v == nil {
			return cache.ErrNotFound
		}

		// values are only valid for the duration of the transaction
		body = append([]byte(nil), v...)

		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

func (c *Cache) Put(_ context.Context, addr string, body []byte) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return fmt.Errorf("missing bucket %s", c.name)
		}

		return b.Put(cache.TileKey(addr), body)
	})
	if err != nil {
		return fmt.Errorf("failed writing tile to cache %s: %w", c.name, err)
	}

	return nil
}

// Purge drops every entry of the cache, sync metadata included.
func (c *Cache) Purge(_ context.Context) error {
	err := c.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(c.name)); err != nil {
			return err
		}

		_, err := tx.CreateBucket([]byte(c.name))

		return err
	})
	if err != nil {
		return fmt.Errorf("failed to purge cache %s: %w", c.name, err)
	}

	return nil
}

// LoadSyncInfos loads the last pass metadata from the cache if any.
func (c *Cache) LoadSyncInfos(_ context.Context) (*cache.SyncInfos, bool, error) {
	var infos *cache.SyncInfos

	err := c.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return nil
		}

		v := b.Get(cache.InfosKey())
		if v == nil {
			return nil
		}

		infos = &cache.SyncInfos{}

		return cbor.Unmarshal(v, infos)
	})
	if err != nil {
		return nil, false, err
	}

	if infos == nil {
		return nil, false, nil
	}

	return infos, true, nil
}

func (c *Cache) StoreSyncInfos(_ context.Context, infos cache.SyncInfos) error {
	v, err := cbor.Marshal(infos)
	if err != nil {
		return fmt.Errorf("failed encoding SyncInfos: %w", err)
	}

	return c.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(c.name))
		if b == nil {
			return fmt.Errorf("missing bucket %s", c.name)
		}

		return b.Put(cache.InfosKey(), v)
	})
}
