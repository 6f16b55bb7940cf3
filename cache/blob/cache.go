// Package blob stores named tile caches in any gocloud.dev bucket (file://,
// s3://, mem://...), one key prefix per cache name. Tile addresses are
// path-escaped so each address maps to a single key segment.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"

	"github.com/fxamacker/cbor/v2"
	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/overmaps/tilesync/cache"
)

const infosEntry = ".syncinfos"

// Provider opens tile caches inside one gocloud bucket.
type Provider struct {
	bucket *blob.Bucket
	logger log.Logger
}

// NewProvider opens the bucket at bucketURL.
func NewProvider(ctx context.Context, bucketURL string, logger log.Logger) (*Provider, func() error, error) {
	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open bucket for %s: %w", bucketURL, err)
	}

	level.Debug(logger).Log("msg", "bucket opened", "url", bucketURL)

	return &Provider{
		bucket: bucket,
		logger: logger,
	}, bucket.Close, nil
}

// Open returns the cache stored under name.
func (p *Provider) Open(_ context.Context, name string) (cache.TileCache, error) {
	return &Cache{
		bucket: p.bucket,
		name:   name,
		logger: log.With(p.logger, "cache", name),
	}, nil
}

// Cache is one named tile cache.
type Cache struct {
	bucket *blob.Bucket
	name   string
	logger log.Logger
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) key(addr string) string {
	return c.name + "/" + url.PathEscape(addr)
}

// Keys enumerates the tile addresses currently stored.
func (c *Cache) Keys(ctx context.Context) ([]string, error) {
	var keys []string

	iter := c.bucket.List(&blob.ListOptions{Prefix: c.name + "/"})

	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return nil, fmt.Errorf("failed to enumerate cache %s: %w", c.name, err)
		}

		entry := obj.Key[len(c.name)+1:]
		if entry == infosEntry {
			continue
		}

		addr, err := url.PathUnescape(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to enumerate cache %s: invalid key %s: %w", c.name, obj.Key, err)
		}

		keys = append(keys, addr)
	}

	return keys, nil
}

func (c *Cache) Has(ctx context.Context, addr string) (bool, error) {
	return c.bucket.Exists(ctx, c.key(addr))
}

func (c *Cache) Get(ctx context.Context, addr string) ([]byte, error) {
	body, err := c.bucket.ReadAll(ctx, c.key(addr))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, cache.ErrNotFound
		}

		return nil, fmt.Errorf("can't read bucket: %w", err)
	}

	return body, nil
}

func (c *Cache) Put(ctx context.Context, addr string, body []byte) error {
	if err := c.bucket.WriteAll(ctx, c.key(addr), body, nil); err != nil {
		return fmt.Errorf("failed writing tile to cache %s: %w", c.name, err)
	}

	return nil
}

// Purge drops every entry of the cache, sync metadata included.
func (c *Cache) Purge(ctx context.Context) error {
	iter := c.bucket.List(&blob.ListOptions{Prefix: c.name + "/"})

	for {
		obj, err := iter.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("failed to purge cache %s: %w", c.name, err)
		}

		if err := c.bucket.Delete(ctx, obj.Key); err != nil {
			return fmt.Errorf("failed to purge cache %s: %w", c.name, err)
		}
	}

	return nil
}

// LoadSyncInfos loads the last pass metadata from the cache if any.
func (c *Cache) LoadSyncInfos(ctx context.Context) (*cache.SyncInfos, bool, error) {
	v, err := c.bucket.ReadAll(ctx, c.name+"/"+infosEntry)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, false, nil
		}

		return nil, false, err
	}

	infos := &cache.SyncInfos{}
	if err := cbor.Unmarshal(v, infos); err != nil {
		return nil, false, err
	}

	return infos, true, nil
}

func (c *Cache) StoreSyncInfos(ctx context.Context, infos cache.SyncInfos) error {
	v, err := cbor.Marshal(infos)
	if err != nil {
		return fmt.Errorf("failed encoding SyncInfos: %w", err)
	}

	return c.bucket.WriteAll(ctx, c.name+"/"+infosEntry, v, nil)
}
