// Package manifest resolves the remote tile index of an overlay into the
// flat ordered list of tile addresses it advertises.
package manifest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/overmaps/tilesync/fetch"
	"github.com/overmaps/tilesync/overlay"
)

const indexDocument = "index.json"

// Resolver fetches and flattens tile index documents.
type Resolver struct {
	fetcher *fetch.Client
	origin  string
	logger  log.Logger
}

// NewResolver returns a Resolver. origin is used to resolve relative overlay
// URL templates.
func NewResolver(fetcher *fetch.Client, origin string, logger log.Logger) *Resolver {
	return &Resolver{
		fetcher: fetcher,
		origin:  origin,
		logger:  log.With(logger, "component", "manifest"),
	}
}

// Resolve fetches <base>/index.json for d and flattens it into tile
// addresses, preserving the document's own z, x, y ordering.
//
// A missing manifest (any non-2xx status except auth rejections) yields an
// empty list and a nil error: there is nothing to sync. Transport and parse
// failures also yield an empty list but return the error, so callers can tell
// "legitimately empty" from "could not resolve". Auth rejections surface as
// fetch.ErrUnauthorized.
func (r *Resolver) Resolve(ctx context.Context, d overlay.Descriptor) ([]string, error) {
	base, err := d.TileBaseURL(r.origin)
	if err != nil {
		return nil, err
	}

	body, err := r.fetcher.Get(ctx, base+"/"+indexDocument)
	if err != nil {
		if errors.Is(err, fetch.ErrUnauthorized) {
			return nil, err
		}

		var se *fetch.StatusError
		if errors.As(err, &se) {
			level.Debug(r.logger).Log("msg", "no manifest for overlay", "overlay", d.ID, "status", se.Code)

			return nil, nil
		}

		return nil, fmt.Errorf("can't fetch manifest for overlay %s: %w", d.ID, err)
	}

	tiles, err := Flatten(body, base)
	if err != nil {
		return nil, fmt.Errorf("malformed manifest for overlay %s: %w", d.ID, err)
	}

	return tiles, nil
}

// Flatten walks the nested zoom → x → (key → y) index document and produces
// the absolute addresses <base>/<z>/<x>/<y> in document order. The leaf keys
// are ignored, only their y values matter. Duplicate leaves are kept as-is;
// the diff downstream treats addresses as a set.
func Flatten(doc []byte, base string) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()

	if err := expectDelim(dec, '{'); err != nil {
		return nil, err
	}

	var tiles []string

	for dec.More() {
		z, err := readKey(dec)
		if err != nil {
			return nil, err
		}

		if err := expectDelim(dec, '{'); err != nil {
			return nil, err
		}

		for dec.More() {
			x, err := readKey(dec)
			if err != nil {
				return nil, err
			}

			if err := expectDelim(dec, '{'); err != nil {
				return nil, err
			}

			for dec.More() {
				if _, err := readKey(dec); err != nil {
					return nil, err
				}

				y, err := readScalar(dec)
				if err != nil {
					return nil, err
				}

				tiles = append(tiles, fmt.Sprintf("%s/%s/%s/%s", base, z, x, y))
			}

			if err := expectDelim(dec, '}'); err != nil {
				return nil, err
			}
		}

		if err := expectDelim(dec, '}'); err != nil {
			return nil, err
		}
	}

	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}

	return tiles, nil
}

func expectDelim(dec *json.Decoder, want rune) error {
	tok, err := dec.Token()
	if err != nil {
		return err
	}

	d, ok := tok.(json.Delim)
	if !ok || d != json.Delim(want) {
		return fmt.Errorf("unexpected token %v, want %c", tok, want)
	}

	return nil
}

func readKey(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}

	s, ok := tok.(string)
	if !ok {
		return "", fmt.Errorf("unexpected key token %v", tok)
	}

	return s, nil
}

func readScalar(dec *json.Decoder) (string, error) {
	tok, err := dec.Token()
	if err != nil {
		return "", err
	}

	switch v := tok.(type) {
	case json.Number:
		return v.String(), nil
	case string:
		return v, nil
	}

	return "", fmt.Errorf("unexpected leaf token %v", tok)
}
