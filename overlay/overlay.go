// Package overlay describes the raster overlays the sync engine operates on
// and the address derivations shared by the manifest resolver and the caches.
package overlay

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	// CachePrefix namespaces every tile cache derived from an overlay URL.
	CachePrefix = "tiles-"

	// knownPathSegment is the path segment overlay tile templates live under;
	// the segment following it names the cache.
	knownPathSegment = "overlays"

	zPlaceholder = "{z}"
)

// Descriptor identifies one raster tile overlay. Instances are owned by the
// store; the sync engine borrows them for the duration of one pass.
type Descriptor struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	// URL is a tile template containing {z}/{x}/{y} placeholders. It may be
	// relative, in which case it is resolved against the configured origin.
	URL     string  `json:"url"`
	Opacity float64 `json:"opacity"`
}

// Normalize fills the display defaults: a zero opacity means "not set" and
// becomes fully opaque.
func (d Descriptor) Normalize() Descriptor {
	if d.Opacity == 0 {
		d.Opacity = 1.0
	}

	return d
}

// Validate checks the descriptor is usable for a sync pass.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return errors.New("overlay: missing id")
	}

	if !strings.Contains(d.URL, zPlaceholder) {
		return fmt.Errorf("overlay %s: url template %q has no {z} placeholder", d.ID, d.URL)
	}

	if d.Opacity < 0 || d.Opacity > 1 {
		return fmt.Errorf("overlay %s: opacity %f out of range", d.ID, d.Opacity)
	}

	return nil
}

// CacheNameFor derives the persistent cache name for d. It is a pure function
// of the overlay URL: the first path segment after the "overlays" segment
// (or the first segment when none is present), prefixed with CachePrefix.
// Repeated calls for the same URL always return the identical string.
func CacheNameFor(d Descriptor) string {
	raw := d.URL
	if i := strings.Index(raw, zPlaceholder); i >= 0 {
		raw = raw[:i]
	}

	path := raw
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		path = u.Path
	}

	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}

	for i, s := range segments {
		if s == knownPathSegment && i+1 < len(segments) {
			return CachePrefix + segments[i+1]
		}
	}

	if len(segments) > 0 {
		return CachePrefix + segments[0]
	}

	return CachePrefix + d.ID
}

// TileBaseURL truncates the template right before the {z} placeholder and
// resolves relative templates against origin. The result carries no trailing
// slash.
func (d Descriptor) TileBaseURL(origin string) (string, error) {
	i := strings.Index(d.URL, zPlaceholder)
	if i < 0 {
		return "", fmt.Errorf("overlay %s: url template %q has no {z} placeholder", d.ID, d.URL)
	}

	base := strings.TrimRight(d.URL[:i], "/")

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("overlay %s: invalid url template: %w", d.ID, err)
	}

	if u.IsAbs() {
		return base, nil
	}

	if origin == "" {
		return "", fmt.Errorf("overlay %s: relative url template %q and no origin configured", d.ID, d.URL)
	}

	o, err := url.Parse(origin)
	if err != nil {
		return "", fmt.Errorf("invalid origin %q: %w", origin, err)
	}

	return strings.TrimRight(o.ResolveReference(u).String(), "/"), nil
}
