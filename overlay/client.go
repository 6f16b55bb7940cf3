package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/overmaps/tilesync/fetch"
)

// Client lists the overlays available from the backing API.
type Client struct {
	fetcher *fetch.Client
	baseURL string
	logger  log.Logger
}

// NewClient returns a Client reading from baseURL.
func NewClient(fetcher *fetch.Client, baseURL string, logger log.Logger) *Client {
	return &Client{
		fetcher: fetcher,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  log.With(logger, "component", "overlay_client"),
	}
}

// List fetches the available overlays. Descriptors that fail validation are
// logged and skipped rather than failing the whole listing.
func (c *Client) List(ctx context.Context) ([]Descriptor, error) {
	body, err := c.fetcher.Get(ctx, c.baseURL+"/overlays")
	if err != nil {
		return nil, fmt.Errorf("can't list overlays: %w", err)
	}

	var raw []Descriptor
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("can't decode overlay list: %w", err)
	}

	overlays := make([]Descriptor, 0, len(raw))

	for _, d := range raw {
		d = d.Normalize()
		if err := d.Validate(); err != nil {
			level.Warn(c.logger).Log("msg", "skipping invalid overlay", "error", err)

			continue
		}

		overlays = append(overlays, d)
	}

	return overlays, nil
}
