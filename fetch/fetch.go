// Package fetch is the authenticated byte-fetching collaborator used for
// manifest, overlay list and tile retrieval. It appends the access token as a
// query parameter on every request; the un-suffixed URL stays the cache key.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const tokenParam = "accesstoken"

// ErrUnauthorized is returned when the remote rejects the access token.
// Callers can tell a dead credential apart from a missing resource.
var ErrUnauthorized = errors.New("fetch: unauthorized")

// StatusError reports a non-2xx response other than an auth rejection.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch: %s returned status %d", e.URL, e.Code)
}

// Client fetches bytes over HTTP with the access token appended.
type Client struct {
	hc     *http.Client
	token  string
	logger log.Logger
}

// New returns a Client. The timeout bounds every single request; zero means
// no per-request timeout.
func New(token string, timeout time.Duration, logger log.Logger) *Client {
	return &Client{
		hc:     &http.Client{Timeout: timeout},
		token:  token,
		logger: log.With(logger, "component", "fetch"),
	}
}

// AuthURL returns rawurl with the access token appended as the accesstoken
// query parameter. With an empty token rawurl is returned unchanged.
func (c *Client) AuthURL(rawurl string) string {
	if c.token == "" {
		return rawurl
	}

	sep := "?"
	if strings.Contains(rawurl, "?") {
		sep = "&"
	}

	return rawurl + sep + tokenParam + "=" + url.QueryEscape(c.token)
}

// Get fetches rawurl with the access token appended and returns the response
// body verbatim. 401 and 403 map to ErrUnauthorized, any other non-2xx status
// to a StatusError.
func (c *Client) Get(ctx context.Context, rawurl string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.AuthURL(rawurl), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: invalid url %s: %w", rawurl, err)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: %s: %w", rawurl, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil, fmt.Errorf("%s: %w", rawurl, ErrUnauthorized)
	case resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices:
		_, _ = io.Copy(io.Discard, resp.Body)

		return nil, &StatusError{URL: rawurl, Code: resp.StatusCode}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("fetch: reading body of %s: %w", rawurl, err)
	}

	level.Debug(c.logger).Log("msg", "fetched", "url", rawurl, "size", len(body))

	return body, nil
}
