package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/require"
)

func TestAuthURL(t *testing.T) {
	logger := log.NewLogfmtLogger(os.Stdout)

	tests := []struct {
		name  string
		token string
		url   string
		want  string
	}{
		{
			"no token",
			"",
			"https://host/overlays/x/1/2/3",
			"https://host/overlays/x/1/2/3",
		},
		{
			"token appended",
			"s3cret",
			"https://host/overlays/x/1/2/3",
			"https://host/overlays/x/1/2/3?accesstoken=s3cret",
		},
		{
			"existing query kept",
			"s3cret",
			"https://host/overlays/x/1/2/3?style=dark",
			"https://host/overlays/x/1/2/3?style=dark&accesstoken=s3cret",
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.token, time.Second, logger)
			require.Equal(t, tt.want, c.AuthURL(tt.url))
		})
	}
}

func TestGet(t *testing.T) {
	logger := log.NewLogfmtLogger(os.Stdout)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok":
			require.Equal(t, "s3cret", r.URL.Query().Get("accesstoken"))
			_, _ = w.Write([]byte("tile-bytes"))
		case "/denied":
			http.Error(w, "nope", http.StatusUnauthorized)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	c := New("s3cret", time.Second, logger)

	body, err := c.Get(context.Background(), ts.URL+"/ok")
	require.NoError(t, err)
	require.Equal(t, []byte("tile-bytes"), body)

	_, err = c.Get(context.Background(), ts.URL+"/denied")
	require.ErrorIs(t, err, ErrUnauthorized)

	_, err = c.Get(context.Background(), ts.URL+"/missing")

	var se *StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, http.StatusNotFound, se.Code)
}
