package manifest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/overmaps/tilesync/fetch"
	"github.com/overmaps/tilesync/overlay"
)

func TestFlatten(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		want    []string
		wantErr bool
	}{
		{
			"single leaf",
			`{"1":{"2":{"a":3}}}`,
			[]string{"https://host/overlays/x/1/2/3"},
			false,
		},
		{
			"document order preserved, no independent sort",
			`{"2":{"5":{"a":9,"b":1}},"1":{"3":{"k":7}}}`,
			[]string{
				"https://host/overlays/x/2/5/9",
				"https://host/overlays/x/2/5/1",
				"https://host/overlays/x/1/3/7",
			},
			false,
		},
		{
			"empty document",
			`{}`,
			nil,
			false,
		},
		{
			"invalid json",
			`{"1":{`,
			nil,
			true,
		},
		{
			"wrong shape",
			`[1,2,3]`,
			nil,
			true,
		},
		{
			"non numeric leaves kept as strings",
			`{"0":{"0":{"only":"00"}}}`,
			[]string{"https://host/overlays/x/0/0/00"},
			false,
		},
	}

	for _, tt := range tests {
		tt := tt

		t.Run(tt.name, func(t *testing.T) {
			got, err := Flatten([]byte(tt.doc), "https://host/overlays/x")
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)

			if !cmp.Equal(tt.want, got) {
				t.Errorf("Flatten() mismatch: %s", cmp.Diff(tt.want, got))
			}
		})
	}
}

func TestResolve(t *testing.T) {
	logger := log.NewLogfmtLogger(os.Stdout)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/overlays/good/index.json":
			_, _ = w.Write([]byte(`{"1":{"2":{"a":3,"b":4}}}`))
		case "/overlays/broken/index.json":
			_, _ = w.Write([]byte(`{"1":`))
		case "/overlays/locked/index.json":
			http.Error(w, "nope", http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	}))
	defer ts.Close()

	fetcher := fetch.New("", time.Second, logger)
	r := NewResolver(fetcher, "", logger)

	d := func(seg string) overlay.Descriptor {
		return overlay.Descriptor{ID: seg, URL: ts.URL + "/overlays/" + seg + "/{z}/{x}/{y}"}
	}

	tiles, err := r.Resolve(context.Background(), d("good"))
	require.NoError(t, err)
	require.Equal(t, []string{
		ts.URL + "/overlays/good/1/2/3",
		ts.URL + "/overlays/good/1/2/4",
	}, tiles)

	// absent manifest is "nothing to sync", not a fault
	tiles, err = r.Resolve(context.Background(), d("none"))
	require.NoError(t, err)
	require.Empty(t, tiles)

	// a malformed manifest degrades to empty but reports the error
	tiles, err = r.Resolve(context.Background(), d("broken"))
	require.Error(t, err)
	require.Empty(t, tiles)

	// auth rejections stay distinguishable
	_, err = r.Resolve(context.Background(), d("locked"))
	require.ErrorIs(t, err, fetch.ErrUnauthorized)
}
