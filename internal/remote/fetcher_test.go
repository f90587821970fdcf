package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mkravn/callfence/internal/core"
	"github.com/stretchr/testify/require"
)

func newTestFetcher(t *testing.T, handler http.HandlerFunc) *HTTPFetcher {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	f, err := NewHTTPFetcher(&HTTPFetcherConfig{
		Client:    &http.Client{Timeout: 5 * time.Second},
		BaseURL:   srv.URL + "/v1/blocklist",
		UserAgent: "callfence-test",
	})
	require.NoError(t, err)
	return f
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	t.Parallel()

	var gotDevice, gotUA string
	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		gotDevice = r.URL.Query().Get("device_id")
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"version": "42",
			"name": "fr-blocklist",
			"entries": [
				{"pattern": "+33639######", "action": "block", "label": "Spam range"},
				{"pattern": "+33123456789", "action": "identify"}
			]
		}`))
	})

	list, err := f.Fetch(context.Background(), "device-7")
	require.NoError(t, err)
	require.Equal(t, "device-7", gotDevice)
	require.Equal(t, "callfence-test", gotUA)
	require.Equal(t, "42", list.Version)
	require.Equal(t, "fr-blocklist", list.Name)
	require.Len(t, list.Entries, 2)
	require.Equal(t, "block", list.Entries[0].Action)
}

func TestHTTPFetcher_ServerError(t *testing.T) {
	t.Parallel()

	f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := f.Fetch(context.Background(), "device-7")
	appErr, ok := core.AsAppError(err)
	require.True(t, ok)
	require.Equal(t, core.ErrorCodeFetch, appErr.Code)
	require.True(t, appErr.RetryPolicy)
}

func TestHTTPFetcher_SchemaRejects(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing version": `{"name":"l","entries":[]}`,
		"bad action":      `{"version":"1","name":"l","entries":[{"pattern":"+331234","action":"explode"}]}`,
		"not json":        `<html>err</html>`,
	}
	for name, payload := range cases {
		payload := payload
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			f := newTestFetcher(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(payload))
			})
			_, err := f.Fetch(context.Background(), "d")
			appErr, ok := core.AsAppError(err)
			require.True(t, ok)
			require.Equal(t, core.ErrorCodeFetch, appErr.Code)
		})
	}
}

func TestParseAction(t *testing.T) {
	t.Parallel()

	a, err := ParseAction("block")
	require.NoError(t, err)
	require.Equal(t, core.ActionBlock, a)

	a, err = ParseAction("identify")
	require.NoError(t, err)
	require.Equal(t, core.ActionIdentify, a)

	_, err = ParseAction("remove")
	require.Error(t, err)
}
