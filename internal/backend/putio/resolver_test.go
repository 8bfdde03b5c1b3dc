package putio

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	putio "github.com/putdotio/go-putio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/attachment_downloader/internal/attachment"
)

func newTestResolver(serverURL string) *Resolver {
	goputioClient := putio.NewClient(nil)
	u, _ := url.Parse(serverURL)
	goputioClient.BaseURL = u

	return &Resolver{putioClient: goputioClient}
}

func TestResolver_ResolveURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v2/files/42/url", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"url":"https://dl.put.io/files/42/photo.jpg","status":"OK"}`)
	})
	mux.HandleFunc("/v2/files/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error_type":"NOT_FOUND","error_message":"not found","status":"ERROR"}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	r := newTestResolver(server.URL)

	t.Run("file id", func(t *testing.T) {
		got, err := r.ResolveURL(context.Background(), attachment.Target{ID: "m1", HashOrURL: "42", Kind: attachment.KindImage})
		require.NoError(t, err)
		assert.Equal(t, "https://dl.put.io/files/42/photo.jpg", got)
	})

	t.Run("unknown file", func(t *testing.T) {
		_, err := r.ResolveURL(context.Background(), attachment.Target{ID: "m2", HashOrURL: "7"})
		require.ErrorContains(t, err, "failed to get file download url")
	})

	t.Run("not a file id", func(t *testing.T) {
		_, err := r.ResolveURL(context.Background(), attachment.Target{ID: "m3", HashOrURL: "sha256:abc"})
		require.ErrorContains(t, err, "invalid put.io file id")
	})
}
