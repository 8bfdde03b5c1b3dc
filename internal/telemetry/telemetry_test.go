package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTelemetry_DisabledIsNil(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, tel)
}

func TestTelemetry_NilIsSafe(t *testing.T) {
	var tel *Telemetry

	ctx := context.Background()

	assert.NotPanics(t, func() {
		tel.RecordEnqueue(ctx, "queued")
		tel.RecordTaskTransition(ctx, "queued", "downloading")
		tel.IncrementActiveDownloads(ctx)
		tel.DecrementActiveDownloads(ctx)
		tel.RecordDownload(ctx, "completed", time.Second)
		tel.RecordStaleEvent(ctx, "progress")
		tel.RecordBackendRequest(ctx, "download")
		tel.RecordBytesFetched(ctx, 1024)
		tel.RecordConnectivityChange(ctx, "connected")
		tel.RecordSystemError(ctx, "rest", "enqueue")
	})

	called := false
	err := tel.InstrumentCacheOperation(ctx, "lookup", func(context.Context) error {
		called = true

		return nil
	})
	require.NoError(t, err)
	assert.True(t, called)

	assert.Nil(t, tel.LogHandler())
	assert.NotNil(t, tel.Tracer())
	assert.NoError(t, tel.Shutdown(ctx))

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// The prometheus exporter registers on the default registry, so only one
// enabled instance can exist per test binary.
func TestTelemetry_ExposesAttachmentMetrics(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tel, err := New(ctx, Config{Enabled: true, ServiceName: "attachment_downloader_test", ServiceVersion: "test"})
	require.NoError(t, err)

	defer func() { assert.NoError(t, tel.Shutdown(context.Background())) }()

	assert.Nil(t, tel.LogHandler(), "no OTLP endpoint, no log exporter")

	tel.RecordEnqueue(ctx, "queued")
	tel.RecordDownload(ctx, "completed", 2*time.Second)
	require.NoError(t, tel.InstrumentFetch(ctx, "image", func(context.Context) error { return nil }))

	server := httptest.NewServer(tel.Handler())
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)

	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), "attachment_enqueues_total")
	assert.Contains(t, string(body), "attachment_download_duration_seconds")
}
