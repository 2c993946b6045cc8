//go:build integration

package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeblew999/plat-explore/internal/explore"
)

const catalogYAML = `
types:
  - category: PRODUCT
    label: rdb
    sheets: [HH]
    spatial: true
    stratum:
      - id: hh-year
        spatial: statistical_rectangle
        time: year
        agg: station_count
        tech: gear_type
        default: true
    sources:
      HH: hh.csv
`

const hhCSV = `year,statistical_rectangle,gear_type,station_count
2019,31F1,OTB,3
2020,32F2,PTM,1
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dataDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dataDir, "sources"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "sources", "hh.csv"), []byte(hhCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "catalog.yaml"), []byte(catalogYAML), 0o644))

	srv, err := New(Config{
		Host:           "localhost",
		Port:           "0",
		DataDir:        dataDir,
		InMemory:       true,
		PageSize:       1,
		RequestTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv
}

func TestServerEndToEnd(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, srv.Start(ctx, explore.Location{Category: "PRODUCT", Label: "rdb", Q: "year=2019"}))
	require.NoError(t, srv.Explorer().Wait(ctx))

	v := srv.Explorer().View()
	assert.Equal(t, explore.StatusReady, v.Status)
	assert.Equal(t, 1, v.Total)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, strings.Join(rec.Header().Values("Link"), ","), "</api/v1/selection>")

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/features?limit=1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"31F1"`)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "explore_feature_pages_total")

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusFound, rec.Code)
}

func TestServerOpenAPI(t *testing.T) {
	srv := newTestServer(t)
	oapi := srv.OpenAPI()
	for _, p := range []string{"/api/v1/selection", "/api/v1/features", "/api/v1/legend", "/api/v1/tech", "/api/v1/animation", "/api/v1/events"} {
		assert.Contains(t, oapi.Paths, p)
	}
}
