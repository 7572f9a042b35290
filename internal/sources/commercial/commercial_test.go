package commercial

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
	"tiace/pkg/logger"
)

func newTestConnector() *Connector {
	cfg := sources.DefaultTransportConfig()
	cfg.MaxAttempts = 1
	return NewConnector(sources.NewTransport(cfg, nil, logger.Nop()), logger.Nop())
}

func TestFetchLinkHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "" {
			w.Header().Set("Link", `</iocs?page=2>; rel="next"`)
			_, _ = w.Write([]byte(`{"data":[1]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[2]}`))
	}))
	defer srv.Close()

	cfg := &models.FeedConfiguration{ID: "v", TenantID: "acme", URL: srv.URL + "/iocs", Type: models.FeedTypeCommercial, Format: models.FormatVendorJSON}
	recs, err := sources.Collect(context.Background(), newTestConnector().Fetch(context.Background(), cfg, nil))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, srv.URL+"/iocs?page=2", recs[0].Cursor)
	assert.Empty(t, recs[1].Cursor)
}

func TestFetchOpaqueCursorField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			_, _ = w.Write([]byte(`{"meta":{"cursor":"abc"},"data":[]}`))
		case "abc":
			_, _ = w.Write([]byte(`{"meta":{"cursor":""},"data":[]}`))
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	}))
	defer srv.Close()

	cfg := &models.FeedConfiguration{
		ID: "v", TenantID: "acme", URL: srv.URL, PageSize: 50,
		Type: models.FeedTypeCommercial, Format: models.FormatVendorJSON,
		Vendor: &models.VendorMapping{ValueField: "value", NextCursorField: "meta.cursor"},
	}
	recs, err := sources.Collect(context.Background(), newTestConnector().Fetch(context.Background(), cfg, nil))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Contains(t, recs[0].Cursor, "cursor=abc")
	assert.Contains(t, recs[0].Cursor, "limit=50")
}

func TestFetchDetectsCursorLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"next":"/same"}`))
	}))
	defer srv.Close()

	cfg := &models.FeedConfiguration{ID: "v", TenantID: "acme", URL: srv.URL + "/same", Type: models.FeedTypeCommercial, Format: models.FormatVendorJSON}
	recs, err := sources.Collect(context.Background(), newTestConnector().Fetch(context.Background(), cfg, nil))
	assert.ErrorIs(t, err, models.ErrSchemaDrift)
	assert.Len(t, recs, 1)
}
