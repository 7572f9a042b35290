package custom

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
	"tiace/pkg/logger"
)

func TestExpander(t *testing.T) {
	since := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	r := Expander(&since)
	assert.Equal(t, "from=2024-02-03T04:05:06Z&ts=1706933106", r.Replace("from={{since}}&ts={{since_unix}}"))
	assert.Equal(t, "from=", Expander(nil).Replace("from={{since}}"))
}

func TestFetchTemplatedPost(t *testing.T) {
	var body, auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		auth = r.Header.Get("X-Key")
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	c := NewConnector(sources.NewTransport(sources.DefaultTransportConfig(), nil, logger.Nop()), logger.Nop())
	cfg := &models.FeedConfiguration{
		ID: "c", TenantID: "acme", URL: srv.URL, Method: http.MethodPost,
		Body: `{"after":"{{since_unix}}"}`, Type: models.FeedTypeCustom, Format: models.FormatCanonicalJSON,
		Auth: models.AuthConfig{Type: models.AuthAPIKey, Header: "X-Key", APIKey: "s3cret"},
	}
	since := time.Unix(1000, 0)
	recs, err := sources.Collect(context.Background(), c.Fetch(context.Background(), cfg, &since))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, `{"after":"1000"}`, body)
	assert.Equal(t, "s3cret", auth)
}
