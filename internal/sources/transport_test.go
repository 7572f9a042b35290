package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

func testTransport(t *testing.T) (*Transport, *[]time.Duration) {
	t.Helper()
	cfg := DefaultTransportConfig()
	cfg.Timeout = 5 * time.Second
	tr := NewTransport(cfg, nil, logger.Nop())
	var waits []time.Duration
	tr.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return tr, &waits
}

func feedFor(url string) *models.FeedConfiguration {
	return &models.FeedConfiguration{ID: "f1", TenantID: "acme", URL: url, Type: models.FeedTypeCustom, Format: models.FormatPlain}
}

func TestTransportStatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, models.ErrAuthFailed},
		{http.StatusForbidden, models.ErrAuthFailed},
		{http.StatusNotFound, models.ErrNotFound},
		{http.StatusBadGateway, models.ErrUnreachable},
		{http.StatusTeapot, models.ErrMalformed},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			tr, _ := testTransport(t)
			_, err := tr.Do(context.Background(), feedFor(srv.URL), Request{URL: srv.URL})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestTransportRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr, waits := testTransport(t)
	resp, err := tr.Do(context.Background(), feedFor(srv.URL), Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(resp.Body))
	assert.Equal(t, int32(3), calls.Load())
	assert.Len(t, *waits, 2)
}

func TestTransportHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "7")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	tr, waits := testTransport(t)
	_, err := tr.Do(context.Background(), feedFor(srv.URL), Request{URL: srv.URL})
	require.NoError(t, err)
	require.Len(t, *waits, 1)
	assert.Equal(t, 7*time.Second, (*waits)[0])
}

func TestTransportDoesNotRetryAuthFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tr, _ := testTransport(t)
	_, err := tr.Do(context.Background(), feedFor(srv.URL), Request{URL: srv.URL})
	assert.ErrorIs(t, err, models.ErrAuthFailed)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransportAuthHeaders(t *testing.T) {
	var got http.Header
	var user, pass string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		user, pass, _ = r.BasicAuth()
	}))
	defer srv.Close()
	tr, _ := testTransport(t)

	cfg := feedFor(srv.URL)
	cfg.Auth = models.AuthConfig{Type: models.AuthAPIKey, Header: "X-Api-Key", APIKey: "k1"}
	_, err := tr.Do(context.Background(), cfg, Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "k1", got.Get("X-Api-Key"))

	cfg.Auth = models.AuthConfig{Type: models.AuthBearer, Token: "tok"}
	_, err = tr.Do(context.Background(), cfg, Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", got.Get("Authorization"))

	cfg.Auth = models.AuthConfig{Type: models.AuthBasic, Username: "u", Password: "p"}
	_, err = tr.Do(context.Background(), cfg, Request{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, "u", user)
	assert.Equal(t, "p", pass)
}

func TestTransportOAuth2ClientCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"issued","token_type":"bearer","expires_in":3600}`))
	})
	var auth string
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	tr, _ := testTransport(t)
	cfg := feedFor(srv.URL + "/feed")
	cfg.Auth = models.AuthConfig{Type: models.AuthOAuth2, ClientID: "id", ClientSecret: "secret", TokenURL: srv.URL + "/token"}
	_, err := tr.Do(context.Background(), cfg, Request{URL: srv.URL + "/feed"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer issued", auth)
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 3*time.Second, parseRetryAfter("3"))
	assert.Zero(t, parseRetryAfter(""))
	assert.Zero(t, parseRetryAfter("soon"))
}

func TestRecordStream(t *testing.T) {
	cfg := feedFor("http://x")
	s := NewRecordStream(context.Background(), func(ctx context.Context, emit Emit) error {
		for i := 0; i < 3; i++ {
			if !emit(NewRecord(cfg, []byte{byte('a' + i)}, "")) {
				return nil
			}
		}
		return nil
	})
	recs, err := Collect(context.Background(), s)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "c", string(recs[2].Data))
}

func TestRecordStreamStopsOnClose(t *testing.T) {
	cfg := feedFor("http://x")
	produced := atomic.Int32{}
	s := NewRecordStream(context.Background(), func(ctx context.Context, emit Emit) error {
		for {
			if !emit(NewRecord(cfg, nil, "")) {
				return nil
			}
			produced.Add(1)
		}
	})
	require.True(t, s.Next(context.Background()))
	s.Close()
	n := produced.Load()
	assert.LessOrEqual(t, n, int32(streamBuffer+2), "producer is bounded by the channel")
}

func TestRecordStreamCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	block := make(chan struct{})
	s := NewRecordStream(ctx, func(ctx context.Context, emit Emit) error {
		<-ctx.Done()
		close(block)
		return ctx.Err()
	})
	cancel()
	<-block
	for s.Next(context.Background()) {
	}
	assert.ErrorIs(t, s.Err(), models.ErrCancelled)
	s.Close()
}
