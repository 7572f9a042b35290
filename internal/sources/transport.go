package sources

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/time/rate"

	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

// TransportConfig tunes retries inside a single fetch
type TransportConfig struct {
	Timeout      time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	MaxBodyBytes int64
	UserAgent    string
}

// DefaultTransportConfig returns the defaults used by the engine
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		Timeout:      60 * time.Second,
		MaxAttempts:  4,
		RetryBase:    500 * time.Millisecond,
		RetryMax:     30 * time.Second,
		MaxBodyBytes: 256 << 20,
		UserAgent:    "tiace/1.0",
	}
}

// Transport performs authenticated HTTP requests against feeds. It maps
// transport failures onto typed errors and retries the retryable ones.
type Transport struct {
	cfg    TransportConfig
	base   *http.Client
	logger *logger.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	clients  map[string]*http.Client

	// sleep is replaced in tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewTransport creates a transport. client may be nil.
func NewTransport(cfg TransportConfig, client *http.Client, log *logger.Logger) *Transport {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Transport{
		cfg:      cfg,
		base:     client,
		logger:   log.WithComponent("transport"),
		limiters: make(map[string]*rate.Limiter),
		clients:  make(map[string]*http.Client),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Request describes one logical request; it is rebuilt on every attempt
type Request struct {
	Method  string
	URL     string
	Body    string
	Headers map[string]string
}

// Response is a fully read response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Do executes req for the feed with auth, rate limiting and retries
func (t *Transport) Do(ctx context.Context, cfg *models.FeedConfiguration, req Request) (*Response, error) {
	client, err := t.clientFor(ctx, cfg)
	if err != nil {
		return nil, err
	}
	limiter := t.limiterFor(cfg)

	var lastErr error
	for attempt := 1; attempt <= t.cfg.MaxAttempts; attempt++ {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return nil, models.FromContext("fetch", err)
			}
		}
		resp, err := t.once(ctx, client, cfg, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !models.IsRetryable(err) || attempt == t.cfg.MaxAttempts {
			break
		}

		wait := t.backoff(attempt)
		if hint := models.RetryAfter(err); hint > 0 {
			wait = hint
		}
		t.logger.Debug().
			Err(err).
			Str("feed", cfg.ID).
			Int("attempt", attempt).
			Dur("wait", wait).
			Msg("retrying feed request")
		if err := t.sleep(ctx, wait); err != nil {
			return nil, models.FromContext("fetch", err)
		}
	}
	return nil, lastErr
}

// backoff is exponential with full jitter
func (t *Transport) backoff(attempt int) time.Duration {
	ceiling := t.cfg.RetryBase << (attempt - 1)
	if ceiling <= 0 || ceiling > t.cfg.RetryMax {
		ceiling = t.cfg.RetryMax
	}
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

func (t *Transport) once(ctx context.Context, client *http.Client, cfg *models.FeedConfiguration, r Request) (*Response, error) {
	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if r.Body != "" {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.URL, body)
	if err != nil {
		return nil, models.NewError(models.KindValidation, "fetch", err)
	}
	req.Header.Set("User-Agent", t.cfg.UserAgent)
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	applyAuth(req, cfg.Auth)

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.FromContext("fetch", ctx.Err())
		}
		return nil, models.NewError(models.KindUnreachable, "fetch", err)
	}
	defer resp.Body.Close()

	if err := statusError(resp); err != nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, err
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, t.cfg.MaxBodyBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, models.FromContext("fetch", ctx.Err())
		}
		return nil, models.NewError(models.KindPartialTransport, "fetch", err)
	}
	if resp.ContentLength > 0 && int64(len(data)) < resp.ContentLength {
		return nil, models.Errorf(models.KindPartialTransport, "fetch", "read %d of %d bytes", len(data), resp.ContentLength)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// statusError maps HTTP status codes onto error kinds
func statusError(resp *http.Response) error {
	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return models.Errorf(models.KindAuthFailed, "fetch", "status %d", code)
	case code == http.StatusTooManyRequests:
		return &models.Error{
			Kind:       models.KindRateLimited,
			Op:         "fetch",
			Err:        fmt.Errorf("status %d", code),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case code == http.StatusNotFound:
		return models.Errorf(models.KindNotFound, "fetch", "status %d", code)
	case code >= 500:
		return models.Errorf(models.KindUnreachable, "fetch", "status %d", code)
	default:
		return models.Errorf(models.KindMalformed, "fetch", "unexpected status %d", code)
	}
}

func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}

func applyAuth(req *http.Request, auth models.AuthConfig) {
	switch auth.Type {
	case models.AuthAPIKey:
		header := auth.Header
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, auth.APIKey)
	case models.AuthBasic:
		req.SetBasicAuth(auth.Username, auth.Password)
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+auth.Token)
	}
}

// clientFor returns the client for the feed's auth mode. OAuth2 and certificate
// auth get a dedicated client, cached per feed.
func (t *Transport) clientFor(ctx context.Context, cfg *models.FeedConfiguration) (*http.Client, error) {
	switch cfg.Auth.Type {
	case models.AuthOAuth2, models.AuthCertificate:
	default:
		return t.base, nil
	}

	key := cfg.TenantID + "/" + cfg.ID
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[key]; ok {
		return c, nil
	}

	var c *http.Client
	switch cfg.Auth.Type {
	case models.AuthOAuth2:
		cc := clientcredentials.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			TokenURL:     cfg.Auth.TokenURL,
			Scopes:       cfg.Auth.Scopes,
		}
		// the token source outlives the fetch that created it
		c = cc.Client(context.WithoutCancel(ctx))
		c.Timeout = t.cfg.Timeout
	case models.AuthCertificate:
		tlsCfg, err := loadClientTLS(cfg.Auth)
		if err != nil {
			return nil, err
		}
		c = &http.Client{
			Timeout:   t.cfg.Timeout,
			Transport: &http.Transport{TLSClientConfig: tlsCfg, Proxy: http.ProxyFromEnvironment},
		}
	}
	t.clients[key] = c
	return c, nil
}

func loadClientTLS(auth models.AuthConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(auth.CertFile, auth.KeyFile)
	if err != nil {
		return nil, models.NewError(models.KindAuthFailed, "load_certificate", err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if auth.CAFile != "" {
		pem, err := os.ReadFile(auth.CAFile)
		if err != nil {
			return nil, models.NewError(models.KindAuthFailed, "load_certificate", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, models.NewError(models.KindAuthFailed, "load_certificate", errors.New("no certificates in CA file"))
		}
		tlsCfg.RootCAs = pool
	}
	return tlsCfg, nil
}

// limiterFor returns the per feed token bucket, nil when unlimited
func (t *Transport) limiterFor(cfg *models.FeedConfiguration) *rate.Limiter {
	if cfg.RateLimitPerMinute <= 0 {
		return nil
	}
	key := cfg.TenantID + "/" + cfg.ID
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Limit(float64(cfg.RateLimitPerMinute)/60), 1)
		t.limiters[key] = l
	}
	return l
}

// Forget drops cached clients and limiters, e.g. after a feed's credentials change
func (t *Transport) Forget(cfg *models.FeedConfiguration) {
	key := cfg.TenantID + "/" + cfg.ID
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, key)
	delete(t.limiters, key)
}
