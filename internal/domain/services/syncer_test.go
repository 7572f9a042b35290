package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/parsers"
	"tiace/internal/sources"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

// staticConnector serves fixed documents per feed id
type staticConnector struct {
	mu    sync.Mutex
	docs  map[string][]string
	after func(page int)
}

func (c *staticConnector) Type() models.FeedType { return models.FeedTypeOpenSource }

func (c *staticConnector) Fetch(ctx context.Context, cfg *models.FeedConfiguration, _ *time.Time) *sources.RecordStream {
	c.mu.Lock()
	docs := append([]string(nil), c.docs[cfg.ID]...)
	after := c.after
	c.mu.Unlock()
	return sources.NewRecordStream(ctx, func(ctx context.Context, emit sources.Emit) error {
		for i, doc := range docs {
			if !emit(sources.NewRecord(cfg, []byte(doc), "v1")) {
				return nil
			}
			if after != nil {
				after(i)
			}
		}
		return nil
	})
}

type harness struct {
	store    *storage.MemoryStore
	resolver *IdentityResolver
	engine   *CorrelationEngine
	syncer   *Syncer
	query    *QueryService
	conn     *staticConnector
	pub      *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	log := logger.Nop()
	store := storage.NewMemoryStore(0)
	pub := &recorder{}

	cfg := config.EnrichmentConfig{StageTimeout: time.Second}
	pipeline := NewEnrichmentPipeline(NewScorer(cfg, log), nil, NewAttributor(), NewSynthesizer(cfg), cfg, nil, log)
	resolver := newResolver(store)
	resolver.SetEnricher(pipeline)
	resolver.SetPublisher(pub)
	engine := newEngine(store)
	engine.SetPublisher(pub)

	conn := &staticConnector{docs: map[string][]string{}}
	srcs := sources.NewRegistry(log)
	require.NoError(t, srcs.Register(conn))

	return &harness{
		store:    store,
		resolver: resolver,
		engine:   engine,
		syncer:   NewSyncer(srcs, parsers.NewDefaultRegistry(log), resolver, pipeline, engine, store, nil, log),
		query:    NewQueryService(store, resolver, engine, log),
		conn:     conn,
		pub:      pub,
	}
}

func plainFeed(id string, kind models.IndicatorKind) *models.FeedConfiguration {
	f := feed("acme", id, 0)
	f.DefaultKind = string(kind)
	f.DefaultConfidence = 0.8
	f.DefaultSeverity = string(models.SeverityHigh)
	return f
}

func (h *harness) sync(t *testing.T, ctx context.Context, f *models.FeedConfiguration) (*models.SyncJob, error) {
	t.Helper()
	job := models.NewSyncJob(f.TenantID, f.ID, testNow)
	err := h.syncer.Run(ctx, tenant(f.TenantID), f, nil, job)
	return job, err
}

func TestSyncImportsEnrichesAndSynthesizes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tc := tenant("acme")
	h.conn.docs["A"] = []string{"# blocklist\n198.51.100.7\n198.51.100.8 # scanner\n\n"}

	job, err := h.sync(t, ctx, plainFeed("A", models.KindIP))
	require.NoError(t, err)
	// two addresses and their shared /24
	assert.Equal(t, 3, job.Imported)
	assert.Zero(t, job.Errored)
	assert.Equal(t, "v1", job.Watermark)
	assert.Len(t, h.pub.ofKind(models.ChangeCreated), 3)

	ips, err := h.query.Search(ctx, tc, SearchQuery{Kinds: []models.IndicatorKind{models.KindIP}})
	require.NoError(t, err)
	require.Equal(t, 2, ips.Total)
	ip := ips.Indicators[0]
	assert.Equal(t, models.SeverityHigh, ip.Severity)
	assert.InDelta(t, 0.8*0.8, ip.Scoring.Threat, 1e-9)

	detail, err := h.query.Get(ctx, tc, ip.ID)
	require.NoError(t, err)
	require.NotNil(t, detail.Enrichment)
	assert.Len(t, detail.Enrichment.Stages, 4)
	assert.Empty(t, detail.Enrichment.Failed())
	require.Len(t, detail.Edges, 1)
	assert.Equal(t, models.EdgeRelatedTo, detail.Edges[0].Type)
	assert.Equal(t, synthesizedConfidence, detail.Edges[0].Confidence)
	assert.Nil(t, detail.Cluster, "synthesized edges never cluster")

	nets, err := h.query.Search(ctx, tc, SearchQuery{Kinds: []models.IndicatorKind{models.KindCIDR}})
	require.NoError(t, err)
	require.Equal(t, 1, nets.Total)
	assert.Equal(t, "198.51.100.0/24", nets.Indicators[0].Value)
	assert.True(t, nets.Indicators[0].HasTag(TagSynthetic))
}

func TestSecondFeedCorroborates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	tc := tenant("acme")
	h.conn.docs["A"] = []string{"Evil.Example.COM\n"}
	h.conn.docs["B"] = []string{"evil.example.com.\n"}

	_, err := h.sync(t, ctx, plainFeed("A", models.KindDomain))
	require.NoError(t, err)
	job, err := h.sync(t, ctx, plainFeed("B", models.KindDomain))
	require.NoError(t, err)
	assert.Zero(t, job.Imported)
	assert.Equal(t, 1, job.Updated)

	res, err := h.query.Search(ctx, tc, SearchQuery{Text: "evil.example.com"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	ind := res.Indicators[0]
	assert.Equal(t, []string{"A", "B"}, ind.SourceFeeds)
	assert.GreaterOrEqual(t, ind.Confidence, 0.8)
}

func TestSyncCountsUnparsableLines(t *testing.T) {
	h := newHarness(t)
	h.conn.docs["A"] = []string{"203.0.113.5\n!!! not an indicator !!!\n"}

	f := feed("acme", "A", 0)
	job, err := h.sync(t, context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, 2, job.Imported, "address plus its network")
	assert.Equal(t, 1, job.Errored)
	assert.Len(t, job.Errors, 1)
}

func TestSyncRejectsUnknownFeedType(t *testing.T) {
	h := newHarness(t)
	f := feed("acme", "A", 0)
	f.Type = models.FeedTypeTAXII

	_, err := h.sync(t, context.Background(), f)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestCancelledSyncLeavesLaterPagesUnwritten(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.conn.docs["A"] = []string{"first.example.com\n", "second.example.com\n"}
	h.conn.after = func(page int) {
		if page == 0 {
			cancel()
		}
	}

	_, err := h.sync(t, ctx, plainFeed("A", models.KindDomain))
	require.Error(t, err)
	assert.Equal(t, models.KindCancelled, models.KindOf(err))

	res, err := h.query.Search(context.Background(), tenant("acme"), SearchQuery{Text: "second.example.com"})
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}
