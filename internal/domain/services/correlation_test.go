package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

func newEngine(store storage.Store) *CorrelationEngine {
	return NewCorrelationEngine(store, config.CorrelationConfig{
		StrongThreshold: 0.7,
		Shards:          4,
		InfraWindow:     24 * time.Hour,
		MaxInfraPeers:   8,
	}, nil, logger.Nop())
}

func idsOf(events []models.ChangeEvent) []uuid.UUID {
	out := make([]uuid.UUID, len(events))
	for i, ev := range events {
		out[i] = ev.EntityID
	}
	return out
}

func domains(n int) []*models.Indicator {
	out := make([]*models.Indicator, n)
	for i := range out {
		out[i] = indicator(models.KindDomain, string(rune('a'+i))+".example.com", 0.8, "A")
	}
	return out
}

func TestClusterMembershipIsAnEquivalence(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	e := newEngine(store)
	pub := &recorder{}
	e.SetPublisher(pub)
	tc := tenant("acme")

	events := seed(t, store, tc, domains(4)...)
	require.NoError(t, e.Observe(ctx, tc, events))
	ids := idsOf(events)
	a, b, c, d := ids[0], ids[1], ids[2], ids[3]

	require.NoError(t, e.Apply(ctx, tc, []models.Relationship{
		edge(a, b, models.EdgeSameAs, 0.9),
		edge(b, c, models.EdgeSameAs, 0.8),
		edge(c, d, models.EdgeRelatedTo, 0.4),
	}))

	snap, err := e.Snapshot(ctx, tc)
	require.NoError(t, err)
	ca, ok := snap.ClusterOf(a)
	require.True(t, ok)
	for _, id := range []uuid.UUID{b, c} {
		other, ok := snap.ClusterOf(id)
		require.True(t, ok)
		assert.Equal(t, ca.ID, other.ID)
	}
	_, ok = snap.ClusterOf(d)
	assert.False(t, ok, "weak related-to must not cluster")
	assert.Equal(t, models.LowestID([]uuid.UUID{a, b, c}), ca.ID)
	assert.Equal(t, ca.ID, ca.Representative)
	assert.Len(t, ca.Members, 3)
	assert.Len(t, pub.ofKind(models.ChangeClustered), 3)

	// same-as is materialized in both directions
	back, err := store.EdgesOf(ctx, tc, b)
	require.NoError(t, err)
	var sameAs int
	for _, r := range back {
		if r.Type == models.EdgeSameAs {
			sameAs++
		}
	}
	assert.Equal(t, 4, sameAs)

	require.NoError(t, e.Apply(ctx, tc, []models.Relationship{edge(c, d, models.EdgeRelatedTo, 0.9)}))
	after, err := e.Snapshot(ctx, tc)
	require.NoError(t, err)
	cd, ok := after.ClusterOf(d)
	require.True(t, ok)
	ca2, _ := after.ClusterOf(a)
	assert.Equal(t, ca2.ID, cd.ID)
	assert.Equal(t, 1, after.Len())

	// earlier snapshots are immutable
	_, ok = snap.ClusterOf(d)
	assert.False(t, ok)
}

func TestRetractingBridgeSplitsCluster(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	e := newEngine(store)
	pub := &recorder{}
	e.SetPublisher(pub)
	tc := tenant("acme")

	events := seed(t, store, tc, domains(3)...)
	require.NoError(t, e.Observe(ctx, tc, events))
	ids := idsOf(events)
	a, b, c := ids[0], ids[1], ids[2]
	require.NoError(t, e.Apply(ctx, tc, []models.Relationship{
		edge(a, b, models.EdgeSameAs, 0.9),
		edge(b, c, models.EdgeSameAs, 0.9),
	}))

	removed, err := store.DeleteEdgesOf(ctx, tc, b)
	require.NoError(t, err)
	require.NoError(t, store.DeleteIndicator(ctx, tc, b))
	require.NoError(t, e.Retract(ctx, tc, b, removed))

	snap, err := e.Snapshot(ctx, tc)
	require.NoError(t, err)
	_, okA := snap.ClusterOf(a)
	_, okC := snap.ClusterOf(c)
	assert.False(t, okA)
	assert.False(t, okC)
	assert.Zero(t, snap.Len())

	left := pub.ofKind(models.ChangeClustered)
	var dissolved int
	for _, ev := range left {
		if ev.ClusterID == nil {
			dissolved++
		}
	}
	assert.Equal(t, 3, dissolved)
}

func TestRetractingOneEdgeKeepsOtherPath(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	e := newEngine(store)
	tc := tenant("acme")

	events := seed(t, store, tc, domains(3)...)
	require.NoError(t, e.Observe(ctx, tc, events))
	ids := idsOf(events)
	a, b, c := ids[0], ids[1], ids[2]
	ab := edge(a, b, models.EdgeSameAs, 0.9)
	ba := edge(b, a, models.EdgeSameAs, 0.9)
	require.NoError(t, e.Apply(ctx, tc, []models.Relationship{
		ab,
		edge(b, c, models.EdgeSameAs, 0.9),
		edge(a, c, models.EdgeSameAs, 0.9),
	}))

	require.NoError(t, e.RetractEdges(ctx, tc, []models.Relationship{ab, ba}))
	snap, err := e.Snapshot(ctx, tc)
	require.NoError(t, err)
	ca, ok := snap.ClusterOf(a)
	require.True(t, ok)
	cb, ok := snap.ClusterOf(b)
	require.True(t, ok)
	assert.Equal(t, ca.ID, cb.ID)
}

func TestSharedHashLinksCarrierToFile(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	e := newEngine(store)
	tc := tenant("acme")

	file := indicator(models.KindHash, "d41d8cd98f00b204e9800998ecf8427e", 0.9, "A")
	carrier := indicator(models.KindURL, "http://dl.example.com/a.exe", 0.6, "B")
	carrier.Hashes = []string{"D41D8CD98F00B204E9800998ECF8427E"}
	events := seed(t, store, tc, file, carrier)
	require.NoError(t, e.Observe(ctx, tc, events))

	edges, err := store.EdgesOf(ctx, tc, carrier.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, models.EdgeIndicatesPresenceOf, edges[0].Type)
	assert.Equal(t, carrier.ID, edges[0].Source.ID)
	assert.Equal(t, file.ID, edges[0].Target.ID)
	assert.Equal(t, RuleSharedHash, edges[0].RuleID)
	assert.Equal(t, 0.6, edges[0].Confidence)

	snap, err := e.Snapshot(ctx, tc)
	require.NoError(t, err)
	assert.Zero(t, snap.Len())
}

func TestSharedInfrastructureNeedsMaliciousPeers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	e := newEngine(store)
	tc := tenant("acme")

	mk := func(ip string, sev models.Severity, conf float64) *models.Indicator {
		ind := indicator(models.KindIP, ip, conf, "A")
		ind.Severity = sev
		ind.Context.ASN = "AS64500"
		return ind
	}
	x := mk("192.0.2.10", models.SeverityHigh, 0.9)
	y := mk("192.0.2.20", models.SeverityCritical, 0.8)
	benign := mk("192.0.2.30", models.SeverityInfo, 0.9)
	events := seed(t, store, tc, x, y, benign)
	require.NoError(t, e.Observe(ctx, tc, events))

	edges, err := store.EdgesOf(ctx, tc, x.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, models.EdgeRelatedTo, edges[0].Type)
	assert.Equal(t, RuleInfrastructure, edges[0].RuleID)
	assert.InDelta(t, 0.8, edges[0].Confidence, 1e-9)

	none, err := store.EdgesOf(ctx, tc, benign.ID)
	require.NoError(t, err)
	assert.Empty(t, none)

	snap, err := e.Snapshot(ctx, tc)
	require.NoError(t, err)
	cx, ok := snap.ClusterOf(x.ID)
	require.True(t, ok)
	assert.Equal(t, models.SeverityCritical, cx.Severity)
}

func TestIndependentAttributionsLinkActors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	e := newEngine(store)
	tc := tenant("acme")

	events := seed(t, store, tc, indicator(models.KindDomain, "beacon.example.com", 0.8, "A"))
	require.NoError(t, e.Observe(ctx, tc, events))
	ind := events[0].EntityID

	bear := &models.ThreatActor{ID: uuid.New(), TenantID: "acme", Name: "Fancy Bear"}
	sofacy := &models.ThreatActor{ID: uuid.New(), TenantID: "acme", Name: "Sofacy"}
	require.NoError(t, store.StoreActor(ctx, tc, bear))
	require.NoError(t, store.StoreActor(ctx, tc, sofacy))

	attr := func(actor uuid.UUID, feed string) models.Relationship {
		return models.Relationship{
			Source:     models.EntityRef{ID: ind, Kind: models.EntityIndicator},
			Target:     models.EntityRef{ID: actor, Kind: models.EntityActor},
			Type:       models.EdgeAttributedTo,
			Confidence: 0.6,
			Feeds:      []string{feed},
		}
	}
	require.NoError(t, e.Apply(ctx, tc, []models.Relationship{attr(bear.ID, "A")}))
	require.NoError(t, e.Apply(ctx, tc, []models.Relationship{attr(sofacy.ID, "B")}))

	edges, err := store.EdgesOf(ctx, tc, bear.ID)
	require.NoError(t, err)
	var link *models.Relationship
	for i := range edges {
		if edges[i].Type == models.EdgeSameAs {
			link = &edges[i]
		}
	}
	require.NotNil(t, link)
	assert.Equal(t, RuleSharedActor, link.RuleID)
	assert.InDelta(t, 1-0.4*0.4, link.Confidence, 1e-9)
	assert.Equal(t, []string{"A", "B"}, link.Feeds)
}

func TestSameFeedAttributionsDoNotLinkActors(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	e := newEngine(store)
	tc := tenant("acme")

	events := seed(t, store, tc, indicator(models.KindDomain, "beacon.example.com", 0.8, "A"))
	require.NoError(t, e.Observe(ctx, tc, events))
	ind := events[0].EntityID
	a1, a2 := uuid.New(), uuid.New()

	var edges []models.Relationship
	for _, actor := range []uuid.UUID{a1, a2} {
		edges = append(edges, models.Relationship{
			Source:     models.EntityRef{ID: ind, Kind: models.EntityIndicator},
			Target:     models.EntityRef{ID: actor, Kind: models.EntityActor},
			Type:       models.EdgeAttributedTo,
			Confidence: 0.6,
			Feeds:      []string{"A"},
		})
	}
	require.NoError(t, e.Apply(ctx, tc, edges))

	stored, err := store.EdgesOf(ctx, tc, a1)
	require.NoError(t, err)
	for _, r := range stored {
		assert.NotEqual(t, models.EdgeSameAs, r.Type)
	}
}

func TestHierarchyCyclesAreRejected(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	e := newEngine(store)
	tc := tenant("acme")

	events := seed(t, store, tc, domains(3)...)
	require.NoError(t, e.Observe(ctx, tc, events))
	ids := idsOf(events)
	a, b, c := ids[0], ids[1], ids[2]

	require.NoError(t, e.Apply(ctx, tc, []models.Relationship{
		edge(a, b, models.EdgeParentOf, 0.9),
		edge(b, c, models.EdgeParentOf, 0.9),
	}))
	require.NoError(t, e.Apply(ctx, tc, []models.Relationship{edge(c, a, models.EdgeParentOf, 0.9)}))

	edges, err := store.EdgesOf(ctx, tc, c)
	require.NoError(t, err)
	for _, r := range edges {
		if r.Source.ID == c {
			assert.NotEqual(t, a, r.Target.ID, "cycle closing edge must be rejected")
		}
	}
	// the inverse child-of edges are materialized
	up, err := store.EdgesOf(ctx, tc, b)
	require.NoError(t, err)
	var childOf int
	for _, r := range up {
		if r.Type == models.EdgeChildOf {
			childOf++
		}
	}
	assert.Equal(t, 2, childOf)
}

func TestHierarchyCycleInOneBatchIsRejected(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	e := newEngine(store)
	tc := tenant("acme")

	events := seed(t, store, tc, domains(3)...)
	require.NoError(t, e.Observe(ctx, tc, events))
	ids := idsOf(events)
	a, b, c := ids[0], ids[1], ids[2]

	require.NoError(t, e.Apply(ctx, tc, []models.Relationship{
		edge(a, b, models.EdgeParentOf, 0.9),
		edge(b, c, models.EdgeParentOf, 0.9),
		edge(c, a, models.EdgeParentOf, 0.9),
	}))

	parentOf := make(map[uuid.UUID]models.Relationship)
	for _, id := range ids {
		edges, err := store.EdgesOf(ctx, tc, id)
		require.NoError(t, err)
		for _, r := range edges {
			if r.Type == models.EdgeParentOf {
				parentOf[r.ID] = r
			}
		}
	}
	assert.Len(t, parentOf, 2)
	for _, r := range parentOf {
		assert.False(t, r.Source.ID == c && r.Target.ID == a, "cycle closing edge must be rejected")
	}
}

func TestEngineReloadsStateFromStore(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(0)
	tc := tenant("acme")

	first := newEngine(store)
	events := seed(t, store, tc, domains(2)...)
	require.NoError(t, first.Observe(ctx, tc, events))
	ids := idsOf(events)
	require.NoError(t, first.Apply(ctx, tc, []models.Relationship{edge(ids[0], ids[1], models.EdgeSameAs, 1)}))

	second := newEngine(store)
	snap, err := second.Snapshot(ctx, tc)
	require.NoError(t, err)
	c, ok := snap.ClusterOf(ids[1])
	require.True(t, ok)
	assert.Equal(t, models.LowestID(ids), c.ID)

	other, err := second.Snapshot(ctx, tenant("other"))
	require.NoError(t, err)
	assert.Zero(t, other.Len())
}
