package services

import (
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spaolacci/murmur3"
	"golang.org/x/sync/errgroup"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/metrics"
	"tiace/internal/storage"
	"tiace/pkg/logger"
)

// Correlation rule ids, in evaluation order
const (
	RuleFingerprint    = 1
	RuleSharedHash     = 2
	RuleInfrastructure = 3
	RuleSharedActor    = 4
)

// maliciousTags mark an indicator as malicious for the infrastructure rule
var maliciousTags = []string{"malicious", "malware", "c2", "botnet", "phishing", "ransomware", "exploited", "apt"}

// EdgeMirror receives committed edges, e.g. a graph database
type EdgeMirror interface {
	MirrorEdges(ctx context.Context, tenantID string, edges []models.Relationship) error
	RetractEdges(ctx context.Context, tenantID string, edges []models.Relationship) error
}

// node is the part of an indicator the rules look at
type node struct {
	id         uuid.UUID
	kind       models.IndicatorKind
	value      string
	severity   models.Severity
	confidence float64
	asn        string
	first      time.Time
	last       time.Time
	hashes     []string
	feeds      []string
	malicious  bool
}

func newNode(ind *models.Indicator) *node {
	n := &node{
		id:         ind.ID,
		kind:       ind.Kind,
		value:      ind.Value,
		severity:   ind.Severity,
		confidence: ind.Confidence,
		asn:        ind.Context.ASN,
		first:      ind.FirstSeen,
		last:       ind.LastSeen,
		hashes:     append([]string(nil), ind.Hashes...),
		feeds:      append([]string(nil), ind.SourceFeeds...),
	}
	n.malicious = ind.Severity.Rank() >= models.SeverityHigh.Rank()
	for _, tag := range maliciousTags {
		if ind.HasTag(tag) {
			n.malicious = true
			break
		}
	}
	return n
}

// ClusterSnapshot is an immutable view of the cluster assignment
type ClusterSnapshot struct {
	clusters map[uuid.UUID]*models.Cluster
	memberOf map[uuid.UUID]uuid.UUID
}

// ClusterOf returns the cluster containing id. Singletons are not clusters.
func (s *ClusterSnapshot) ClusterOf(id uuid.UUID) (*models.Cluster, bool) {
	if s == nil {
		return nil, false
	}
	cid, ok := s.memberOf[id]
	if !ok {
		return nil, false
	}
	return s.clusters[cid], true
}

// Cluster returns a cluster by id
func (s *ClusterSnapshot) Cluster(id uuid.UUID) (*models.Cluster, bool) {
	if s == nil {
		return nil, false
	}
	c, ok := s.clusters[id]
	return c, ok
}

// Clusters lists every cluster ordered by id
func (s *ClusterSnapshot) Clusters() []*models.Cluster {
	if s == nil {
		return nil
	}
	out := make([]*models.Cluster, 0, len(s.clusters))
	for _, c := range s.clusters {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

// Len returns the number of clusters
func (s *ClusterSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.clusters)
}

// unionFind uses path compression and union by rank
type unionFind struct {
	parent map[uuid.UUID]uuid.UUID
	rank   map[uuid.UUID]int
}

func newUnionFind() *unionFind {
	return &unionFind{parent: make(map[uuid.UUID]uuid.UUID), rank: make(map[uuid.UUID]int)}
}

func (u *unionFind) add(id uuid.UUID) {
	if _, ok := u.parent[id]; !ok {
		u.parent[id] = id
	}
}

func (u *unionFind) find(id uuid.UUID) uuid.UUID {
	u.add(id)
	root := id
	for u.parent[root] != root {
		root = u.parent[root]
	}
	for id != root {
		next := u.parent[id]
		u.parent[id] = root
		id = next
	}
	return root
}

func (u *unionFind) union(a, b uuid.UUID) {
	ra, rb := u.find(a), u.find(b)
	if ra == rb {
		return
	}
	switch {
	case u.rank[ra] < u.rank[rb]:
		u.parent[ra] = rb
	case u.rank[ra] > u.rank[rb]:
		u.parent[rb] = ra
	default:
		u.parent[rb] = ra
		u.rank[ra]++
	}
}

func (u *unionFind) reset(id uuid.UUID) {
	u.parent[id] = id
	u.rank[id] = 0
}

func (u *unionFind) remove(id uuid.UUID) {
	delete(u.parent, id)
	delete(u.rank, id)
}

type pairKey struct {
	src, dst uuid.UUID
}

// tenantGraph is the correlation state of one tenant
type tenantGraph struct {
	mu    sync.RWMutex
	ready bool

	nodes map[uuid.UUID]*node
	// out is the (src, type) -> dst edge index
	out map[uuid.UUID]map[models.EdgeType]map[uuid.UUID]models.Relationship
	// in is the inverse index dst -> src
	in map[uuid.UUID]map[uuid.UUID]struct{}

	byHash map[string]map[uuid.UUID]struct{}
	byASN  map[string]map[uuid.UUID]struct{}

	uf   *unionFind
	snap atomic.Pointer[ClusterSnapshot]
}

func newTenantGraph() *tenantGraph {
	g := &tenantGraph{
		nodes:  make(map[uuid.UUID]*node),
		out:    make(map[uuid.UUID]map[models.EdgeType]map[uuid.UUID]models.Relationship),
		in:     make(map[uuid.UUID]map[uuid.UUID]struct{}),
		byHash: make(map[string]map[uuid.UUID]struct{}),
		byASN:  make(map[string]map[uuid.UUID]struct{}),
		uf:     newUnionFind(),
	}
	g.snap.Store(&ClusterSnapshot{clusters: map[uuid.UUID]*models.Cluster{}, memberOf: map[uuid.UUID]uuid.UUID{}})
	return g
}

// CorrelationEngine maintains the edge index and the cluster assignment.
// It consumes committed changes as a single logical consumer; rule
// evaluation for a batch runs in parallel across id shards.
type CorrelationEngine struct {
	store     storage.Store
	publisher ChangePublisher
	mirror    EdgeMirror
	metrics   *metrics.Metrics
	logger    *logger.Logger

	threshold   float64
	shards      int
	infraWindow time.Duration
	maxPeers    int

	mu       sync.Mutex
	tenants  map[string]*tenantGraph
	clusters map[string]int
}

// NewCorrelationEngine creates a correlation engine
func NewCorrelationEngine(store storage.Store, cfg config.CorrelationConfig, m *metrics.Metrics, log *logger.Logger) *CorrelationEngine {
	e := &CorrelationEngine{
		store:       store,
		metrics:     m,
		logger:      log.WithComponent("correlation"),
		threshold:   cfg.StrongThreshold,
		shards:      cfg.Shards,
		infraWindow: cfg.InfraWindow,
		maxPeers:    cfg.MaxInfraPeers,
		tenants:     make(map[string]*tenantGraph),
		clusters:    make(map[string]int),
	}
	if e.threshold <= 0 || e.threshold > 1 {
		e.threshold = 0.7
	}
	if e.shards < 1 {
		e.shards = 16
	}
	if e.maxPeers < 1 {
		e.maxPeers = 32
	}
	return e
}

// SetPublisher installs the change feed for clustered events
func (e *CorrelationEngine) SetPublisher(p ChangePublisher) { e.publisher = p }

// SetMirror installs an edge mirror
func (e *CorrelationEngine) SetMirror(m EdgeMirror) { e.mirror = m }

// Threshold returns the strong RelatedTo threshold
func (e *CorrelationEngine) Threshold() float64 { return e.threshold }

// forms reports whether an edge joins its endpoints into one cluster
func (e *CorrelationEngine) forms(r models.Relationship) bool {
	if r.Source.Kind != models.EntityIndicator || r.Target.Kind != models.EntityIndicator {
		return false
	}
	switch r.Type {
	case models.EdgeSameAs:
		return true
	case models.EdgeRelatedTo:
		return r.Confidence >= e.threshold
	}
	return false
}

// graph returns the tenant's state, rebuilding it from the store on first use
func (e *CorrelationEngine) graph(ctx context.Context, t models.TenantContext) (*tenantGraph, error) {
	e.mu.Lock()
	g, ok := e.tenants[t.TenantID]
	if !ok {
		g = newTenantGraph()
		e.tenants[t.TenantID] = g
	}
	e.mu.Unlock()

	g.mu.RLock()
	ready := g.ready
	g.mu.RUnlock()
	if ready {
		return g, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ready {
		return g, nil
	}
	if err := e.load(ctx, t, g); err != nil {
		return nil, err
	}
	g.ready = true
	return g, nil
}

// load fills g from the store; the caller holds g.mu
func (e *CorrelationEngine) load(ctx context.Context, t models.TenantContext, g *tenantGraph) error {
	err := e.store.ScanIndicators(ctx, t, func(ind *models.Indicator) error {
		g.setNode(newNode(ind))
		return nil
	})
	if err != nil {
		return err
	}
	edges, err := e.store.ListEdges(ctx, t)
	if err != nil {
		return err
	}
	for _, r := range edges {
		g.putEdge(r)
		if e.forms(r) {
			g.uf.union(r.Source.ID, r.Target.ID)
		}
	}
	e.publishSnapshot(t.TenantID, g)
	e.logger.Debug().Str("tenant", t.TenantID).Int("indicators", len(g.nodes)).Int("edges", len(edges)).Msg("correlation state loaded")
	return nil
}

// Rebuild discards the tenant's state and reloads it from the store
func (e *CorrelationEngine) Rebuild(ctx context.Context, t models.TenantContext) error {
	if err := t.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.tenants, t.TenantID)
	e.mu.Unlock()
	_, err := e.graph(ctx, t)
	return err
}

// Snapshot returns the tenant's current cluster view
func (e *CorrelationEngine) Snapshot(ctx context.Context, t models.TenantContext) (*ClusterSnapshot, error) {
	g, err := e.graph(ctx, t)
	if err != nil {
		return nil, err
	}
	return g.snap.Load(), nil
}

// Observe evaluates the correlation rules for committed indicator changes
// and applies the resulting edges.
func (e *CorrelationEngine) Observe(ctx context.Context, t models.TenantContext, events []models.ChangeEvent) error {
	g, err := e.graph(ctx, t)
	if err != nil {
		return err
	}

	var changed []uuid.UUID
	var deleted []uuid.UUID
	g.mu.Lock()
	for _, ev := range events {
		if ev.EntityKind != models.EntityIndicator {
			continue
		}
		switch ev.Kind {
		case models.ChangeCreated, models.ChangeUpdated:
			if ev.Indicator != nil {
				g.setNode(newNode(ev.Indicator))
				changed = append(changed, ev.EntityID)
			}
		case models.ChangeDeleted:
			deleted = append(deleted, ev.EntityID)
		}
	}
	g.mu.Unlock()

	for _, id := range deleted {
		if err := e.Retract(ctx, t, id, nil); err != nil {
			return err
		}
	}
	if len(changed) == 0 {
		return nil
	}

	candidates, err := e.evaluate(ctx, g, changed)
	if err != nil {
		return err
	}
	return e.apply(ctx, t, g, candidates)
}

// evaluate runs rules 2 and 3 for ids, sharded by murmur3 of the id
func (e *CorrelationEngine) evaluate(ctx context.Context, g *tenantGraph, ids []uuid.UUID) ([]models.Relationship, error) {
	shards := make([][]uuid.UUID, e.shards)
	for _, id := range ids {
		s := murmur3.Sum32(id[:]) % uint32(e.shards)
		shards[s] = append(shards[s], id)
	}

	results := make([][]models.Relationship, e.shards)
	g.mu.RLock()
	defer g.mu.RUnlock()

	eg, ctx := errgroup.WithContext(ctx)
	for i := range shards {
		if len(shards[i]) == 0 {
			continue
		}
		eg.Go(func() error {
			for _, id := range shards[i] {
				if err := ctx.Err(); err != nil {
					return models.FromContext("correlate", err)
				}
				n, ok := g.nodes[id]
				if !ok {
					continue
				}
				results[i] = append(results[i], e.rulesFor(g, n)...)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	var out []models.Relationship
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// rulesFor applies rules in order; the first rule producing an edge for a pair wins
func (e *CorrelationEngine) rulesFor(g *tenantGraph, n *node) []models.Relationship {
	var out []models.Relationship
	seen := make(map[uuid.UUID]bool)

	// shared hash across kinds: carrier indicates presence of the file
	if n.kind == models.KindHash {
		for peer := range g.byHash[n.value] {
			p := g.nodes[peer]
			if p == nil || p.id == n.id || p.kind == models.KindHash || seen[p.id] {
				continue
			}
			seen[p.id] = true
			out = append(out, correlationEdge(p.id, n.id, models.EdgeIndicatesPresenceOf, min(p.confidence, n.confidence), RuleSharedHash))
		}
	} else {
		for _, h := range n.hashes {
			for peer := range g.byHash[h] {
				p := g.nodes[peer]
				if p == nil || p.kind != models.KindHash || seen[p.id] {
					continue
				}
				seen[p.id] = true
				out = append(out, correlationEdge(n.id, p.id, models.EdgeIndicatesPresenceOf, min(p.confidence, n.confidence), RuleSharedHash))
			}
		}
	}

	// shared infrastructure: same ASN, overlapping activity, both malicious
	if n.asn == "" || !n.malicious {
		return out
	}
	var peers []*node
	for peer := range g.byASN[n.asn] {
		p := g.nodes[peer]
		if p == nil || p.id == n.id || !p.malicious || seen[p.id] || !e.overlaps(n, p) {
			continue
		}
		peers = append(peers, p)
	}
	if len(peers) == 0 {
		return out
	}
	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].last.Equal(peers[j].last) {
			return peers[i].last.After(peers[j].last)
		}
		return peers[i].id.String() < peers[j].id.String()
	})
	// breadth counts every member of the tuple, capped peers included
	breadth := len(peers) + 1
	decay := 1 + math.Log(float64(breadth-1))
	if len(peers) > e.maxPeers {
		peers = peers[:e.maxPeers]
	}
	for _, p := range peers {
		src, dst := n.id, p.id
		if dst.String() < src.String() {
			src, dst = dst, src
		}
		out = append(out, correlationEdge(src, dst, models.EdgeRelatedTo, min(n.confidence, p.confidence)/decay, RuleInfrastructure))
	}
	return out
}

func (e *CorrelationEngine) overlaps(a, b *node) bool {
	aStart, aEnd := a.first.Add(-e.infraWindow), a.last.Add(e.infraWindow)
	return !b.last.Before(aStart) && !b.first.After(aEnd)
}

func correlationEdge(src, dst uuid.UUID, t models.EdgeType, confidence float64, rule int) models.Relationship {
	return models.Relationship{
		Source:     models.EntityRef{ID: src, Kind: models.EntityIndicator},
		Target:     models.EntityRef{ID: dst, Kind: models.EntityIndicator},
		Type:       t,
		Confidence: models.ClampUnit(confidence),
		RuleID:     rule,
	}
}

// Apply inserts externally supplied edges: feed relationships and attributions
func (e *CorrelationEngine) Apply(ctx context.Context, t models.TenantContext, edges []models.Relationship) error {
	if len(edges) == 0 {
		return nil
	}
	g, err := e.graph(ctx, t)
	if err != nil {
		return err
	}
	return e.apply(ctx, t, g, edges)
}

func (e *CorrelationEngine) apply(ctx context.Context, t models.TenantContext, g *tenantGraph, candidates []models.Relationship) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	before := g.snap.Load()
	accepted, weakened := e.resolve(g, candidates)
	actorEdges, more := e.resolve(g, e.sharedActorEdges(g, accepted))
	accepted = append(accepted, actorEdges...)
	weakened = append(weakened, more...)
	if len(accepted) == 0 {
		return nil
	}

	if err := e.storeEdges(ctx, t, accepted); err != nil {
		return err
	}
	for _, r := range accepted {
		g.putEdge(r)
		e.metrics.EdgeInserted(string(r.Type))
	}
	if len(weakened) > 0 {
		e.recompute(g, weakened)
	}
	for _, r := range accepted {
		if e.forms(r) {
			g.uf.union(r.Source.ID, r.Target.ID)
		}
	}
	if e.mirror != nil {
		if err := e.mirror.MirrorEdges(ctx, t.TenantID, accepted); err != nil {
			e.logger.Warn().Err(err).Int("edges", len(accepted)).Msg("failed to mirror edges")
		}
	}
	after := e.publishSnapshot(t.TenantID, g)
	e.emitClustered(t.TenantID, before, after)
	return nil
}

// resolve validates candidates against the index and each other. Mirrors of
// symmetric types are materialized. It returns the edges to write and the
// forming edges they replace.
func (e *CorrelationEngine) resolve(g *tenantGraph, candidates []models.Relationship) (accepted, weakened []models.Relationship) {
	best := make(map[pairKey]models.Relationship)
	var order []pairKey
	offer := func(r models.Relationship) {
		k := pairKey{r.Source.ID, r.Target.ID}
		if cur, ok := best[k]; ok {
			best[k] = models.Prefer(cur, r)
			return
		}
		best[k] = r
		order = append(order, k)
	}
	for _, r := range candidates {
		if err := r.Validate(); err != nil {
			e.logger.Debug().Err(err).Msg("dropping invalid edge")
			continue
		}
		if r.Source.ID == r.Target.ID {
			continue
		}
		offer(r)
		if m, ok := r.Mirror(); ok {
			offer(m)
		}
	}

	// hierarchy edges accepted earlier in this batch, parent to children
	pending := make(map[uuid.UUID][]uuid.UUID)
	for _, k := range order {
		r := best[k]
		if cur, ok := g.edge(k.src, k.dst); ok {
			keep := models.Prefer(cur, r)
			if keep.Type == cur.Type && keep.Confidence == cur.Confidence && keep.RuleID == cur.RuleID {
				continue
			}
			r = keep
			r.ID = cur.ID
			r.CreatedAt = cur.CreatedAt
			r.Feeds = models.MergeSet(cur.Feeds, r.Feeds...)
			if e.forms(cur) && !e.forms(r) {
				weakened = append(weakened, cur)
			}
		}
		if hierarchical(r) {
			if g.createsCycle(r, pending) {
				e.logger.Debug().Str("source", r.Source.ID.String()).Str("target", r.Target.ID.String()).Msg("rejecting hierarchy edge that would create a cycle")
				continue
			}
			parent, child := hierarchyPair(r)
			pending[parent] = append(pending[parent], child)
		}
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		accepted = append(accepted, r)
	}
	return accepted, weakened
}

// sharedActorEdges links actors that two independent feeds attribute the same indicator to
func (e *CorrelationEngine) sharedActorEdges(g *tenantGraph, edges []models.Relationship) []models.Relationship {
	touched := make(map[uuid.UUID]bool)
	for _, r := range edges {
		if r.Type == models.EdgeAttributedTo && r.Target.Kind == models.EntityActor {
			touched[r.Source.ID] = true
		}
	}
	var out []models.Relationship
	for src := range touched {
		var attrs []models.Relationship
		for _, r := range g.out[src][models.EdgeAttributedTo] {
			if r.Target.Kind == models.EntityActor {
				attrs = append(attrs, r)
			}
		}
		for _, r := range edges {
			if r.Source.ID == src && r.Type == models.EdgeAttributedTo && r.Target.Kind == models.EntityActor {
				attrs = append(attrs, r)
			}
		}
		for i := 0; i < len(attrs); i++ {
			for j := i + 1; j < len(attrs); j++ {
				a, b := attrs[i], attrs[j]
				if a.Target.ID == b.Target.ID || !independent(a.Feeds, b.Feeds) {
					continue
				}
				src, dst := a.Target, b.Target
				if dst.ID.String() < src.ID.String() {
					src, dst = dst, src
				}
				out = append(out, models.Relationship{
					Source:     src,
					Target:     dst,
					Type:       models.EdgeSameAs,
					Confidence: models.CombineConfidence(a.Confidence, b.Confidence),
					RuleID:     RuleSharedActor,
					Feeds:      models.MergeSet(a.Feeds, b.Feeds...),
				})
			}
		}
	}
	return out
}

func independent(a, b []string) bool {
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	for _, x := range a {
		if containsString(b, x) {
			return false
		}
	}
	return true
}

func (e *CorrelationEngine) storeEdges(ctx context.Context, t models.TenantContext, edges []models.Relationship) error {
	size := e.store.MaxBatchSize()
	if size <= 0 {
		size = len(edges)
	}
	for start := 0; start < len(edges); start += size {
		end := min(start+size, len(edges))
		if err := e.store.StoreEdges(ctx, t, edges[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// Retract removes an indicator from the graph and recomputes its cluster.
// removed lists edges already deleted from the store; when nil the
// engine's own index is used.
func (e *CorrelationEngine) Retract(ctx context.Context, t models.TenantContext, id uuid.UUID, removed []models.Relationship) error {
	g, err := e.graph(ctx, t)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	before := g.snap.Load()
	edges := g.edgesOf(id)
	if len(edges) == 0 {
		edges = removed
	}
	for _, r := range edges {
		g.dropEdge(r)
	}
	g.dropNode(id)
	e.metrics.EdgesRetracted(len(edges))

	e.recompute(g, append(edges, models.Relationship{Source: models.EntityRef{ID: id}, Target: models.EntityRef{ID: id}}))
	g.uf.remove(id)

	if e.mirror != nil && len(edges) > 0 {
		if err := e.mirror.RetractEdges(ctx, t.TenantID, edges); err != nil {
			e.logger.Warn().Err(err).Msg("failed to retract mirrored edges")
		}
	}
	after := e.publishSnapshot(t.TenantID, g)
	e.emitClustered(t.TenantID, before, after)
	return nil
}

// RetractEdges removes individual edges and recomputes the affected clusters
func (e *CorrelationEngine) RetractEdges(ctx context.Context, t models.TenantContext, edges []models.Relationship) error {
	g, err := e.graph(ctx, t)
	if err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	before := g.snap.Load()
	for _, r := range edges {
		g.dropEdge(r)
	}
	e.metrics.EdgesRetracted(len(edges))
	e.recompute(g, edges)
	after := e.publishSnapshot(t.TenantID, g)
	e.emitClustered(t.TenantID, before, after)
	return nil
}

// recompute rebuilds the union-find classes touched by edges from the
// forming edges that remain among their members
func (e *CorrelationEngine) recompute(g *tenantGraph, edges []models.Relationship) {
	members := make(map[uuid.UUID]bool)
	for _, r := range edges {
		for _, end := range []uuid.UUID{r.Source.ID, r.Target.ID} {
			if _, ok := g.uf.parent[end]; !ok {
				continue
			}
			root := g.uf.find(end)
			for id := range g.uf.parent {
				if g.uf.find(id) == root {
					members[id] = true
				}
			}
		}
	}
	for id := range members {
		g.uf.reset(id)
	}
	for id := range members {
		for _, byType := range g.out[id] {
			for _, r := range byType {
				if e.forms(r) && members[r.Target.ID] {
					g.uf.union(r.Source.ID, r.Target.ID)
				}
			}
		}
	}
}

// publishSnapshot computes and stores the cluster view; the caller holds g.mu
func (e *CorrelationEngine) publishSnapshot(tenantID string, g *tenantGraph) *ClusterSnapshot {
	groups := make(map[uuid.UUID][]uuid.UUID)
	for id := range g.uf.parent {
		if _, ok := g.nodes[id]; !ok {
			continue
		}
		root := g.uf.find(id)
		groups[root] = append(groups[root], id)
	}
	snap := &ClusterSnapshot{
		clusters: make(map[uuid.UUID]*models.Cluster),
		memberOf: make(map[uuid.UUID]uuid.UUID),
	}
	for _, ids := range groups {
		if len(ids) < 2 {
			continue
		}
		models.SortIDs(ids)
		c := &models.Cluster{
			ID:             ids[0],
			TenantID:       tenantID,
			Members:        ids,
			Representative: ids[0],
			Severity:       models.SeverityInfo,
		}
		var sum float64
		for _, id := range ids {
			n := g.nodes[id]
			c.Severity = models.MaxSeverity(c.Severity, n.severity)
			sum += n.confidence
			snap.memberOf[id] = c.ID
		}
		c.Confidence = sum / float64(len(ids))
		snap.clusters[c.ID] = c
	}
	g.snap.Store(snap)

	e.mu.Lock()
	e.clusters[tenantID] = len(snap.clusters)
	total := 0
	for _, n := range e.clusters {
		total += n
	}
	e.mu.Unlock()
	e.metrics.SetClusters(total)
	return snap
}

// emitClustered publishes a Clustered event for every member whose cluster changed
func (e *CorrelationEngine) emitClustered(tenantID string, before, after *ClusterSnapshot) {
	if e.publisher == nil {
		return
	}
	var ids []uuid.UUID
	for id, cid := range after.memberOf {
		if prev, ok := before.memberOf[id]; !ok || prev != cid {
			ids = append(ids, id)
		}
	}
	for id := range before.memberOf {
		if _, ok := after.memberOf[id]; !ok {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	models.SortIDs(ids)
	now := time.Now().UTC()
	events := make([]models.ChangeEvent, 0, len(ids))
	for _, id := range ids {
		ev := models.ChangeEvent{
			TenantID:   tenantID,
			EntityID:   id,
			EntityKind: models.EntityIndicator,
			Kind:       models.ChangeClustered,
			At:         now,
		}
		if cid, ok := after.memberOf[id]; ok {
			ev.ClusterID = &cid
		}
		events = append(events, ev)
	}
	e.publisher.Publish(events...)
}

// graph mutation helpers; callers hold g.mu

func (g *tenantGraph) setNode(n *node) {
	if old, ok := g.nodes[n.id]; ok {
		g.unindex(old)
	}
	g.nodes[n.id] = n
	if n.kind == models.KindHash {
		addToSet(g.byHash, n.value, n.id)
	}
	for _, h := range n.hashes {
		addToSet(g.byHash, h, n.id)
	}
	if n.asn != "" {
		addToSet(g.byASN, n.asn, n.id)
	}
	g.uf.add(n.id)
}

func (g *tenantGraph) unindex(n *node) {
	if n.kind == models.KindHash {
		removeFromSet(g.byHash, n.value, n.id)
	}
	for _, h := range n.hashes {
		removeFromSet(g.byHash, h, n.id)
	}
	if n.asn != "" {
		removeFromSet(g.byASN, n.asn, n.id)
	}
}

func (g *tenantGraph) dropNode(id uuid.UUID) {
	if n, ok := g.nodes[id]; ok {
		g.unindex(n)
		delete(g.nodes, id)
	}
}

func (g *tenantGraph) edge(src, dst uuid.UUID) (models.Relationship, bool) {
	for _, byDst := range g.out[src] {
		if r, ok := byDst[dst]; ok {
			return r, true
		}
	}
	return models.Relationship{}, false
}

// putEdge stores r, replacing any other edge between the same ordered pair
func (g *tenantGraph) putEdge(r models.Relationship) {
	if cur, ok := g.edge(r.Source.ID, r.Target.ID); ok {
		delete(g.out[cur.Source.ID][cur.Type], cur.Target.ID)
	}
	byType, ok := g.out[r.Source.ID]
	if !ok {
		byType = make(map[models.EdgeType]map[uuid.UUID]models.Relationship)
		g.out[r.Source.ID] = byType
	}
	byDst, ok := byType[r.Type]
	if !ok {
		byDst = make(map[uuid.UUID]models.Relationship)
		byType[r.Type] = byDst
	}
	byDst[r.Target.ID] = r
	if g.in[r.Target.ID] == nil {
		g.in[r.Target.ID] = make(map[uuid.UUID]struct{})
	}
	g.in[r.Target.ID][r.Source.ID] = struct{}{}
}

func (g *tenantGraph) dropEdge(r models.Relationship) {
	if byDst := g.out[r.Source.ID][r.Type]; byDst != nil {
		delete(byDst, r.Target.ID)
	}
	if srcs := g.in[r.Target.ID]; srcs != nil {
		if _, still := g.edge(r.Source.ID, r.Target.ID); !still {
			delete(srcs, r.Source.ID)
		}
	}
}

// edgesOf returns every indexed edge touching id
func (g *tenantGraph) edgesOf(id uuid.UUID) []models.Relationship {
	var out []models.Relationship
	for _, byDst := range g.out[id] {
		for _, r := range byDst {
			out = append(out, r)
		}
	}
	for src := range g.in[id] {
		if r, ok := g.edge(src, id); ok {
			out = append(out, r)
		}
	}
	return out
}

func hierarchical(r models.Relationship) bool {
	return r.Type == models.EdgeParentOf || r.Type == models.EdgeChildOf
}

func hierarchyPair(r models.Relationship) (parent, child uuid.UUID) {
	if r.Type == models.EdgeChildOf {
		return r.Target.ID, r.Source.ID
	}
	return r.Source.ID, r.Target.ID
}

// createsCycle reports whether a hierarchy edge would close a parent cycle in
// the committed graph extended by the pending parent to children links
func (g *tenantGraph) createsCycle(r models.Relationship, pending map[uuid.UUID][]uuid.UUID) bool {
	parent, child := hierarchyPair(r)
	// a cycle exists when parent is already a descendant of child
	seen := map[uuid.UUID]bool{child: true}
	queue := []uuid.UUID{child}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur == parent {
			return true
		}
		for _, next := range append(g.children(cur), pending[cur]...) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return false
}

func (g *tenantGraph) children(id uuid.UUID) []uuid.UUID {
	var out []uuid.UUID
	for dst := range g.out[id][models.EdgeParentOf] {
		out = append(out, dst)
	}
	for src := range g.in[id] {
		if r, ok := g.edge(src, id); ok && r.Type == models.EdgeChildOf {
			out = append(out, src)
		}
	}
	return out
}

func addToSet(m map[string]map[uuid.UUID]struct{}, key string, id uuid.UUID) {
	if m[key] == nil {
		m[key] = make(map[uuid.UUID]struct{})
	}
	m[key][id] = struct{}{}
}

func removeFromSet(m map[string]map[uuid.UUID]struct{}, key string, id uuid.UUID) {
	if set := m[key]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(m, key)
		}
	}
}
