// Package graph mirrors the committed edge set into Neo4j for graph consumers.
package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

// Every node and relationship carries the tenant; lookups always match on it.
const (
	cypherMergeEdges = `
		UNWIND $batch AS e
		MERGE (s:Entity {tenant: $tenant, id: e.source_id})
		  ON CREATE SET s.kind = e.source_kind
		MERGE (t:Entity {tenant: $tenant, id: e.target_id})
		  ON CREATE SET t.kind = e.target_kind
		MERGE (s)-[r:EDGE {tenant: $tenant}]->(t)
		SET r.id = e.id,
			r.type = e.type,
			r.confidence = e.confidence,
			r.rule_id = e.rule_id,
			r.feeds = e.feeds,
			r.created_at = e.created_at,
			r.updated_at = timestamp()
		RETURN count(r) AS merged`

	cypherRetractEdges = `
		UNWIND $batch AS e
		MATCH (:Entity {tenant: $tenant, id: e.source_id})-[r:EDGE {tenant: $tenant}]->(:Entity {tenant: $tenant, id: e.target_id})
		DELETE r
		RETURN count(r) AS deleted`

	cypherPruneOrphans = `
		MATCH (n:Entity {tenant: $tenant})
		WHERE NOT (n)--()
		DELETE n`
)

// Neo4jClient wraps the Neo4j driver
type Neo4jClient struct {
	driver neo4j.DriverWithContext
	config config.Neo4jConfig
	logger *logger.Logger
}

// NewNeo4jClient creates a new Neo4j client
func NewNeo4jClient(ctx context.Context, cfg config.Neo4jConfig, log *logger.Logger) (*Neo4jClient, error) {
	auth := neo4j.BasicAuth(cfg.Username, cfg.Password, "")

	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth, func(c *neo4j.Config) {
		if cfg.MaxConnections > 0 {
			c.MaxConnectionPoolSize = cfg.MaxConnections
		}
		if cfg.MaxLifetimeMinutes > 0 {
			c.MaxConnectionLifetime = time.Duration(cfg.MaxLifetimeMinutes) * time.Minute
		}
		c.ConnectionAcquisitionTimeout = 30 * time.Second
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Neo4j driver: %w", err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to Neo4j: %w", err)
	}

	client := &Neo4jClient{
		driver: driver,
		config: cfg,
		logger: log.WithComponent("neo4j"),
	}
	client.initializeSchema(ctx)

	client.logger.Info().Str("uri", cfg.URI).Msg("connected to Neo4j")
	return client, nil
}

// Close closes the Neo4j driver
func (c *Neo4jClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// Health checks Neo4j connectivity
func (c *Neo4jClient) Health(ctx context.Context) error {
	return c.driver.VerifyConnectivity(ctx)
}

func (c *Neo4jClient) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return c.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   mode,
		DatabaseName: c.config.Database,
	})
}

func (c *Neo4jClient) initializeSchema(ctx context.Context) {
	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	indexes := []string{
		"CREATE INDEX entity_tenant_id IF NOT EXISTS FOR (n:Entity) ON (n.tenant, n.id)",
		"CREATE INDEX edge_tenant IF NOT EXISTS FOR ()-[r:EDGE]-() ON (r.tenant)",
	}
	for _, idx := range indexes {
		if _, err := session.Run(ctx, idx, nil); err != nil {
			c.logger.Warn().Err(err).Str("index", idx).Msg("failed to create index")
		}
	}
}

// MirrorEdges merges committed edges into the graph
func (c *Neo4jClient) MirrorEdges(ctx context.Context, tenantID string, edges []models.Relationship) error {
	if len(edges) == 0 {
		return nil
	}
	n, err := c.write(ctx, cypherMergeEdges, "merged", tenantID, edges)
	if err != nil {
		return fmt.Errorf("neo4j mirror edges: %w", err)
	}
	c.logger.Debug().Str("tenant", tenantID).Int64("merged", n).Msg("mirrored edges")
	return nil
}

// RetractEdges removes retracted edges and nodes left without relationships
func (c *Neo4jClient) RetractEdges(ctx context.Context, tenantID string, edges []models.Relationship) error {
	if len(edges) == 0 {
		return nil
	}
	n, err := c.write(ctx, cypherRetractEdges, "deleted", tenantID, edges)
	if err != nil {
		return fmt.Errorf("neo4j retract edges: %w", err)
	}
	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	if _, err := session.Run(ctx, cypherPruneOrphans, map[string]any{"tenant": tenantID}); err != nil {
		c.logger.Warn().Err(err).Str("tenant", tenantID).Msg("failed to prune orphan nodes")
	}
	c.logger.Debug().Str("tenant", tenantID).Int64("deleted", n).Msg("retracted edges")
	return nil
}

func (c *Neo4jClient) write(ctx context.Context, cypher, countKey, tenantID string, edges []models.Relationship) (int64, error) {
	session := c.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	params := map[string]any{"tenant": tenantID, "batch": EdgeParams(edges)}
	out, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, cypher, params)
		if err != nil {
			return int64(0), err
		}
		rec, err := res.Single(ctx)
		if err != nil {
			return int64(0), err
		}
		v, _ := rec.Get(countKey)
		n, _ := v.(int64)
		return n, nil
	})
	if err != nil {
		return 0, err
	}
	return out.(int64), nil
}

// Stats returns node and relationship counts of a tenant
func (c *Neo4jClient) Stats(ctx context.Context, tenantID string) (map[string]int64, error) {
	session := c.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	res, err := session.Run(ctx, `
		MATCH (n:Entity {tenant: $tenant})
		OPTIONAL MATCH (n)-[r:EDGE]->()
		RETURN count(DISTINCT n) AS nodes, count(r) AS edges`,
		map[string]any{"tenant": tenantID})
	if err != nil {
		return nil, fmt.Errorf("neo4j stats: %w", err)
	}
	rec, err := res.Single(ctx)
	if err != nil {
		return nil, fmt.Errorf("neo4j stats: %w", err)
	}
	stats := make(map[string]int64)
	for _, key := range rec.Keys {
		v, _ := rec.Get(key)
		if n, ok := v.(int64); ok {
			stats[key] = n
		}
	}
	return stats, nil
}

// EdgeParams converts edges into the driver's parameter maps. Ids are strings
// and times are unix seconds since the driver has no uuid type.
func EdgeParams(edges []models.Relationship) []map[string]any {
	out := make([]map[string]any, 0, len(edges))
	for _, e := range edges {
		feeds := e.Feeds
		if feeds == nil {
			feeds = []string{}
		}
		out = append(out, map[string]any{
			"id":          e.ID.String(),
			"source_id":   e.Source.ID.String(),
			"source_kind": string(e.Source.Kind),
			"target_id":   e.Target.ID.String(),
			"target_kind": string(e.Target.Kind),
			"type":        string(e.Type),
			"confidence":  e.Confidence,
			"rule_id":     int64(e.RuleID),
			"feeds":       feeds,
			"created_at":  e.CreatedAt.Unix(),
		})
	}
	return out
}
