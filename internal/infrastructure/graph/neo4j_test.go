package graph

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/pkg/logger"
)

func TestEdgeParams(t *testing.T) {
	src, dst := uuid.New(), uuid.New()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	edges := []models.Relationship{{
		ID:         uuid.New(),
		Source:     models.EntityRef{ID: src, Kind: models.EntityIndicator},
		Target:     models.EntityRef{ID: dst, Kind: models.EntityActor},
		Type:       models.EdgeAttributedTo,
		Confidence: 0.8,
		RuleID:     3,
		CreatedAt:  created,
	}}

	params := EdgeParams(edges)
	require.Len(t, params, 1)
	p := params[0]
	assert.Equal(t, src.String(), p["source_id"])
	assert.Equal(t, "indicator", p["source_kind"])
	assert.Equal(t, dst.String(), p["target_id"])
	assert.Equal(t, "actor", p["target_kind"])
	assert.Equal(t, "attributed-to", p["type"])
	assert.Equal(t, int64(3), p["rule_id"])
	assert.Equal(t, created.Unix(), p["created_at"])
	assert.Equal(t, []string{}, p["feeds"], "nil feeds are sent as an empty list")
}

func TestEmptyBatchesSkipDriver(t *testing.T) {
	var c Neo4jClient
	assert.NoError(t, c.MirrorEdges(context.Background(), "acme", nil))
	assert.NoError(t, c.RetractEdges(context.Background(), "acme", nil))
}

func TestUnreachableNeo4j(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewNeo4jClient(ctx, config.Neo4jConfig{
		URI:      "bolt://127.0.0.1:1",
		Username: "neo4j",
		Password: "x",
	}, logger.Nop())
	assert.Error(t, err)
}
