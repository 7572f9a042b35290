package models

import (
	"time"

	"github.com/google/uuid"
)

// ChangeKind is the kind of a committed change
type ChangeKind string

const (
	ChangeCreated   ChangeKind = "created"
	ChangeUpdated   ChangeKind = "updated"
	ChangeDeleted   ChangeKind = "deleted"
	ChangeClustered ChangeKind = "clustered"
)

// ChangeEvent is one entry of a tenant's commit log.
// Seq is the per-tenant watermark and increases by one per commit.
type ChangeEvent struct {
	Seq        uint64     `json:"seq"`
	TenantID   string     `json:"tenant_id"`
	EntityID   uuid.UUID  `json:"entity_id"`
	EntityKind EntityKind `json:"entity_kind"`
	Kind       ChangeKind `json:"change_kind"`
	At         time.Time  `json:"at"`

	// Indicator is attached for created and updated indicator events
	Indicator *Indicator `json:"indicator,omitempty"`
	// Cluster is attached for clustered events
	ClusterID *uuid.UUID `json:"cluster_id,omitempty"`
}
