package models

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EdgeType is the type of a directed relationship
type EdgeType string

const (
	EdgeSameAs              EdgeType = "same-as"
	EdgeRelatedTo           EdgeType = "related-to"
	EdgeIndicatesPresenceOf EdgeType = "indicates-presence-of"
	EdgeDerivedFrom         EdgeType = "derived-from"
	EdgeParentOf            EdgeType = "parent-of"
	EdgeChildOf             EdgeType = "child-of"
	EdgeAttributedTo        EdgeType = "attributed-to"

	customEdgePrefix = "custom:"
)

// CustomEdge returns the reserved Custom(tag) edge type
func CustomEdge(tag string) EdgeType {
	return EdgeType(customEdgePrefix + strings.ToLower(strings.TrimSpace(tag)))
}

// ParseEdgeType maps STIX relationship vocabulary onto EdgeType
func ParseEdgeType(s string) EdgeType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "same-as", "duplicate-of":
		return EdgeSameAs
	case "related-to", "communicates-with", "uses", "hosts", "resolves-to", "beacons-to":
		return EdgeRelatedTo
	case "indicates", "indicates-presence-of":
		return EdgeIndicatesPresenceOf
	case "derived-from", "variant-of":
		return EdgeDerivedFrom
	case "parent-of":
		return EdgeParentOf
	case "child-of":
		return EdgeChildOf
	case "attributed-to":
		return EdgeAttributedTo
	default:
		return CustomEdge(s)
	}
}

// Inverse returns the edge type of the mirrored direction, or "" when the type is not paired
func (t EdgeType) Inverse() EdgeType {
	switch t {
	case EdgeSameAs:
		return EdgeSameAs
	case EdgeParentOf:
		return EdgeChildOf
	case EdgeChildOf:
		return EdgeParentOf
	}
	return ""
}

// Strength orders edge types for the never-widen rule: a stronger type is never replaced
// by a weaker one between the same pair.
func (t EdgeType) Strength() int {
	switch t {
	case EdgeSameAs:
		return 3
	case EdgeIndicatesPresenceOf, EdgeParentOf, EdgeChildOf, EdgeDerivedFrom, EdgeAttributedTo:
		return 2
	case EdgeRelatedTo:
		return 1
	}
	return 0
}

// EntityKind identifies the entity table an id refers to
type EntityKind string

const (
	EntityIndicator EntityKind = "indicator"
	EntityActor     EntityKind = "actor"
	EntityCampaign  EntityKind = "campaign"
	EntityCluster   EntityKind = "cluster"
)

// EntityRef is a surrogate reference to any entity
type EntityRef struct {
	ID   uuid.UUID  `json:"id"`
	Kind EntityKind `json:"kind"`
}

// Relationship is a typed directed edge between two entities
type Relationship struct {
	ID         uuid.UUID `json:"id"`
	TenantID   string    `json:"-"`
	Source     EntityRef `json:"source"`
	Target     EntityRef `json:"target"`
	Type       EdgeType  `json:"type"`
	Confidence float64   `json:"confidence"`
	// RuleID is the correlation rule that produced the edge, 0 for feed-supplied edges
	RuleID    int       `json:"rule_id,omitempty"`
	Feeds     []string  `json:"feeds,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

var (
	errSelfSameAs = errors.New("same-as edge must not be a self edge")
	errNilEnds    = errors.New("relationship endpoints must be set")
)

// Validate checks the structural invariants of a single edge
func (r *Relationship) Validate() error {
	if r.Source.ID == uuid.Nil || r.Target.ID == uuid.Nil {
		return NewError(KindValidation, "relationship", errNilEnds)
	}
	if r.Type == EdgeSameAs && r.Source.ID == r.Target.ID {
		return NewError(KindValidation, "relationship", errSelfSameAs)
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return Errorf(KindValidation, "relationship", "confidence %.3f out of range", r.Confidence)
	}
	return nil
}

// Mirror returns the materialized inverse edge, false when the type has none
func (r *Relationship) Mirror() (Relationship, bool) {
	inv := r.Type.Inverse()
	if inv == "" {
		return Relationship{}, false
	}
	m := *r
	m.ID = uuid.Nil
	m.Source, m.Target = r.Target, r.Source
	m.Type = inv
	m.Feeds = append([]string(nil), r.Feeds...)
	return m, true
}

// PairKey identifies the ordered endpoint pair
func (r *Relationship) PairKey() [2]uuid.UUID {
	return [2]uuid.UUID{r.Source.ID, r.Target.ID}
}

// Prefer returns the edge that should be kept when two edges connect the same pair.
// Stronger types are never replaced by weaker ones; otherwise higher confidence wins,
// then the lower rule id.
func Prefer(existing, incoming Relationship) Relationship {
	es, is := existing.Type.Strength(), incoming.Type.Strength()
	if es != is {
		if es > is {
			return existing
		}
		return incoming
	}
	if incoming.Confidence != existing.Confidence {
		if incoming.Confidence > existing.Confidence {
			return incoming
		}
		return existing
	}
	if ruleOrder(incoming.RuleID) < ruleOrder(existing.RuleID) {
		return incoming
	}
	return existing
}

func ruleOrder(id int) int {
	if id == 0 {
		// feed supplied edges rank after every correlation rule
		return 1 << 30
	}
	return id
}

// Cluster is an equivalence class of indicators. It is a derived view.
type Cluster struct {
	ID             uuid.UUID   `json:"id"`
	TenantID       string      `json:"-"`
	Members        []uuid.UUID `json:"members"`
	Representative uuid.UUID   `json:"representative"`
	Severity       Severity    `json:"severity"`
	Confidence     float64     `json:"confidence"`
}

// SortIDs orders ids ascending by their string form
func SortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// LowestID returns the lexicographically lowest id
func LowestID(ids []uuid.UUID) uuid.UUID {
	var low uuid.UUID
	for i, id := range ids {
		if i == 0 || id.String() < low.String() {
			low = id
		}
	}
	return low
}
