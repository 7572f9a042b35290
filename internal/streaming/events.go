package streaming

import (
	"slices"
	"time"

	"tiace/internal/domain/models"
)

// ChangeMessage is the wire form of a change event sent to external sinks
// and WebSocket clients
type ChangeMessage struct {
	Seq        uint64            `json:"seq"`
	TenantID   string            `json:"tenant_id"`
	EntityID   string            `json:"entity_id"`
	EntityKind models.EntityKind `json:"entity_kind"`
	Change     models.ChangeKind `json:"change_kind"`
	Timestamp  time.Time         `json:"timestamp"`

	// Indicator details
	IndicatorKind  models.IndicatorKind `json:"indicator_kind,omitempty"`
	IndicatorValue string               `json:"indicator_value,omitempty"`
	Severity       models.Severity      `json:"severity,omitempty"`
	Confidence     float64              `json:"confidence,omitempty"`
	Tags           []string             `json:"tags,omitempty"`

	ClusterID string `json:"cluster_id,omitempty"`
}

// NewChangeMessage flattens a change event for the wire
func NewChangeMessage(ev models.ChangeEvent) *ChangeMessage {
	msg := &ChangeMessage{
		Seq:        ev.Seq,
		TenantID:   ev.TenantID,
		EntityID:   ev.EntityID.String(),
		EntityKind: ev.EntityKind,
		Change:     ev.Kind,
		Timestamp:  ev.At,
	}
	if ind := ev.Indicator; ind != nil {
		msg.IndicatorKind = ind.Kind
		msg.IndicatorValue = ind.Value
		msg.Severity = ind.Severity
		msg.Confidence = ind.Confidence
		msg.Tags = ind.Tags
	}
	if ev.ClusterID != nil {
		msg.ClusterID = ev.ClusterID.String()
	}
	return msg
}

// ChangeFilter narrows what a WebSocket client receives
type ChangeFilter struct {
	// Filter by change kind (empty = all)
	Changes []models.ChangeKind `json:"changes,omitempty"`

	// Filter by indicator kinds (empty = all)
	Kinds []models.IndicatorKind `json:"kinds,omitempty"`

	// Filter by severity (empty = all)
	MinSeverity models.Severity `json:"min_severity,omitempty"`

	// Filter by tags, any match (empty = all)
	Tags []string `json:"tags,omitempty"`
}

// Matches checks if a message passes the filter
func (f *ChangeFilter) Matches(msg *ChangeMessage) bool {
	if f == nil {
		return true
	}
	if len(f.Changes) > 0 && !slices.Contains(f.Changes, msg.Change) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, msg.IndicatorKind) {
		return false
	}
	if f.MinSeverity != "" && msg.Severity.Rank() < f.MinSeverity.Rank() {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, t := range f.Tags {
			if slices.Contains(msg.Tags, t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
