package models

import "time"

// CanonicalDocument is the JSON interchange form of a tenant's records.
// The json exporter writes it and the json parser reads it back.
type CanonicalDocument struct {
	GeneratedAt   time.Time       `json:"generated_at"`
	Indicators    []*Indicator    `json:"indicators"`
	Actors        []*ThreatActor  `json:"actors,omitempty"`
	Campaigns     []*Campaign     `json:"campaigns,omitempty"`
	Relationships []*Relationship `json:"relationships,omitempty"`
}
