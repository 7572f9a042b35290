package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Sophistication is a flat tagged variant, not a type hierarchy
type Sophistication string

const (
	SophisticationUnknown      Sophistication = "unknown"
	SophisticationMinimal      Sophistication = "minimal"
	SophisticationIntermediate Sophistication = "intermediate"
	SophisticationAdvanced     Sophistication = "advanced"
	SophisticationExpert       Sophistication = "expert"
	SophisticationStrategic    Sophistication = "strategic"
)

// Motivation of a threat actor
type Motivation string

const (
	MotivationUnknown    Motivation = "unknown"
	MotivationEspionage  Motivation = "espionage"
	MotivationFinancial  Motivation = "financial"
	MotivationSabotage   Motivation = "sabotage"
	MotivationHacktivism Motivation = "hacktivism"
	MotivationNotoriety  Motivation = "notoriety"
)

// ParseSophistication maps STIX and MISP vocabulary onto Sophistication
func ParseSophistication(s string) Sophistication {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "minimal", "low":
		return SophisticationMinimal
	case "intermediate", "medium":
		return SophisticationIntermediate
	case "advanced", "high":
		return SophisticationAdvanced
	case "expert":
		return SophisticationExpert
	case "innovator", "strategic", "very-high":
		return SophisticationStrategic
	default:
		return SophisticationUnknown
	}
}

// ParseMotivation maps STIX and MISP vocabulary onto Motivation
func ParseMotivation(s string) Motivation {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "espionage", "organizational-gain", "intelligence":
		return MotivationEspionage
	case "personal-gain", "financial", "financial-gain", "cybercrime":
		return MotivationFinancial
	case "dominance", "sabotage", "destruction":
		return MotivationSabotage
	case "ideology", "hacktivism":
		return MotivationHacktivism
	case "notoriety", "personal-satisfaction":
		return MotivationNotoriety
	default:
		return MotivationUnknown
	}
}

// ThreatActor is a named adversary. Links are held as ids in the edge store.
type ThreatActor struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       string         `json:"-"`
	Name           string         `json:"name"`
	Aliases        []string       `json:"aliases,omitempty"`
	Sophistication Sophistication `json:"sophistication"`
	Motivations    []Motivation   `json:"motivations,omitempty"`
	OriginHint     string         `json:"origin_hint,omitempty"`
	FirstActivity  *time.Time     `json:"first_activity,omitempty"`
	LastActivity   *time.Time     `json:"last_activity,omitempty"`
	SourceFeeds    []string       `json:"source_feeds,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Names returns the canonical name and aliases, lowercased
func (a *ThreatActor) Names() []string {
	return NormalizeTags(append([]string{a.Name}, a.Aliases...))
}

// Matches reports whether name resolves to this actor (many-to-one alias resolution)
func (a *ThreatActor) Matches(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, n := range a.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Merge folds another record of the same actor into a
func (a *ThreatActor) Merge(o *ThreatActor) {
	a.Aliases = MergeSet(a.Aliases, o.Names()...)
	a.Aliases = removeString(a.Aliases, strings.ToLower(a.Name))
	if a.Sophistication == "" || a.Sophistication == SophisticationUnknown {
		a.Sophistication = o.Sophistication
	}
	for _, m := range o.Motivations {
		if !containsMotivation(a.Motivations, m) {
			a.Motivations = append(a.Motivations, m)
		}
	}
	if a.OriginHint == "" {
		a.OriginHint = o.OriginHint
	}
	a.FirstActivity = minTime(a.FirstActivity, o.FirstActivity)
	a.LastActivity = maxTime(a.LastActivity, o.LastActivity)
	a.SourceFeeds = MergeSet(a.SourceFeeds, o.SourceFeeds...)
}

// Campaign is a bounded operation by one actor over a time window
type Campaign struct {
	ID            uuid.UUID  `json:"id"`
	TenantID      string     `json:"-"`
	Name          string     `json:"name"`
	Description   string     `json:"description,omitempty"`
	ActorID       *uuid.UUID `json:"actor_id,omitempty"`
	TTPs          []string   `json:"ttps,omitempty"`
	MalwareFamily []string   `json:"malware_families,omitempty"`
	Targets       []string   `json:"targets,omitempty"`
	Impact        string     `json:"impact_assessment,omitempty"`
	Start         *time.Time `json:"start,omitempty"`
	End           *time.Time `json:"end,omitempty"`
	SourceFeeds   []string   `json:"source_feeds,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Merge folds another record of the same campaign into c
func (c *Campaign) Merge(o *Campaign) {
	if c.Description == "" {
		c.Description = o.Description
	}
	if c.ActorID == nil {
		c.ActorID = o.ActorID
	}
	c.TTPs = MergeSet(c.TTPs, o.TTPs...)
	c.MalwareFamily = MergeSet(c.MalwareFamily, o.MalwareFamily...)
	c.Targets = MergeSet(c.Targets, o.Targets...)
	if c.Impact == "" {
		c.Impact = o.Impact
	}
	c.Start = minTime(c.Start, o.Start)
	c.End = maxTime(c.End, o.End)
	c.SourceFeeds = MergeSet(c.SourceFeeds, o.SourceFeeds...)
}

func containsMotivation(list []Motivation, m Motivation) bool {
	for _, v := range list {
		if v == m {
			return true
		}
	}
	return false
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func minTime(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	}
	return a
}

func maxTime(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	}
	return a
}
