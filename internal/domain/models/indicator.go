package models

import (
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IndicatorKind represents the type of an observable
type IndicatorKind string

const (
	KindIP              IndicatorKind = "ip"
	KindDomain          IndicatorKind = "domain"
	KindURL             IndicatorKind = "url"
	KindHash            IndicatorKind = "hash"
	KindEmail           IndicatorKind = "email"
	KindUserAgent       IndicatorKind = "user-agent"
	KindMutex           IndicatorKind = "mutex"
	KindCertFingerprint IndicatorKind = "cert-fingerprint"
	KindASN             IndicatorKind = "asn"
	KindCIDR            IndicatorKind = "cidr"

	customKindPrefix = "custom:"
)

// KnownKinds lists the built-in kinds in a stable order
var KnownKinds = []IndicatorKind{
	KindIP, KindDomain, KindURL, KindHash, KindEmail,
	KindUserAgent, KindMutex, KindCertFingerprint, KindASN, KindCIDR,
}

// CustomKind returns the named custom kind, e.g. custom:cve
func CustomKind(tag string) IndicatorKind {
	tag = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, strings.ToLower(strings.TrimSpace(tag)))
	tag = strings.Trim(tag, "-")
	if tag == "" {
		tag = "unknown"
	}
	return IndicatorKind(customKindPrefix + tag)
}

// IsCustom reports whether the kind is a named custom kind
func (k IndicatorKind) IsCustom() bool {
	return strings.HasPrefix(string(k), customKindPrefix)
}

// CustomTag returns the tag of a custom kind, empty otherwise
func (k IndicatorKind) CustomTag() string {
	if !k.IsCustom() {
		return ""
	}
	return strings.TrimPrefix(string(k), customKindPrefix)
}

func (k IndicatorKind) String() string {
	return string(k)
}

// ParseKind parses a kind name. Unknown names that are not custom kinds are rejected.
func ParseKind(s string) (IndicatorKind, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if strings.HasPrefix(s, customKindPrefix) {
		return CustomKind(strings.TrimPrefix(s, customKindPrefix)), true
	}
	switch s {
	case "ipv4", "ipv6", "ip-addr":
		return KindIP, true
	case "hostname", "domain-name":
		return KindDomain, true
	case "md5", "sha1", "sha256", "sha512", "file-hash":
		return KindHash, true
	case "email-addr":
		return KindEmail, true
	case "useragent", "user_agent":
		return KindUserAgent, true
	case "certificate", "x509", "cert_fingerprint":
		return KindCertFingerprint, true
	}
	for _, k := range KnownKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Severity represents the threat severity level
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities in ascending order
var Severities = []Severity{SeverityInfo, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns a numeric weight for ordering, 0 for unknown values
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 5
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}

func (s Severity) String() string {
	return string(s)
}

// MaxSeverity returns the more severe of the two
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseSeverity parses a severity name. Unknown values map to info.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return SeverityCritical
	case "high":
		return SeverityHigh
	case "medium", "moderate":
		return SeverityMedium
	case "low":
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// SeverityFromScore maps a 0..1 score onto a severity band
func SeverityFromScore(score float64) Severity {
	switch {
	case score >= 0.9:
		return SeverityCritical
	case score >= 0.7:
		return SeverityHigh
	case score >= 0.4:
		return SeverityMedium
	case score >= 0.2:
		return SeverityLow
	default:
		return SeverityInfo
	}
}

// IndicatorContext carries network context resolved during enrichment
type IndicatorContext struct {
	Geo          *GeoInfo `json:"geo,omitempty"`
	ASN          string   `json:"asn,omitempty"`
	Organization string   `json:"organization,omitempty"`
	Ports        []int    `json:"ports"`
	Protocols    []string `json:"protocols"`
}

// GeoInfo is a coarse location
type GeoInfo struct {
	Country string `json:"country,omitempty"`
	City    string `json:"city,omitempty"`
}

// Scoring holds the derived scores of an indicator, each in [0,1]
type Scoring struct {
	Threat         float64  `json:"threat"`
	Reputation     float64  `json:"reputation"`
	Prevalence     float64  `json:"prevalence"`
	Freshness      float64  `json:"freshness"`
	MLConfidence   *float64 `json:"ml_confidence,omitempty"`
	HumanValidated *bool    `json:"human_validated,omitempty"`
}

// Indicator is a single normalized observable owned by one tenant
type Indicator struct {
	ID          uuid.UUID        `json:"id"`
	TenantID    string           `json:"-"`
	Kind        IndicatorKind    `json:"kind"`
	Value       string           `json:"value"`
	Confidence  float64          `json:"confidence"`
	Severity    Severity         `json:"severity"`
	FirstSeen   time.Time        `json:"first_seen"`
	LastSeen    time.Time        `json:"last_seen"`
	SourceFeeds []string         `json:"source_feeds"`
	Tags        []string         `json:"tags"`
	Context     IndicatorContext `json:"context"`
	Scoring     Scoring          `json:"scoring"`
	Description string           `json:"description,omitempty"`

	// Hashes are file hashes observed together with a non-hash indicator
	Hashes []string `json:"hashes,omitempty"`

	// RawPayloads keeps the last raw item per feed
	RawPayloads map[string]json.RawMessage `json:"raw_payloads,omitempty"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Fingerprint returns the content address of the indicator
func (i *Indicator) Fingerprint() Fingerprint {
	return ComputeFingerprint(i.Kind, i.Value)
}

// Normalize rewrites Value into the canonical form for Kind
func (i *Indicator) Normalize() {
	i.Value = Normalize(i.Kind, i.Value)
	i.Tags = NormalizeTags(i.Tags)
	i.SourceFeeds = MergeSet(nil, i.SourceFeeds...)
	if len(i.Hashes) > 0 {
		hashes := make([]string, 0, len(i.Hashes))
		for _, h := range i.Hashes {
			hashes = append(hashes, Normalize(KindHash, h))
		}
		i.Hashes = MergeSet(nil, hashes...)
	}
	i.Confidence = ClampUnit(i.Confidence)
	if i.Severity.Rank() == 0 {
		i.Severity = SeverityInfo
	}
	if !i.FirstSeen.IsZero() && !i.LastSeen.IsZero() && i.LastSeen.Before(i.FirstSeen) {
		i.FirstSeen, i.LastSeen = i.LastSeen, i.FirstSeen
	}
	if i.FirstSeen.IsZero() {
		i.FirstSeen = i.LastSeen
	}
	if i.LastSeen.IsZero() {
		i.LastSeen = i.FirstSeen
	}
}

// Clone returns a deep copy
func (i *Indicator) Clone() *Indicator {
	if i == nil {
		return nil
	}
	c := *i
	c.SourceFeeds = append([]string(nil), i.SourceFeeds...)
	c.Tags = append([]string(nil), i.Tags...)
	c.Hashes = append([]string(nil), i.Hashes...)
	c.Context.Ports = append([]int(nil), i.Context.Ports...)
	c.Context.Protocols = append([]string(nil), i.Context.Protocols...)
	if i.Context.Geo != nil {
		g := *i.Context.Geo
		c.Context.Geo = &g
	}
	if i.Scoring.MLConfidence != nil {
		v := *i.Scoring.MLConfidence
		c.Scoring.MLConfidence = &v
	}
	if i.Scoring.HumanValidated != nil {
		v := *i.Scoring.HumanValidated
		c.Scoring.HumanValidated = &v
	}
	if i.RawPayloads != nil {
		c.RawPayloads = make(map[string]json.RawMessage, len(i.RawPayloads))
		for k, v := range i.RawPayloads {
			c.RawPayloads[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &c
}

// HasTag reports whether the indicator carries the tag
func (i *Indicator) HasTag(tag string) bool {
	tag = strings.ToLower(tag)
	idx := sort.SearchStrings(i.Tags, tag)
	return idx < len(i.Tags) && i.Tags[idx] == tag
}

// RankScore is the search ranking key
func (i *Indicator) RankScore() float64 {
	return i.Confidence * i.Scoring.Threat
}

// Enrichment is the per-indicator result of the enrichment pipeline
type Enrichment struct {
	IndicatorID uuid.UUID         `json:"indicator_id"`
	TenantID    string            `json:"-"`
	Stages      []StageOutcome    `json:"stages"`
	Attribution []AttributionHint `json:"attribution,omitempty"`
	Derived     []Derivation      `json:"derived,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Derivation is an indicator synthesized from the enriched one. Indicator
// carries the record to upsert and is not persisted.
type Derivation struct {
	Kind      IndicatorKind `json:"kind"`
	Value     string        `json:"value"`
	Edge      EdgeType      `json:"edge"`
	Indicator *Indicator    `json:"-"`
}

// StageOutcome records a single enrichment stage execution
type StageOutcome struct {
	Stage    string        `json:"stage"`
	OK       bool          `json:"ok"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

// Failed returns the names of failed stages
func (e *Enrichment) Failed() []string {
	var out []string
	for _, s := range e.Stages {
		if !s.OK {
			out = append(out, s.Stage)
		}
	}
	return out
}

// AttributionHint is a provisional actor or campaign attribution
type AttributionHint struct {
	Target     EntityRef `json:"target"`
	Name       string    `json:"name"`
	Rule       string    `json:"rule"`
	Confidence float64   `json:"confidence"`
}

// AuditAction names an audit log entry
type AuditAction string

const (
	AuditConflict AuditAction = "conflict"
	AuditDelete   AuditAction = "delete"
)

// AuditEntry preserves data that could not be merged into a record
type AuditEntry struct {
	IndicatorID uuid.UUID       `json:"indicator_id"`
	TenantID    string          `json:"-"`
	Action      AuditAction     `json:"action"`
	FeedID      string          `json:"feed_id,omitempty"`
	Reason      string          `json:"reason"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	At          time.Time       `json:"at"`
}

// ClampUnit bounds v to [0,1]
func ClampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// CombineConfidence applies probabilistic OR: 1 - prod(1 - c_i)
func CombineConfidence(values ...float64) float64 {
	rest := 1.0
	for _, c := range values {
		rest *= 1 - ClampUnit(c)
	}
	return ClampUnit(1 - rest)
}

// MergeSet returns the sorted, de-duplicated union of set and values
func MergeSet(set []string, values ...string) []string {
	seen := make(map[string]struct{}, len(set)+len(values))
	out := make([]string, 0, len(set)+len(values))
	for _, v := range append(append([]string(nil), set...), values...) {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// NormalizeTags lowercases, trims and de-duplicates tags
func NormalizeTags(tags []string) []string {
	norm := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			norm = append(norm, t)
		}
	}
	return MergeSet(nil, norm...)
}
