package parsers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
)

// mispConfidence applies when the feed configures no default
const mispConfidence = 0.75

// MISPEvent is the MISP event document
type MISPEvent struct {
	ID          string          `json:"id"`
	UUID        string          `json:"uuid"`
	Info        string          `json:"info"`
	Date        string          `json:"date"`
	Timestamp   string          `json:"timestamp"`
	ThreatLevel string          `json:"threat_level_id"`
	Analysis    string          `json:"analysis"`
	Orgc        *MISPOrg        `json:"Orgc,omitempty"`
	Attribute   []MISPAttribute `json:"Attribute"`
	Object      []MISPObject    `json:"Object,omitempty"`
	Tag         []MISPTag       `json:"Tag,omitempty"`
	Galaxy      []MISPGalaxy    `json:"Galaxy,omitempty"`
}

// MISPOrg is the creating organization
type MISPOrg struct {
	Name string `json:"name"`
}

// MISPAttribute is one attribute of an event or object
type MISPAttribute struct {
	UUID      string    `json:"uuid"`
	Type      string    `json:"type"`
	Category  string    `json:"category"`
	Value     string    `json:"value"`
	Comment   string    `json:"comment,omitempty"`
	ToIDS     bool      `json:"to_ids"`
	Deleted   bool      `json:"deleted,omitempty"`
	Timestamp string    `json:"timestamp"`
	FirstSeen string    `json:"first_seen,omitempty"`
	LastSeen  string    `json:"last_seen,omitempty"`
	Tag       []MISPTag `json:"Tag,omitempty"`
}

// MISPObject groups attributes describing one thing
type MISPObject struct {
	Name      string          `json:"name"`
	Attribute []MISPAttribute `json:"Attribute"`
}

// MISPTag is a tag on an event or attribute
type MISPTag struct {
	Name string `json:"name"`
}

// MISPGalaxy is a galaxy with its attached clusters
type MISPGalaxy struct {
	Name          string              `json:"name"`
	Type          string              `json:"type"`
	GalaxyCluster []MISPGalaxyCluster `json:"GalaxyCluster,omitempty"`
}

// MISPGalaxyCluster is one galaxy entry, e.g. a threat actor
type MISPGalaxyCluster struct {
	Value       string              `json:"value"`
	Description string              `json:"description,omitempty"`
	Type        string              `json:"type,omitempty"`
	Meta        map[string][]string `json:"meta,omitempty"`
}

// MISPParser reads MISP events. It accepts {"Event": ...}, a bare event or a
// restSearch {"response": [...]} page.
type MISPParser struct{}

// NewMISPParser creates a MISP parser
func NewMISPParser() *MISPParser {
	return &MISPParser{}
}

// Name implements Parser
func (p *MISPParser) Name() string { return "misp" }

// Parse implements Parser
func (p *MISPParser) Parse(rec sources.RawRecord, cfg *models.FeedConfiguration) (*ParseResult, error) {
	events, err := mispEvents(rec.Data)
	if err != nil {
		return nil, err
	}
	res := NewResult(rec, cfg)
	for _, ev := range events {
		p.parseEvent(res, cfg, ev)
	}
	return res, nil
}

func mispEvents(data []byte) ([]MISPEvent, error) {
	data = bytes.TrimSpace(data)
	var page struct {
		Response []json.RawMessage `json:"response"`
		Event    *MISPEvent        `json:"Event"`
	}
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, models.NewError(models.KindMalformed, "misp", err)
	}
	switch {
	case page.Event != nil:
		return []MISPEvent{*page.Event}, nil
	case page.Response != nil:
		var out []MISPEvent
		for _, raw := range page.Response {
			evs, err := mispEvents(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, evs...)
		}
		return out, nil
	}
	var ev MISPEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, models.NewError(models.KindMalformed, "misp", err)
	}
	if ev.UUID == "" && ev.Info == "" && len(ev.Attribute) == 0 {
		return nil, models.Errorf(models.KindSchemaDrift, "misp", "document is not a MISP event")
	}
	return []MISPEvent{ev}, nil
}

// mispSeverity maps threat_level_id onto severity
func mispSeverity(level string) models.Severity {
	switch level {
	case "1":
		return models.SeverityCritical
	case "2":
		return models.SeverityHigh
	case "3":
		return models.SeverityMedium
	case "4":
		return models.SeverityLow
	}
	return models.SeverityMedium
}

// cleanTag lowercases and flattens a MISP tag, e.g. "tlp:white" -> "tlp_white"
func cleanTag(name string) string {
	t := strings.ToLower(strings.TrimSpace(name))
	t = strings.ReplaceAll(t, ":", "_")
	t = strings.ReplaceAll(t, " ", "-")
	t = strings.ReplaceAll(t, `"`, "")
	if len(t) > 50 {
		return ""
	}
	return t
}

type galaxyLinks struct {
	actors    []Ref
	campaigns []Ref
	tags      []string
	ttps      []string
	families  []string
}

func (p *MISPParser) parseEvent(res *ParseResult, cfg *models.FeedConfiguration, ev MISPEvent) {
	severity := mispSeverity(ev.ThreatLevel)
	confidence := mispConfidence
	if cfg.DefaultConfidence > 0 {
		confidence = cfg.DefaultConfidence
	}

	eventDate, _ := parseTime(ev.Date)
	eventTags := []string{"misp"}
	for _, t := range ev.Tag {
		if c := cleanTag(t.Name); c != "" {
			eventTags = append(eventTags, c)
		}
	}
	if ev.Orgc != nil && ev.Orgc.Name != "" {
		eventTags = append(eventTags, OrgTagPrefix+strings.ToLower(ev.Orgc.Name))
	}
	links := p.galaxies(res, ev)
	eventTags = append(eventTags, links.tags...)

	for _, obj := range ev.Object {
		// attributes of one object describe the same artefact
		var refs []Ref
		for _, a := range obj.Attribute {
			refs = append(refs, p.attribute(res, ev, a, severity, confidence, eventDate, eventTags, links)...)
		}
		for i := 1; i < len(refs); i++ {
			res.Relate(refs[0], refs[i], models.EdgeRelatedTo, confidence)
		}
	}
	for _, a := range ev.Attribute {
		p.attribute(res, ev, a, severity, confidence, eventDate, eventTags, links)
	}

	if len(links.ttps) > 0 || len(links.families) > 0 {
		for _, ref := range links.campaigns {
			i := res.campaigns[ref.Key]
			c := res.Campaigns[i]
			c.TTPs = models.MergeSet(c.TTPs, links.ttps...)
			c.MalwareFamily = models.MergeSet(c.MalwareFamily, links.families...)
		}
	}
	for _, c := range links.campaigns {
		for _, a := range links.actors {
			res.Relate(c, a, models.EdgeAttributedTo, confidence)
		}
	}
}

// galaxies extracts actors, campaigns, techniques and malware families
func (p *MISPParser) galaxies(res *ParseResult, ev MISPEvent) galaxyLinks {
	var l galaxyLinks
	for _, g := range ev.Galaxy {
		gtype := strings.ToLower(g.Type)
		for _, gc := range g.GalaxyCluster {
			if gc.Value == "" {
				continue
			}
			switch {
			case gtype == "threat-actor" || gtype == "mitre-intrusion-set" || gtype == "microsoft-activity-group":
				a := &models.ThreatActor{
					Name:    gc.Value,
					Aliases: gc.Meta["synonyms"],
				}
				if c := gc.Meta["country"]; len(c) > 0 {
					a.OriginHint = c[0]
				}
				for _, m := range gc.Meta["motive"] {
					if mot := models.ParseMotivation(m); mot != models.MotivationUnknown {
						a.Motivations = append(a.Motivations, mot)
					}
				}
				l.actors = append(l.actors, res.AddActor(a))
			case strings.Contains(gtype, "attack-pattern"):
				l.ttps = append(l.ttps, gc.Value)
				if id := mitreID(gc.Value); id != "" {
					l.tags = append(l.tags, "mitre:"+strings.ToLower(id))
				}
			case strings.Contains(gtype, "malware") || gtype == "ransomware" || gtype == "tool" || gtype == "banker" || gtype == "rat":
				l.families = append(l.families, gc.Value)
				l.tags = append(l.tags, "malware:"+strings.ToLower(gc.Value))
			case gtype == "campaign" || strings.Contains(gtype, "campaign"):
				c := &models.Campaign{Name: gc.Value, Description: gc.Description}
				l.campaigns = append(l.campaigns, res.AddCampaign(c))
			}
		}
	}
	return l
}

// mitreID extracts T1234 or T1234.001 from a cluster value like
// "Spearphishing Link - T1566.002"
func mitreID(v string) string {
	for _, f := range strings.FieldsFunc(v, func(r rune) bool { return r == ' ' || r == '-' || r == '"' }) {
		if len(f) >= 5 && f[0] == 'T' {
			if _, err := strconv.Atoi(strings.ReplaceAll(f[1:], ".", "")); err == nil {
				return f
			}
		}
	}
	return ""
}

// attribute emits the indicators of one attribute. Composite types such as
// "domain|ip" or "filename|sha256" yield one indicator per mapped part.
func (p *MISPParser) attribute(res *ParseResult, ev MISPEvent, a MISPAttribute, severity models.Severity,
	confidence float64, eventDate time.Time, eventTags []string, links galaxyLinks) []Ref {
	if a.Deleted {
		return nil
	}
	if !a.ToIDS {
		res.Skip()
		return nil
	}
	if a.Value == "" {
		res.Fail(models.Errorf(models.KindSchemaDrift, "misp_attribute", "attribute %s has no value", a.UUID))
		return nil
	}

	types := strings.Split(a.Type, "|")
	values := strings.Split(a.Value, "|")
	if len(types) != len(values) {
		types, values = types[:1], []string{a.Value}
	}

	var ports []int
	var hashes []string
	type part struct {
		kind  models.IndicatorKind
		value string
	}
	var parts []part
	for i, t := range types {
		switch t {
		case "port":
			if n, err := strconv.Atoi(values[i]); err == nil {
				ports = append(ports, n)
			}
			continue
		case "filename", "comment", "text", "datetime":
			continue
		}
		kind := MISPKind(t)
		if kind == models.KindHash {
			hashes = append(hashes, values[i])
		}
		parts = append(parts, part{kind: kind, value: values[i]})
	}
	if len(parts) == 0 {
		res.Skip()
		return nil
	}

	first, last := eventDate, eventDate
	if ts, ok := parseTime(a.Timestamp); ok {
		last = ts
	}
	if ts, ok := parseTime(a.FirstSeen); ok {
		first = ts
	}
	if ts, ok := parseTime(a.LastSeen); ok {
		last = ts
	}
	if first.IsZero() {
		first = last
	}

	tags := append([]string(nil), eventTags...)
	if a.Category != "" {
		tags = append(tags, strings.ToLower(a.Category))
	}
	for _, t := range a.Tag {
		if c := cleanTag(t.Name); c != "" {
			tags = append(tags, c)
		}
	}
	description := fmt.Sprintf("MISP: %s", ev.Info)
	if a.Comment != "" {
		description = fmt.Sprintf("%s - %s", description, a.Comment)
	}
	raw, _ := json.Marshal(a)

	var refs []Ref
	for _, pt := range parts {
		ind := &models.Indicator{
			Kind:        pt.kind,
			Value:       pt.value,
			Confidence:  confidence,
			Severity:    severity,
			FirstSeen:   first,
			LastSeen:    last,
			Tags:        append([]string(nil), tags...),
			Description: description,
		}
		if pt.kind == models.KindIP || pt.kind == models.KindURL || pt.kind == models.KindDomain {
			ind.Context.Ports = ports
		}
		if pt.kind != models.KindHash {
			ind.Hashes = hashes
		}
		keepRaw(ind, res.feedID, raw)
		ref, ok := res.AddIndicator(ind)
		if !ok {
			continue
		}
		refs = append(refs, ref)
		for _, actor := range links.actors {
			res.Relate(ref, actor, models.EdgeAttributedTo, confidence)
		}
		for _, c := range links.campaigns {
			res.Relate(ref, c, models.EdgeAttributedTo, confidence)
		}
	}
	for i := 1; i < len(refs); i++ {
		res.Relate(refs[0], refs[i], models.EdgeRelatedTo, confidence)
	}
	return refs
}

// MISPKind maps a MISP attribute type onto an indicator kind. Unknown types
// degrade to custom kinds named after the type.
func MISPKind(t string) models.IndicatorKind {
	switch t {
	case "domain", "hostname":
		return models.KindDomain
	case "ip-dst", "ip-src", "ip":
		return models.KindIP
	case "url", "link", "uri":
		return models.KindURL
	case "md5", "sha1", "sha224", "sha256", "sha384", "sha512", "sha512/256", "authentihash", "imphash":
		return models.KindHash
	case "email-src", "email-dst", "email", "email-reply-to", "whois-registrant-email":
		return models.KindEmail
	case "user-agent":
		return models.KindUserAgent
	case "mutex":
		return models.KindMutex
	case "x509-fingerprint-sha256", "x509-fingerprint-sha1", "x509-fingerprint-md5":
		return models.KindCertFingerprint
	case "AS":
		return models.KindASN
	case "ip-dst/netmask", "ip-src/netmask":
		return models.KindCIDR
	case "vulnerability":
		return models.CustomKind("cve")
	}
	return models.CustomKind(t)
}
