package parsers

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
)

// STIXParser reads STIX 2.x bundles, TAXII envelopes and bare object lists
type STIXParser struct{}

// NewSTIXParser creates a STIX parser
func NewSTIXParser() *STIXParser {
	return &STIXParser{}
}

// Name implements Parser
func (p *STIXParser) Name() string { return "stix2" }

type stixHeader struct {
	Type    models.STIXType   `json:"type"`
	ID      string            `json:"id"`
	Revoked bool              `json:"revoked"`
	Objects []json.RawMessage `json:"objects"`
}

// Parse implements Parser
func (p *STIXParser) Parse(rec sources.RawRecord, cfg *models.FeedConfiguration) (*ParseResult, error) {
	objects, err := stixObjects(rec.Data)
	if err != nil {
		return nil, err
	}
	res := NewResult(rec, cfg)
	s := &stixState{
		res:     res,
		feedID:  cfg.ID,
		refs:    make(map[string][]Ref),
		malware: make(map[string]string),
	}
	var rels []models.STIXRelationship
	for _, raw := range objects {
		var h stixHeader
		if err := json.Unmarshal(raw, &h); err != nil {
			res.Fail(models.NewError(models.KindMalformed, "stix_object", err))
			continue
		}
		if h.Revoked {
			res.Skip()
			continue
		}
		switch h.Type {
		case models.STIXTypeIndicator:
			s.indicator(raw)
		case models.STIXTypeThreatActor, models.STIXTypeIntrusionSet:
			s.actor(raw)
		case models.STIXTypeCampaign:
			s.campaign(raw)
		case models.STIXTypeMalware:
			var m models.STIXMalware
			if err := json.Unmarshal(raw, &m); err == nil && m.Name != "" {
				s.malware[m.ID] = m.Name
			}
		case models.STIXTypeRelationship:
			var r models.STIXRelationship
			if err := json.Unmarshal(raw, &r); err != nil {
				res.Fail(models.NewError(models.KindMalformed, "stix_relationship", err))
				continue
			}
			rels = append(rels, r)
		case models.STIXTypeDomainName, models.STIXTypeIPv4Addr, models.STIXTypeIPv6Addr,
			models.STIXTypeURL, models.STIXTypeFile, models.STIXTypeEmailAddr,
			models.STIXTypeMutex, models.STIXTypeASN, models.STIXTypeX509:
			s.observable(raw)
		}
	}
	for _, r := range rels {
		s.relationship(r)
	}
	return res, nil
}

// stixObjects unwraps the container around the object list
func stixObjects(data []byte) ([]json.RawMessage, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, models.Errorf(models.KindMalformed, "stix", "empty document")
	}
	if data[0] == '[' {
		var list []json.RawMessage
		if err := json.Unmarshal(data, &list); err != nil {
			return nil, models.NewError(models.KindMalformed, "stix", err)
		}
		return list, nil
	}
	var h stixHeader
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, models.NewError(models.KindMalformed, "stix", err)
	}
	switch {
	case h.Objects != nil:
		return h.Objects, nil
	case h.Type != "" && h.Type != models.STIXTypeBundle:
		return []json.RawMessage{data}, nil
	}
	return nil, models.Errorf(models.KindSchemaDrift, "stix", "document has neither objects nor a type")
}

type stixState struct {
	res     *ParseResult
	feedID  string
	refs    map[string][]Ref
	malware map[string]string
}

func stixConfidence(c *int) float64 {
	if c == nil {
		return 0
	}
	return models.ClampUnit(float64(*c) / 100)
}

func (s *stixState) indicator(raw json.RawMessage) {
	var in models.STIXIndicator
	if err := json.Unmarshal(raw, &in); err != nil {
		s.res.Fail(models.NewError(models.KindMalformed, "stix_indicator", err))
		return
	}
	if in.Pattern == "" {
		s.res.Fail(models.Errorf(models.KindSchemaDrift, "stix_indicator", "%s has no pattern", in.ID))
		return
	}
	if in.PatternType != "" && in.PatternType != "stix" {
		s.res.Skip()
		return
	}
	terms := models.ParseSTIXPattern(in.Pattern)
	if len(terms) == 0 {
		s.res.Fail(models.Errorf(models.KindSchemaDrift, "stix_indicator", "no comparable terms in %s", in.ID))
		return
	}

	var hashes []string
	for _, t := range terms {
		if t.Kind == models.KindHash {
			hashes = append(hashes, t.Value)
		}
	}
	first := in.ValidFrom
	if first.IsZero() {
		first = in.Created
	}
	last := in.Modified
	if in.XLastSeen != nil {
		last = *in.XLastSeen
	}
	tags := append(append([]string(nil), in.Labels...), in.IndicatorTypes...)

	for _, t := range terms {
		ind := &models.Indicator{
			Kind:        t.Kind,
			Value:       t.Value,
			Confidence:  stixConfidence(in.Confidence),
			Severity:    models.Severity(strings.ToLower(in.XSeverity)),
			FirstSeen:   first,
			LastSeen:    last,
			SourceFeeds: append([]string(nil), in.XSourceFeeds...),
			Tags:        append([]string(nil), tags...),
			Description: firstNonEmpty(in.Description, in.Name),
		}
		if t.Kind != models.KindHash {
			ind.Hashes = append([]string(nil), hashes...)
		}
		keepRaw(ind, s.feedID, raw)
		if ref, ok := s.res.AddIndicator(ind); ok {
			s.refs[in.ID] = append(s.refs[in.ID], ref)
		}
	}
}

func (s *stixState) observable(raw json.RawMessage) {
	var o models.STIXObservable
	if err := json.Unmarshal(raw, &o); err != nil {
		s.res.Fail(models.NewError(models.KindMalformed, "stix_observable", err))
		return
	}
	add := func(kind models.IndicatorKind, value string) {
		if value == "" {
			return
		}
		ind := &models.Indicator{Kind: kind, Value: value}
		if ref, ok := s.res.AddIndicator(ind); ok {
			s.refs[o.ID] = append(s.refs[o.ID], ref)
		}
	}
	switch o.Type {
	case models.STIXTypeDomainName:
		add(models.KindDomain, o.Value)
	case models.STIXTypeIPv4Addr, models.STIXTypeIPv6Addr:
		if strings.Contains(o.Value, "/") {
			add(models.KindCIDR, o.Value)
		} else {
			add(models.KindIP, o.Value)
		}
	case models.STIXTypeURL:
		add(models.KindURL, o.Value)
	case models.STIXTypeEmailAddr:
		add(models.KindEmail, o.Value)
	case models.STIXTypeMutex:
		add(models.KindMutex, o.Name)
	case models.STIXTypeASN:
		if o.Number > 0 {
			add(models.KindASN, "AS"+strconv.FormatInt(o.Number, 10))
		}
	case models.STIXTypeFile:
		for _, h := range sortedValues(o.Hashes) {
			add(models.KindHash, h)
		}
	case models.STIXTypeX509:
		for _, h := range sortedValues(o.Hashes) {
			add(models.KindCertFingerprint, h)
		}
	}
}

func (s *stixState) actor(raw json.RawMessage) {
	var ta models.STIXThreatActor
	if err := json.Unmarshal(raw, &ta); err != nil {
		s.res.Fail(models.NewError(models.KindMalformed, "stix_threat_actor", err))
		return
	}
	if ta.Name == "" {
		s.res.Fail(models.Errorf(models.KindSchemaDrift, "stix_threat_actor", "%s has no name", ta.ID))
		return
	}
	a := &models.ThreatActor{
		Name:           ta.Name,
		Aliases:        ta.Aliases,
		Sophistication: models.ParseSophistication(ta.Sophistication),
		OriginHint:     ta.Country,
		FirstActivity:  ta.FirstSeen,
		LastActivity:   ta.LastSeen,
	}
	for _, m := range append([]string{ta.PrimaryMotivation}, ta.SecondaryMotivations...) {
		if m == "" {
			continue
		}
		if mot := models.ParseMotivation(m); mot != models.MotivationUnknown {
			a.Motivations = append(a.Motivations, mot)
		}
	}
	s.refs[ta.ID] = append(s.refs[ta.ID], s.res.AddActor(a))
}

func (s *stixState) campaign(raw json.RawMessage) {
	var sc models.STIXCampaign
	if err := json.Unmarshal(raw, &sc); err != nil {
		s.res.Fail(models.NewError(models.KindMalformed, "stix_campaign", err))
		return
	}
	if sc.Name == "" {
		s.res.Fail(models.Errorf(models.KindSchemaDrift, "stix_campaign", "%s has no name", sc.ID))
		return
	}
	c := &models.Campaign{
		Name:        sc.Name,
		Description: sc.Description,
		Impact:      sc.Objective,
		Start:       sc.FirstSeen,
		End:         sc.LastSeen,
	}
	s.refs[sc.ID] = append(s.refs[sc.ID], s.res.AddCampaign(c))
}

func (s *stixState) relationship(r models.STIXRelationship) {
	confidence := stixConfidence(r.Confidence)
	if confidence == 0 {
		confidence = s.res.confidence
	}

	// malware objects are folded into tags and campaign families
	if family, ok := s.malware[r.TargetRef]; ok {
		s.tagMalware(s.refs[r.SourceRef], family)
		return
	}
	if family, ok := s.malware[r.SourceRef]; ok {
		s.tagMalware(s.refs[r.TargetRef], family)
		return
	}

	srcs, dsts := s.refs[r.SourceRef], s.refs[r.TargetRef]
	if len(srcs) == 0 || len(dsts) == 0 {
		s.res.Skip()
		return
	}
	for _, src := range srcs {
		for _, dst := range dsts {
			t := models.ParseEdgeType(r.RelationshipType)
			if src.Kind == models.EntityIndicator && dst.Kind != models.EntityIndicator {
				switch t {
				case models.EdgeIndicatesPresenceOf, models.EdgeAttributedTo, models.EdgeRelatedTo:
					t = models.EdgeAttributedTo
				}
			}
			s.res.Relate(src, dst, t, confidence)
		}
	}
}

func (s *stixState) tagMalware(refs []Ref, family string) {
	tag := "malware:" + strings.ToLower(family)
	for _, ref := range refs {
		switch ref.Kind {
		case models.EntityIndicator:
			if ind, ok := s.res.Indicator(ref); ok {
				ind.Tags = models.MergeSet(ind.Tags, tag)
			}
		case models.EntityCampaign:
			if i, ok := s.res.campaigns[ref.Key]; ok {
				c := s.res.Campaigns[i]
				c.MalwareFamily = models.MergeSet(c.MalwareFamily, family)
			}
		}
	}
}

func sortedValues(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	return models.MergeSet(nil, out...)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
