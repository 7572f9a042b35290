package export

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"tiace/internal/domain/models"
)

// STIXExporter writes a STIX 2.1 bundle
type STIXExporter struct{}

// NewSTIXExporter creates the STIX exporter
func NewSTIXExporter() *STIXExporter { return &STIXExporter{} }

func (e *STIXExporter) Format() string      { return FormatSTIX }
func (e *STIXExporter) ContentType() string { return models.STIXMediaType }
func (e *STIXExporter) Extension() string   { return "json" }

// Export implements Exporter
func (e *STIXExporter) Export(w io.Writer, inds []*models.Indicator, opts Options) error {
	at := opts.GeneratedAt.UTC()
	identity := models.STIXIdentity{
		STIXCommon:    common(models.STIXTypeIdentity, "producer|"+opts.producer(), at, at),
		Name:          opts.producer(),
		IdentityClass: "organization",
	}

	objects := []any{identity}
	refs := make(map[uuid.UUID]string)

	for _, ind := range Sorted(inds) {
		obj := IndicatorToSTIX(ind, identity.ID)
		refs[ind.ID] = obj.ID
		objects = append(objects, obj)
	}
	for _, a := range opts.Actors {
		obj := ActorToSTIX(a, identity.ID, at)
		refs[a.ID] = obj.ID
		objects = append(objects, obj)
	}
	for _, c := range opts.Campaigns {
		obj := CampaignToSTIX(c, identity.ID, at)
		refs[c.ID] = obj.ID
		objects = append(objects, obj)
	}
	for _, r := range relationshipsWithin(opts.Relationships, refs) {
		src, dst := refs[r.Source.ID], refs[r.Target.ID]
		relType := strings.TrimPrefix(string(r.Type), "custom:")
		created := r.CreatedAt
		if created.IsZero() {
			created = at
		}
		rel := models.STIXRelationship{
			STIXCommon:       common(models.STIXTypeRelationship, src+"|"+relType+"|"+dst, created, created),
			RelationshipType: relType,
			SourceRef:        src,
			TargetRef:        dst,
		}
		rel.CreatedByRef = identity.ID
		rel.Confidence = stixConfidence(r.Confidence)
		objects = append(objects, rel)
	}

	bundle := models.STIXBundle{
		Type:    models.STIXTypeBundle,
		ID:      models.DeterministicSTIXID(models.STIXTypeBundle, opts.TenantID+"|"+at.Format(time.RFC3339Nano)),
		Objects: make([]json.RawMessage, 0, len(objects)),
	}
	for _, obj := range objects {
		raw, err := json.Marshal(obj)
		if err != nil {
			return models.NewError(models.KindSerialization, "export_stix", err)
		}
		bundle.Objects = append(bundle.Objects, raw)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&bundle); err != nil {
		return models.NewError(models.KindSerialization, "export_stix", err)
	}
	return nil
}

func common(t models.STIXType, key string, created, modified time.Time) models.STIXCommon {
	return models.STIXCommon{
		Type:        t,
		SpecVersion: models.STIXSpecVersion,
		ID:          models.DeterministicSTIXID(t, key),
		Created:     created.UTC(),
		Modified:    modified.UTC(),
	}
}

func stixConfidence(c float64) *int {
	v := int(models.ClampUnit(c)*100 + 0.5)
	return &v
}

// IndicatorToSTIX converts an indicator; the id derives from its fingerprint
func IndicatorToSTIX(ind *models.Indicator, createdBy string) models.STIXIndicator {
	obj := models.STIXIndicator{
		STIXCommon:     common(models.STIXTypeIndicator, ind.Fingerprint().Hex(), ind.FirstSeen, ind.LastSeen),
		Name:           ind.Value,
		Description:    ind.Description,
		IndicatorTypes: indicatorTypes(ind),
		Pattern:        models.BuildSTIXPattern(ind.Kind, ind.Value),
		PatternType:    "stix",
		ValidFrom:      ind.FirstSeen.UTC(),
		XSeverity:      string(ind.Severity),
		XSourceFeeds:   ind.SourceFeeds,
	}
	last := ind.LastSeen.UTC()
	obj.XLastSeen = &last
	obj.CreatedByRef = createdBy
	obj.Labels = ind.Tags
	obj.Confidence = stixConfidence(ind.Confidence)
	return obj
}

// indicatorTypes maps tags onto the STIX indicator-type vocabulary
func indicatorTypes(ind *models.Indicator) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	for _, tag := range ind.Tags {
		switch {
		case strings.Contains(tag, "malware"), strings.Contains(tag, "phishing"),
			strings.Contains(tag, "c2"), strings.Contains(tag, "botnet"):
			add("malicious-activity")
		case strings.Contains(tag, "suspicious"):
			add("anomalous-activity")
		case strings.Contains(tag, "compromised"):
			add("compromised")
		case strings.HasPrefix(tag, "actor:"):
			add("attribution")
		}
	}
	if len(out) == 0 {
		if ind.Severity.Rank() >= models.SeverityHigh.Rank() {
			add("malicious-activity")
		} else {
			add("unknown")
		}
	}
	return out
}

// ActorToSTIX converts a threat actor; the id derives from its name
func ActorToSTIX(a *models.ThreatActor, createdBy string, at time.Time) models.STIXThreatActor {
	created, modified := orAt(a.CreatedAt, at), orAt(a.UpdatedAt, at)
	obj := models.STIXThreatActor{
		STIXCommon:     common(models.STIXTypeThreatActor, strings.ToLower(a.Name), created, modified),
		Name:           a.Name,
		Aliases:        a.Aliases,
		FirstSeen:      a.FirstActivity,
		LastSeen:       a.LastActivity,
		Sophistication: string(a.Sophistication),
		Country:        a.OriginHint,
	}
	if len(a.Motivations) > 0 {
		obj.PrimaryMotivation = string(a.Motivations[0])
		for _, m := range a.Motivations[1:] {
			obj.SecondaryMotivations = append(obj.SecondaryMotivations, string(m))
		}
	}
	obj.CreatedByRef = createdBy
	return obj
}

// CampaignToSTIX converts a campaign; the id derives from its name
func CampaignToSTIX(c *models.Campaign, createdBy string, at time.Time) models.STIXCampaign {
	created, modified := orAt(c.CreatedAt, at), orAt(c.UpdatedAt, at)
	obj := models.STIXCampaign{
		STIXCommon:  common(models.STIXTypeCampaign, strings.ToLower(c.Name), created, modified),
		Name:        c.Name,
		Description: c.Description,
		FirstSeen:   c.Start,
		LastSeen:    c.End,
		Objective:   c.Impact,
	}
	obj.CreatedByRef = createdBy
	obj.Labels = c.Targets
	return obj
}

func orAt(t, at time.Time) time.Time {
	if t.IsZero() {
		return at
	}
	return t
}
