package parsers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
)

// VendorParser maps commercial vendor JSON through FeedConfiguration.Vendor
type VendorParser struct{}

// NewVendorParser creates a vendor JSON parser
func NewVendorParser() *VendorParser {
	return &VendorParser{}
}

// Name implements Parser
func (p *VendorParser) Name() string { return "vendor-json" }

// Parse implements Parser
func (p *VendorParser) Parse(rec sources.RawRecord, cfg *models.FeedConfiguration) (*ParseResult, error) {
	m := cfg.Vendor
	if m == nil || m.ValueField == "" {
		return nil, models.Errorf(models.KindValidation, "vendor_parse", "feed %s has no vendor mapping", cfg.ID)
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(rec.Data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, models.NewError(models.KindMalformed, "vendor_parse", err)
	}
	items, ok := lookup(doc, m.ItemsPath).([]any)
	if !ok {
		return nil, models.Errorf(models.KindSchemaDrift, "vendor_parse", "items path %q is not a list", m.ItemsPath)
	}

	res := NewResult(rec, cfg)
	for i, item := range items {
		p.item(res, cfg, m, i, item)
	}
	return res, nil
}

func (p *VendorParser) item(res *ParseResult, cfg *models.FeedConfiguration, m *models.VendorMapping, i int, item any) {
	value := asString(lookup(item, m.ValueField))
	if value == "" {
		res.Fail(models.Errorf(models.KindSchemaDrift, "vendor_item", "item %d lacks %s", i, m.ValueField))
		return
	}

	ind := &models.Indicator{Value: value}
	switch {
	case m.FixedKind != "":
		ind.Kind, _ = models.ParseKind(m.FixedKind)
	case m.KindField != "":
		raw := asString(lookup(item, m.KindField))
		if alias, ok := m.KindAliases[raw]; ok {
			raw = alias
		}
		if k, ok := models.ParseKind(raw); ok {
			ind.Kind = k
		} else if raw != "" {
			ind.Kind = models.CustomKind(raw)
		}
	}
	if ind.Kind == "" && cfg.DefaultKind != "" {
		ind.Kind, _ = models.ParseKind(cfg.DefaultKind)
	}

	if m.ConfidenceField != "" {
		if c, ok := asFloat(lookup(item, m.ConfidenceField)); ok {
			scale := m.ConfidenceScale
			if scale <= 0 {
				scale = 1
				if c > 1 {
					scale = 100
				}
			}
			ind.Confidence = models.ClampUnit(c / scale)
		}
	}
	if m.SeverityField != "" {
		switch v := lookup(item, m.SeverityField).(type) {
		case string:
			ind.Severity = models.ParseSeverity(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				if f > 1 {
					f /= 100
				}
				ind.Severity = models.SeverityFromScore(f)
			}
		}
	}
	if m.TagsField != "" {
		switch v := lookup(item, m.TagsField).(type) {
		case []any:
			for _, t := range v {
				ind.Tags = append(ind.Tags, asString(t))
			}
		case string:
			ind.Tags = append(ind.Tags, splitTags(v)...)
		}
	}
	if m.FirstSeenField != "" {
		ind.FirstSeen, _ = parseTime(asString(lookup(item, m.FirstSeenField)))
	}
	if m.LastSeenField != "" {
		ind.LastSeen, _ = parseTime(asString(lookup(item, m.LastSeenField)))
	}
	if m.OrgField != "" {
		if org := asString(lookup(item, m.OrgField)); org != "" {
			ind.Tags = append(ind.Tags, OrgTagPrefix+strings.ToLower(org))
		}
	}
	if raw, err := json.Marshal(item); err == nil {
		keepRaw(ind, cfg.ID, raw)
	}

	ref, ok := res.AddIndicator(ind)
	if !ok {
		return
	}
	if m.ActorField != "" {
		if name := asString(lookup(item, m.ActorField)); name != "" {
			actor := res.AddActor(&models.ThreatActor{Name: name})
			res.Relate(ref, actor, models.EdgeAttributedTo, ind.Confidence)
		}
	}
}

// lookup walks a dot separated path through nested objects
func lookup(doc any, path string) any {
	if path == "" {
		return doc
	}
	cur := doc
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = obj[part]
	}
	return cur
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}

func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	case float64:
		return t, true
	}
	return 0, false
}
