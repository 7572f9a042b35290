package parsers

import (
	"bytes"
	"encoding/json"

	"github.com/google/uuid"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
)

// JSONParser reads the canonical JSON document, or a bare array of
// canonical indicators
type JSONParser struct{}

// NewJSONParser creates the canonical JSON parser
func NewJSONParser() *JSONParser {
	return &JSONParser{}
}

// Name implements Parser
func (p *JSONParser) Name() string { return "json" }

// Parse implements Parser
func (p *JSONParser) Parse(rec sources.RawRecord, cfg *models.FeedConfiguration) (*ParseResult, error) {
	data := bytes.TrimSpace(rec.Data)
	if len(data) == 0 {
		return nil, models.Errorf(models.KindMalformed, "json_parse", "empty document")
	}
	var doc models.CanonicalDocument
	if data[0] == '[' {
		if err := json.Unmarshal(data, &doc.Indicators); err != nil {
			return nil, models.NewError(models.KindMalformed, "json_parse", err)
		}
	} else if err := json.Unmarshal(data, &doc); err != nil {
		return nil, models.NewError(models.KindMalformed, "json_parse", err)
	}

	res := NewResult(rec, cfg)
	refs := make(map[uuid.UUID]Ref)
	for _, ind := range doc.Indicators {
		if ind == nil {
			continue
		}
		id := ind.ID
		ind.ID = uuid.Nil
		ind.RawPayloads = nil
		if ref, ok := res.AddIndicator(ind); ok && id != uuid.Nil {
			refs[id] = ref
		}
	}
	for _, a := range doc.Actors {
		if a == nil || a.Name == "" {
			continue
		}
		id := a.ID
		a.ID = uuid.Nil
		ref := res.AddActor(a)
		if id != uuid.Nil {
			refs[id] = ref
		}
	}
	for _, c := range doc.Campaigns {
		if c == nil || c.Name == "" {
			continue
		}
		id, actor := c.ID, c.ActorID
		c.ID, c.ActorID = uuid.Nil, nil
		ref := res.AddCampaign(c)
		if id != uuid.Nil {
			refs[id] = ref
		}
		if actor != nil {
			if aref, ok := refs[*actor]; ok {
				res.Relate(ref, aref, models.EdgeAttributedTo, 1)
			}
		}
	}
	for _, rel := range doc.Relationships {
		if rel == nil {
			continue
		}
		src, ok1 := refs[rel.Source.ID]
		dst, ok2 := refs[rel.Target.ID]
		if !ok1 || !ok2 {
			res.Skip()
			continue
		}
		res.Relate(src, dst, rel.Type, rel.Confidence)
	}
	return res, nil
}
