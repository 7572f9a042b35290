package export

import (
	"encoding/json"
	"io"

	"github.com/google/uuid"

	"tiace/internal/domain/models"
)

// JSONExporter writes the canonical document read back by the json parser
type JSONExporter struct{}

// NewJSONExporter creates the canonical JSON exporter
func NewJSONExporter() *JSONExporter { return &JSONExporter{} }

func (e *JSONExporter) Format() string      { return FormatJSON }
func (e *JSONExporter) ContentType() string { return "application/json" }
func (e *JSONExporter) Extension() string   { return "json" }

// Export implements Exporter. Raw feed payloads are not exported.
func (e *JSONExporter) Export(w io.Writer, inds []*models.Indicator, opts Options) error {
	doc := models.CanonicalDocument{
		GeneratedAt: opts.GeneratedAt.UTC(),
		Indicators:  make([]*models.Indicator, 0, len(inds)),
		Actors:      opts.Actors,
		Campaigns:   opts.Campaigns,
	}
	ids := make(map[uuid.UUID]string)
	for _, ind := range Sorted(inds) {
		c := ind.Clone()
		c.RawPayloads = nil
		doc.Indicators = append(doc.Indicators, c)
		ids[c.ID] = ""
	}
	for _, a := range opts.Actors {
		ids[a.ID] = ""
	}
	for _, c := range opts.Campaigns {
		ids[c.ID] = ""
	}
	for _, r := range relationshipsWithin(opts.Relationships, ids) {
		r := r
		doc.Relationships = append(doc.Relationships, &r)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(&doc); err != nil {
		return models.NewError(models.KindSerialization, "export_json", err)
	}
	return nil
}
