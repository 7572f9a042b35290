// Package export renders indicator snapshots into interchange formats.
//
// Output is deterministic for a given snapshot: indicators are written in
// (kind, value) order, every timestamp comes from the records or from
// Options.GeneratedAt, and object ids are derived from content.
package export

import (
	"io"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"tiace/internal/domain/models"
)

// Supported formats
const (
	FormatSTIX = "stix"
	FormatMISP = "misp"
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatYARA = "yara"
)

// Options carries the snapshot context of one export
type Options struct {
	TenantID    string
	GeneratedAt time.Time
	// Producer names the exporting organization in STIX identities and MISP events
	Producer string

	Actors        []*models.ThreatActor
	Campaigns     []*models.Campaign
	Relationships []models.Relationship
}

func (o Options) producer() string {
	if o.Producer == "" {
		return "tiace"
	}
	return o.Producer
}

// Exporter writes one format
type Exporter interface {
	Format() string
	ContentType() string
	Extension() string
	Export(w io.Writer, inds []*models.Indicator, opts Options) error
}

// Registry maps format names onto exporters
type Registry struct {
	exporters map[string]Exporter
}

// NewRegistry returns a registry with every built-in format
func NewRegistry() *Registry {
	r := &Registry{exporters: make(map[string]Exporter)}
	for _, e := range []Exporter{
		NewSTIXExporter(),
		NewMISPExporter(),
		NewJSONExporter(),
		NewCSVExporter(),
		NewYARAExporter(),
	} {
		r.Register(e)
	}
	return r
}

// Register adds or replaces an exporter
func (r *Registry) Register(e Exporter) {
	r.exporters[e.Format()] = e
}

// Get returns the exporter for format
func (r *Registry) Get(format string) (Exporter, error) {
	e, ok := r.exporters[strings.ToLower(strings.TrimSpace(format))]
	if !ok {
		return nil, models.Errorf(models.KindValidation, "export", "unknown format %q", format)
	}
	return e, nil
}

// Formats lists the registered format names, sorted
func (r *Registry) Formats() []string {
	out := make([]string, 0, len(r.exporters))
	for f := range r.exporters {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Sorted returns a copy of inds in (kind, value) order
func Sorted(inds []*models.Indicator) []*models.Indicator {
	out := make([]*models.Indicator, 0, len(inds))
	for _, ind := range inds {
		if ind != nil {
			out = append(out, ind)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// relationshipsWithin keeps relationships whose endpoints are all exported,
// in (source, target, type) order
func relationshipsWithin(rels []models.Relationship, ids map[uuid.UUID]string) []models.Relationship {
	var out []models.Relationship
	for _, r := range rels {
		_, okS := ids[r.Source.ID]
		_, okT := ids[r.Target.ID]
		if okS && okT {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Source.ID != b.Source.ID {
			return a.Source.ID.String() < b.Source.ID.String()
		}
		if a.Target.ID != b.Target.ID {
			return a.Target.ID.String() < b.Target.ID.String()
		}
		return a.Type < b.Type
	})
	return out
}
