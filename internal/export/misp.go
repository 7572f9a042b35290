package export

import (
	"encoding/json"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"

	"tiace/internal/domain/models"
	"tiace/internal/parsers"
)

var mispNamespace = uuid.MustParse("5f0c8f8e-3a7b-4e7f-9a59-6b2f0d1c2e31")

// MISPExporter writes one MISP event holding every indicator as an attribute
type MISPExporter struct{}

// NewMISPExporter creates the MISP exporter
func NewMISPExporter() *MISPExporter { return &MISPExporter{} }

func (e *MISPExporter) Format() string      { return FormatMISP }
func (e *MISPExporter) ContentType() string { return "application/json" }
func (e *MISPExporter) Extension() string   { return "json" }

// Export implements Exporter
func (e *MISPExporter) Export(w io.Writer, inds []*models.Indicator, opts Options) error {
	at := opts.GeneratedAt.UTC()
	sorted := Sorted(inds)

	severity := models.SeverityInfo
	for _, ind := range sorted {
		severity = models.MaxSeverity(severity, ind.Severity)
	}

	ev := parsers.MISPEvent{
		UUID:        uuid.NewSHA1(mispNamespace, []byte("event|"+opts.TenantID+"|"+at.Format(time.RFC3339Nano))).String(),
		Info:        "tiace export " + opts.TenantID,
		Date:        at.Format("2006-01-02"),
		Timestamp:   strconv.FormatInt(at.Unix(), 10),
		ThreatLevel: mispThreatLevel(severity),
		Analysis:    "2",
		Orgc:        &parsers.MISPOrg{Name: opts.producer()},
		Attribute:   make([]parsers.MISPAttribute, 0, len(sorted)),
	}
	for _, ind := range sorted {
		fp := ind.Fingerprint()
		attr := parsers.MISPAttribute{
			UUID:      uuid.NewSHA1(mispNamespace, fp[:]).String(),
			Type:      MISPType(ind.Kind, ind.Value),
			Category:  mispCategory(ind.Kind),
			Value:     ind.Value,
			Comment:   ind.Description,
			ToIDS:     true,
			Timestamp: strconv.FormatInt(ind.LastSeen.Unix(), 10),
			FirstSeen: ind.FirstSeen.UTC().Format(time.RFC3339),
			LastSeen:  ind.LastSeen.UTC().Format(time.RFC3339),
		}
		for _, t := range ind.Tags {
			attr.Tag = append(attr.Tag, parsers.MISPTag{Name: t})
		}
		ev.Attribute = append(ev.Attribute, attr)
	}

	if len(opts.Actors) > 0 {
		g := parsers.MISPGalaxy{Name: "Threat Actor", Type: "threat-actor"}
		for _, a := range opts.Actors {
			gc := parsers.MISPGalaxyCluster{Value: a.Name, Meta: map[string][]string{}}
			if len(a.Aliases) > 0 {
				gc.Meta["synonyms"] = a.Aliases
			}
			if a.OriginHint != "" {
				gc.Meta["country"] = []string{a.OriginHint}
			}
			for _, m := range a.Motivations {
				gc.Meta["motive"] = append(gc.Meta["motive"], string(m))
			}
			g.GalaxyCluster = append(g.GalaxyCluster, gc)
		}
		ev.Galaxy = append(ev.Galaxy, g)
	}
	if len(opts.Campaigns) > 0 {
		g := parsers.MISPGalaxy{Name: "Campaign", Type: "campaign"}
		for _, c := range opts.Campaigns {
			g.GalaxyCluster = append(g.GalaxyCluster, parsers.MISPGalaxyCluster{Value: c.Name, Description: c.Description})
		}
		ev.Galaxy = append(ev.Galaxy, g)
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(map[string]any{"Event": ev}); err != nil {
		return models.NewError(models.KindSerialization, "export_misp", err)
	}
	return nil
}

// MISPType maps an indicator kind onto a MISP attribute type
func MISPType(kind models.IndicatorKind, value string) string {
	switch kind {
	case models.KindDomain:
		return "domain"
	case models.KindIP:
		return "ip-dst"
	case models.KindCIDR:
		return "ip-dst/netmask"
	case models.KindURL:
		return "url"
	case models.KindHash:
		return hashType("", value)
	case models.KindCertFingerprint:
		return hashType("x509-fingerprint-", value)
	case models.KindEmail:
		return "email-src"
	case models.KindUserAgent:
		return "user-agent"
	case models.KindMutex:
		return "mutex"
	case models.KindASN:
		return "AS"
	}
	switch tag := kind.CustomTag(); tag {
	case "cve":
		return "vulnerability"
	case "":
		return "text"
	default:
		return tag
	}
}

func hashType(prefix, value string) string {
	switch len(value) {
	case 32:
		return prefix + "md5"
	case 40:
		return prefix + "sha1"
	case 128:
		return prefix + "sha512"
	}
	return prefix + "sha256"
}

func mispCategory(kind models.IndicatorKind) string {
	switch kind {
	case models.KindHash:
		return "Payload delivery"
	case models.KindMutex:
		return "Artifacts dropped"
	case models.KindEmail:
		return "Payload delivery"
	}
	if kind.IsCustom() {
		return "Other"
	}
	return "Network activity"
}

func mispThreatLevel(s models.Severity) string {
	switch s {
	case models.SeverityCritical:
		return "1"
	case models.SeverityHigh:
		return "2"
	case models.SeverityMedium:
		return "3"
	}
	return "4"
}
