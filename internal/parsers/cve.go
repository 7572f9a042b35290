package parsers

import (
	"encoding/json"
	"strings"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
)

// KindCVE is the custom kind used for vulnerability identifiers
var KindCVE = models.CustomKind("cve")

// CVEParser reads NVD 2.0 responses and the CISA known exploited catalog
type CVEParser struct{}

// NewCVEParser creates the CVE JSON parser
func NewCVEParser() *CVEParser {
	return &CVEParser{}
}

// Name implements Parser
func (p *CVEParser) Name() string { return "cve" }

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdCVE struct {
	ID           string `json:"id"`
	Published    string `json:"published"`
	LastModified string `json:"lastModified"`
	Descriptions []struct {
		Lang  string `json:"lang"`
		Value string `json:"value"`
	} `json:"descriptions"`
	Metrics struct {
		V31 []nvdMetric `json:"cvssMetricV31"`
		V30 []nvdMetric `json:"cvssMetricV30"`
		V2  []nvdMetric `json:"cvssMetricV2"`
	} `json:"metrics"`
	Weaknesses []struct {
		Description []struct {
			Value string `json:"value"`
		} `json:"description"`
	} `json:"weaknesses"`
}

type nvdMetric struct {
	CVSSData struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
	} `json:"cvssData"`
	BaseSeverity string `json:"baseSeverity"`
}

type kevCatalog struct {
	Vulnerabilities []kevEntry `json:"vulnerabilities"`
}

type kevEntry struct {
	CVEID           string   `json:"cveID"`
	VendorProject   string   `json:"vendorProject"`
	Product         string   `json:"product"`
	Name            string   `json:"vulnerabilityName"`
	DateAdded       string   `json:"dateAdded"`
	Description     string   `json:"shortDescription"`
	KnownRansomware string   `json:"knownRansomwareCampaignUse"`
	RequiredAction  string   `json:"requiredAction"`
	DueDate         string   `json:"dueDate"`
	CWEs            []string `json:"cwes"`
}

// Parse implements Parser
func (p *CVEParser) Parse(rec sources.RawRecord, cfg *models.FeedConfiguration) (*ParseResult, error) {
	var envelope struct {
		Vulnerabilities []json.RawMessage `json:"vulnerabilities"`
	}
	if err := json.Unmarshal(rec.Data, &envelope); err != nil {
		return nil, models.NewError(models.KindMalformed, "cve_parse", err)
	}
	if envelope.Vulnerabilities == nil {
		return nil, models.Errorf(models.KindSchemaDrift, "cve_parse", "no vulnerabilities array")
	}
	res := NewResult(rec, cfg)
	for _, raw := range envelope.Vulnerabilities {
		var shape map[string]json.RawMessage
		if err := json.Unmarshal(raw, &shape); err != nil {
			res.Fail(models.NewError(models.KindMalformed, "cve_item", err))
			continue
		}
		switch {
		case shape["cve"] != nil:
			var item struct {
				CVE nvdCVE `json:"cve"`
			}
			if err := json.Unmarshal(raw, &item); err != nil {
				res.Fail(models.NewError(models.KindSchemaDrift, "nvd_item", err))
				continue
			}
			p.nvd(res, cfg, item.CVE, raw)
		case shape["cveID"] != nil:
			var e kevEntry
			if err := json.Unmarshal(raw, &e); err != nil {
				res.Fail(models.NewError(models.KindSchemaDrift, "kev_item", err))
				continue
			}
			p.kev(res, cfg, e, raw)
		default:
			res.Fail(models.Errorf(models.KindSchemaDrift, "cve_item", "unrecognised vulnerability entry"))
		}
	}
	return res, nil
}

func (p *CVEParser) nvd(res *ParseResult, cfg *models.FeedConfiguration, c nvdCVE, raw []byte) {
	ind := &models.Indicator{
		Kind:  KindCVE,
		Value: strings.ToUpper(c.ID),
		Tags:  []string{"cve"},
	}
	for _, d := range c.Descriptions {
		if d.Lang == "en" {
			ind.Description = d.Value
			break
		}
	}
	ind.FirstSeen, _ = parseTime(c.Published)
	ind.LastSeen, _ = parseTime(c.LastModified)
	for _, set := range [][]nvdMetric{c.Metrics.V31, c.Metrics.V30, c.Metrics.V2} {
		if len(set) == 0 {
			continue
		}
		m := set[0]
		sev := m.CVSSData.BaseSeverity
		if sev == "" {
			sev = m.BaseSeverity
		}
		if sev != "" {
			ind.Severity = models.ParseSeverity(strings.ToLower(sev))
		} else if m.CVSSData.BaseScore > 0 {
			ind.Severity = models.SeverityFromScore(m.CVSSData.BaseScore / 10)
		}
		break
	}
	for _, w := range c.Weaknesses {
		for _, d := range w.Description {
			if strings.HasPrefix(d.Value, "CWE-") {
				ind.Tags = append(ind.Tags, strings.ToLower(d.Value))
			}
		}
	}
	keepRaw(ind, cfg.ID, raw)
	res.AddIndicator(ind)
}

func (p *CVEParser) kev(res *ParseResult, cfg *models.FeedConfiguration, e kevEntry, raw []byte) {
	ind := &models.Indicator{
		Kind:        KindCVE,
		Value:       strings.ToUpper(e.CVEID),
		Confidence:  0.9,
		Severity:    models.SeverityHigh,
		Description: firstNonEmpty(e.Description, e.Name),
		Tags:        []string{"cve", "kev", "exploited"},
	}
	if strings.EqualFold(e.KnownRansomware, "known") {
		ind.Severity = models.SeverityCritical
		ind.Tags = append(ind.Tags, "ransomware")
	}
	if e.VendorProject != "" {
		ind.Tags = append(ind.Tags, "vendor:"+strings.ToLower(e.VendorProject))
	}
	for _, cwe := range e.CWEs {
		ind.Tags = append(ind.Tags, strings.ToLower(cwe))
	}
	ind.FirstSeen, _ = parseTime(e.DateAdded)
	keepRaw(ind, cfg.ID, raw)
	res.AddIndicator(ind)
}
