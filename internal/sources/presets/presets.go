// Package presets holds ready-made feed configurations for well known public
// and commercial threat feeds. A preset is a template: Instantiate binds it to
// a tenant and leaves credentials as ${VAR} references for the catalog loader.
package presets

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"tiace/internal/domain/models"
)

// Preset is a named feed template
type Preset struct {
	Name        string
	Description string
	// KeyEnv names the environment variable holding the credential, if any
	KeyEnv string
	feed   models.FeedConfiguration
}

var catalog = map[string]Preset{
	"urlhaus": {
		Name:        "urlhaus",
		Description: "abuse.ch URLhaus recent malware distribution URLs",
		feed: models.FeedConfiguration{
			URL:    "https://urlhaus.abuse.ch/downloads/csv_recent/",
			Type:   models.FeedTypeOpenSource,
			Format: models.FormatCSV,
			CSV: &models.CSVMapping{
				ValueColumn: "2",
				DateColumn:  "1",
				TagsColumn:  "6",
				Comment:     "#",
			},
			DefaultKind:       string(models.KindURL),
			DefaultSeverity:   string(models.SeverityHigh),
			DefaultConfidence: 0.8,
			IntervalMinutes:   30,
			Quality:           models.QualityMetrics{Reliability: 0.85},
			Tags:              []string{"malware-distribution"},
		},
	},
	"feodotracker": {
		Name:        "feodotracker",
		Description: "abuse.ch Feodo Tracker botnet C2 servers",
		feed: models.FeedConfiguration{
			URL:    "https://feodotracker.abuse.ch/downloads/ipblocklist.json",
			Type:   models.FeedTypeOpenSource,
			Format: models.FormatVendorJSON,
			Vendor: &models.VendorMapping{
				ValueField:     "ip_address",
				FixedKind:      string(models.KindIP),
				TagsField:      "malware",
				FirstSeenField: "first_seen",
				LastSeenField:  "last_online",
			},
			DefaultSeverity:   string(models.SeverityCritical),
			DefaultConfidence: 0.9,
			IntervalMinutes:   60,
			Quality:           models.QualityMetrics{Reliability: 0.9},
			Tags:              []string{"c2", "botnet"},
		},
	},
	"sslbl": {
		Name:        "sslbl",
		Description: "abuse.ch SSL Blacklist botnet C2 addresses",
		feed: models.FeedConfiguration{
			URL:    "https://sslbl.abuse.ch/blacklist/sslipblacklist.csv",
			Type:   models.FeedTypeOpenSource,
			Format: models.FormatCSV,
			CSV: &models.CSVMapping{
				ValueColumn: "1",
				DateColumn:  "0",
				Comment:     "#",
			},
			DefaultKind:       string(models.KindIP),
			DefaultSeverity:   string(models.SeverityHigh),
			DefaultConfidence: 0.8,
			IntervalMinutes:   60,
			Quality:           models.QualityMetrics{Reliability: 0.85},
			Tags:              []string{"c2"},
		},
	},
	"threatfox": {
		Name:        "threatfox",
		Description: "abuse.ch ThreatFox IOCs of the last day",
		KeyEnv:      "THREATFOX_API_KEY",
		feed: models.FeedConfiguration{
			URL:    "https://threatfox-api.abuse.ch/api/v1/",
			Type:   models.FeedTypeCommercial,
			Format: models.FormatVendorJSON,
			Method: "POST",
			Body:   `{"query":"get_iocs","days":1}`,
			Auth:   models.AuthConfig{Type: models.AuthAPIKey, Header: "Auth-Key"},
			Vendor: &models.VendorMapping{
				ItemsPath:       "data",
				ValueField:      "ioc",
				KindField:       "ioc_type",
				ConfidenceField: "confidence_level",
				ConfidenceScale: 100,
				TagsField:       "tags",
				FirstSeenField:  "first_seen",
				LastSeenField:   "last_seen",
				KindAliases: map[string]string{
					"ip:port":     "ip",
					"md5_hash":    "hash",
					"sha256_hash": "hash",
				},
			},
			IntervalMinutes: 60,
			Quality:         models.QualityMetrics{Reliability: 0.8},
		},
	},
	"openphish": {
		Name:        "openphish",
		Description: "OpenPhish community phishing URLs",
		feed: models.FeedConfiguration{
			URL:               "https://openphish.com/feed.txt",
			Type:              models.FeedTypeOpenSource,
			Format:            models.FormatPlain,
			DefaultKind:       string(models.KindURL),
			DefaultSeverity:   string(models.SeverityHigh),
			DefaultConfidence: 0.7,
			IntervalMinutes:   60,
			Quality:           models.QualityMetrics{Reliability: 0.7},
			Tags:              []string{"phishing"},
		},
	},
	"spamhaus-drop": {
		Name:        "spamhaus-drop",
		Description: "Spamhaus DROP hijacked netblocks",
		feed: models.FeedConfiguration{
			URL:               "https://www.spamhaus.org/drop/drop.txt",
			Type:              models.FeedTypeOpenSource,
			Format:            models.FormatPlain,
			CSV:               &models.CSVMapping{Comment: ";"},
			DefaultKind:       string(models.KindCIDR),
			DefaultSeverity:   string(models.SeverityHigh),
			DefaultConfidence: 0.9,
			IntervalMinutes:   720,
			Quality:           models.QualityMetrics{Reliability: 0.95},
			Tags:              []string{"hijacked-netblock"},
		},
	},
	"cisa-kev": {
		Name:        "cisa-kev",
		Description: "CISA known exploited vulnerabilities catalog",
		feed: models.FeedConfiguration{
			URL:             "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json",
			Type:            models.FeedTypeOpenSource,
			Format:          models.FormatCVEJSON,
			DefaultSeverity: string(models.SeverityCritical),
			Cron:            "0 6 * * *",
			Quality:         models.QualityMetrics{Reliability: 1},
			Tags:            []string{"exploited"},
		},
	},
	"citizenlab-pegasus": {
		Name:        "citizenlab-pegasus",
		Description: "Citizen Lab Pegasus infrastructure domains",
		feed: models.FeedConfiguration{
			URL:               "https://raw.githubusercontent.com/citizenlab/malware-indicators/master/2021/pegasus/domains.txt",
			Type:              models.FeedTypeOpenSource,
			Format:            models.FormatPlain,
			DefaultKind:       string(models.KindDomain),
			DefaultSeverity:   string(models.SeverityCritical),
			DefaultConfidence: 0.9,
			Cron:              "0 3 * * 1",
			Quality:           models.QualityMetrics{Reliability: 0.95},
			Tags:              []string{"spyware", "pegasus", "apt"},
		},
	},
	"amnesty-nso": {
		Name:        "amnesty-nso",
		Description: "Amnesty Tech NSO Group investigation STIX bundle",
		feed: models.FeedConfiguration{
			URL:             "https://raw.githubusercontent.com/AmnestyTech/investigations/master/2021-07-18_nso/pegasus.stix2",
			Type:            models.FeedTypeOpenSource,
			Format:          models.FormatSTIX2,
			DefaultSeverity: string(models.SeverityCritical),
			Cron:            "0 3 * * 1",
			Quality:         models.QualityMetrics{Reliability: 0.95},
			Tags:            []string{"spyware", "pegasus"},
		},
	},
	"alienvault-otx": {
		Name:        "alienvault-otx",
		Description: "AlienVault OTX indicators from subscribed pulses",
		KeyEnv:      "OTX_API_KEY",
		feed: models.FeedConfiguration{
			URL:    "https://otx.alienvault.com/api/v1/indicators/export",
			Type:   models.FeedTypeCommercial,
			Format: models.FormatVendorJSON,
			Auth:   models.AuthConfig{Type: models.AuthAPIKey, Header: "X-OTX-API-KEY"},
			Vendor: &models.VendorMapping{
				ItemsPath:       "results",
				ValueField:      "indicator",
				KindField:       "type",
				NextCursorField: "next",
				KindAliases: map[string]string{
					"FileHash-MD5":    "hash",
					"FileHash-SHA1":   "hash",
					"FileHash-SHA256": "hash",
				},
			},
			DefaultConfidence: 0.6,
			IntervalMinutes:   60,
			Quality:           models.QualityMetrics{Reliability: 0.6},
		},
	},
}

// List returns every preset ordered by name
func List() []Preset {
	out := make([]Preset, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get looks up a preset by name
func Get(name string) (Preset, bool) {
	p, ok := catalog[name]
	return p, ok
}

// Instantiate binds the preset to a tenant. The feed id defaults to the
// preset name and the credential, if any, refers to ${KeyEnv}.
func (p Preset) Instantiate(tenantID, feedID string) *models.FeedConfiguration {
	f := p.feed.Clone()
	if feedID == "" {
		feedID = p.Name
	}
	f.ID = feedID
	f.Name = p.Description
	f.TenantID = tenantID
	f.Enabled = true
	if f.Auth.Type == "" {
		f.Auth.Type = models.AuthNone
	}
	if p.KeyEnv != "" {
		f.Auth.APIKey = "${" + p.KeyEnv + "}"
	}
	return f
}

// Catalog renders feeds as a catalog document for the feeds file
func Catalog(feeds ...*models.FeedConfiguration) ([]byte, error) {
	out, err := yaml.Marshal(struct {
		Feeds []*models.FeedConfiguration `yaml:"feeds"`
	}{feeds})
	if err != nil {
		return nil, fmt.Errorf("render catalog: %w", err)
	}
	return out, nil
}
