package models

import (
	"encoding/json"
	"strings"
	"time"
)

// FeedType selects the connector
type FeedType string

const (
	FeedTypeMISP       FeedType = "misp"
	FeedTypeTAXII      FeedType = "taxii"
	FeedTypeCommercial FeedType = "commercial"
	FeedTypeOpenSource FeedType = "opensource"
	FeedTypeCustom     FeedType = "custom"
)

// FeedTypes lists every supported feed type
var FeedTypes = []FeedType{FeedTypeMISP, FeedTypeTAXII, FeedTypeCommercial, FeedTypeOpenSource, FeedTypeCustom}

// FeedFormat selects the parser together with the feed type
type FeedFormat string

const (
	FormatSTIX2      FeedFormat = "stix2"
	FormatMISP       FeedFormat = "misp"
	FormatVendorJSON FeedFormat = "vendor-json"
	FormatCSV        FeedFormat = "csv"
	FormatTSV        FeedFormat = "tsv"
	FormatPlain      FeedFormat = "plain"
	FormatCVEJSON    FeedFormat = "cve-json"
	FormatRSS        FeedFormat = "rss"
	FormatAtom       FeedFormat = "atom"
	// FormatCanonicalJSON is the engine's own JSON export
	FormatCanonicalJSON FeedFormat = "json"
)

// AuthType selects how requests to a feed are authenticated
type AuthType string

const (
	AuthNone        AuthType = "none"
	AuthAPIKey      AuthType = "api_key"
	AuthBasic       AuthType = "basic"
	AuthBearer      AuthType = "bearer"
	AuthOAuth2      AuthType = "oauth2"
	AuthCertificate AuthType = "certificate"
)

// AuthConfig holds credentials for one feed
type AuthConfig struct {
	Type AuthType `json:"type" yaml:"type" mapstructure:"type" validate:"omitempty,oneof=none api_key basic bearer oauth2 certificate"`

	// API key
	Header string `json:"header,omitempty" yaml:"header,omitempty" mapstructure:"header"`
	APIKey string `json:"-" yaml:"api_key,omitempty" mapstructure:"api_key"`

	// Basic
	Username string `json:"username,omitempty" yaml:"username,omitempty" mapstructure:"username"`
	Password string `json:"-" yaml:"password,omitempty" mapstructure:"password"`

	// Bearer
	Token string `json:"-" yaml:"token,omitempty" mapstructure:"token"`

	// OAuth2 client credentials
	ClientID     string   `json:"client_id,omitempty" yaml:"client_id,omitempty" mapstructure:"client_id"`
	ClientSecret string   `json:"-" yaml:"client_secret,omitempty" mapstructure:"client_secret"`
	TokenURL     string   `json:"token_url,omitempty" yaml:"token_url,omitempty" mapstructure:"token_url" validate:"omitempty,url"`
	Scopes       []string `json:"scopes,omitempty" yaml:"scopes,omitempty" mapstructure:"scopes"`

	// Mutual TLS
	CertFile string `json:"cert_file,omitempty" yaml:"cert_file,omitempty" mapstructure:"cert_file"`
	KeyFile  string `json:"key_file,omitempty" yaml:"key_file,omitempty" mapstructure:"key_file"`
	CAFile   string `json:"ca_file,omitempty" yaml:"ca_file,omitempty" mapstructure:"ca_file"`
}

// FeedFilters are evaluated by parsers before emission
type FeedFilters struct {
	MinConfidence float64    `json:"min_confidence,omitempty" yaml:"min_confidence,omitempty" mapstructure:"min_confidence" validate:"gte=0,lte=1"`
	Severities    []Severity `json:"severities,omitempty" yaml:"severities,omitempty" mapstructure:"severities" validate:"dive,oneof=info low medium high critical"`
	Organizations []string   `json:"organizations,omitempty" yaml:"organizations,omitempty" mapstructure:"organizations"`
	Tags          []string   `json:"tags,omitempty" yaml:"tags,omitempty" mapstructure:"tags"`
	Since         *time.Time `json:"since,omitempty" yaml:"since,omitempty" mapstructure:"since"`
	Until         *time.Time `json:"until,omitempty" yaml:"until,omitempty" mapstructure:"until"`
}

// QualityMetrics summarise how a feed has behaved over time
type QualityMetrics struct {
	// Reliability is the operator assigned weight of the feed in [0,1]
	Reliability   float64       `json:"reliability" yaml:"reliability" mapstructure:"reliability" validate:"gte=0,lte=1"`
	TotalSyncs    int           `json:"total_syncs" yaml:"-"`
	FailedSyncs   int           `json:"failed_syncs" yaml:"-"`
	LastItemCount int           `json:"last_item_count" yaml:"-"`
	MeanDuration  time.Duration `json:"mean_duration" yaml:"-"`
	LastSuccessAt *time.Time    `json:"last_success_at,omitempty" yaml:"-"`
}

// SuccessRate returns the ratio of successful syncs, 1 when never run
func (q QualityMetrics) SuccessRate() float64 {
	if q.TotalSyncs == 0 {
		return 1
	}
	return float64(q.TotalSyncs-q.FailedSyncs) / float64(q.TotalSyncs)
}

// Observe folds a finished job into the metrics
func (q *QualityMetrics) Observe(job *SyncJob) {
	q.TotalSyncs++
	if job.Status != JobSucceeded {
		q.FailedSyncs++
	} else {
		t := job.StartedAt
		if job.EndedAt != nil {
			t = *job.EndedAt
		}
		q.LastSuccessAt = &t
	}
	q.LastItemCount = job.Imported + job.Updated
	d := job.Duration()
	if q.TotalSyncs == 1 {
		q.MeanDuration = d
	} else {
		q.MeanDuration += (d - q.MeanDuration) / time.Duration(q.TotalSyncs)
	}
}

// VendorMapping maps vendor JSON fields onto the canonical model.
// Paths are dot separated; an empty ItemsPath means the document is the item list.
type VendorMapping struct {
	ItemsPath       string            `json:"items_path,omitempty" yaml:"items_path,omitempty" mapstructure:"items_path"`
	ValueField      string            `json:"value_field" yaml:"value_field" mapstructure:"value_field"`
	KindField       string            `json:"kind_field,omitempty" yaml:"kind_field,omitempty" mapstructure:"kind_field"`
	FixedKind       string            `json:"fixed_kind,omitempty" yaml:"fixed_kind,omitempty" mapstructure:"fixed_kind"`
	ConfidenceField string            `json:"confidence_field,omitempty" yaml:"confidence_field,omitempty" mapstructure:"confidence_field"`
	// ConfidenceScale divides raw confidence values, e.g. 100 for percentage scores
	ConfidenceScale float64           `json:"confidence_scale,omitempty" yaml:"confidence_scale,omitempty" mapstructure:"confidence_scale"`
	SeverityField   string            `json:"severity_field,omitempty" yaml:"severity_field,omitempty" mapstructure:"severity_field"`
	TagsField       string            `json:"tags_field,omitempty" yaml:"tags_field,omitempty" mapstructure:"tags_field"`
	FirstSeenField  string            `json:"first_seen_field,omitempty" yaml:"first_seen_field,omitempty" mapstructure:"first_seen_field"`
	LastSeenField   string            `json:"last_seen_field,omitempty" yaml:"last_seen_field,omitempty" mapstructure:"last_seen_field"`
	OrgField        string            `json:"organization_field,omitempty" yaml:"organization_field,omitempty" mapstructure:"organization_field"`
	ActorField      string            `json:"actor_field,omitempty" yaml:"actor_field,omitempty" mapstructure:"actor_field"`
	KindAliases     map[string]string `json:"kind_aliases,omitempty" yaml:"kind_aliases,omitempty" mapstructure:"kind_aliases"`
	NextCursorField string            `json:"next_cursor_field,omitempty" yaml:"next_cursor_field,omitempty" mapstructure:"next_cursor_field"`
}

// CSVMapping configures columns for CSV and TSV feeds. A column is a header
// name when HeaderRow is set and a zero based index otherwise.
type CSVMapping struct {
	HeaderRow        bool   `json:"header_row" yaml:"header_row" mapstructure:"header_row"`
	ValueColumn      string `json:"value_column,omitempty" yaml:"value_column,omitempty" mapstructure:"value_column"`
	KindColumn       string `json:"kind_column,omitempty" yaml:"kind_column,omitempty" mapstructure:"kind_column"`
	TagsColumn       string `json:"tags_column,omitempty" yaml:"tags_column,omitempty" mapstructure:"tags_column"`
	DateColumn       string `json:"date_column,omitempty" yaml:"date_column,omitempty" mapstructure:"date_column"`
	ConfidenceColumn string `json:"confidence_column,omitempty" yaml:"confidence_column,omitempty" mapstructure:"confidence_column"`
	SeverityColumn   string `json:"severity_column,omitempty" yaml:"severity_column,omitempty" mapstructure:"severity_column"`
	Comment          string `json:"comment,omitempty" yaml:"comment,omitempty" mapstructure:"comment"`
}

// FeedConfiguration describes one external feed
type FeedConfiguration struct {
	ID       string     `json:"id" yaml:"id" mapstructure:"id" validate:"required,max=128"`
	TenantID string     `json:"tenant_id" yaml:"tenant_id" mapstructure:"tenant_id" validate:"required"`
	Name     string     `json:"name" yaml:"name" mapstructure:"name"`
	URL      string     `json:"url" yaml:"url" mapstructure:"url" validate:"required,url"`
	Type     FeedType   `json:"type" yaml:"type" mapstructure:"type" validate:"required,oneof=misp taxii commercial opensource custom"`
	Format   FeedFormat `json:"format" yaml:"format" mapstructure:"format" validate:"required,oneof=stix2 misp vendor-json csv tsv plain cve-json rss atom json"`
	Auth     AuthConfig `json:"auth" yaml:"auth" mapstructure:"auth"`

	IntervalMinutes int    `json:"interval_minutes" yaml:"interval_minutes" mapstructure:"interval_minutes" validate:"gte=0"`
	Cron            string `json:"cron,omitempty" yaml:"cron,omitempty" mapstructure:"cron"`
	Priority        int    `json:"priority" yaml:"priority" mapstructure:"priority" validate:"gte=0,lte=100"`
	Enabled         bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	// Trusted feeds may raise conflicts about first_seen
	Trusted bool `json:"trusted" yaml:"trusted" mapstructure:"trusted"`

	Filters FeedFilters    `json:"filters" yaml:"filters" mapstructure:"filters"`
	Quality QualityMetrics `json:"quality" yaml:"quality" mapstructure:"quality"`

	RateLimitPerMinute int               `json:"rate_limit_per_minute,omitempty" yaml:"rate_limit_per_minute,omitempty" mapstructure:"rate_limit_per_minute" validate:"gte=0"`
	Timeout            time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty" mapstructure:"timeout"`
	Headers            map[string]string `json:"headers,omitempty" yaml:"headers,omitempty" mapstructure:"headers"`

	// Connector specific
	Collection string         `json:"collection,omitempty" yaml:"collection,omitempty" mapstructure:"collection"`
	Method     string         `json:"method,omitempty" yaml:"method,omitempty" mapstructure:"method" validate:"omitempty,oneof=GET POST"`
	Body       string         `json:"body,omitempty" yaml:"body,omitempty" mapstructure:"body"`
	PageSize   int            `json:"page_size,omitempty" yaml:"page_size,omitempty" mapstructure:"page_size" validate:"gte=0"`
	Vendor     *VendorMapping `json:"vendor,omitempty" yaml:"vendor,omitempty" mapstructure:"vendor"`
	CSV        *CSVMapping    `json:"csv,omitempty" yaml:"csv,omitempty" mapstructure:"csv"`
	// DefaultKind applies to plain and CSV feeds without a kind column
	DefaultKind string `json:"default_kind,omitempty" yaml:"default_kind,omitempty" mapstructure:"default_kind"`
	// DefaultConfidence applies when a record carries no confidence
	DefaultConfidence float64  `json:"default_confidence,omitempty" yaml:"default_confidence,omitempty" mapstructure:"default_confidence" validate:"gte=0,lte=1"`
	DefaultSeverity   string   `json:"default_severity,omitempty" yaml:"default_severity,omitempty" mapstructure:"default_severity"`
	Tags              []string `json:"tags,omitempty" yaml:"tags,omitempty" mapstructure:"tags"`
}

// Interval returns the cadence as a duration
func (f *FeedConfiguration) Interval() time.Duration {
	return time.Duration(f.IntervalMinutes) * time.Minute
}

// Reliability returns the feed weight, defaulting to 0.5 when unset
func (f *FeedConfiguration) Reliability() float64 {
	if f.Quality.Reliability <= 0 {
		return 0.5
	}
	return ClampUnit(f.Quality.Reliability)
}

// ConfidenceOrDefault returns the configured default confidence, 0.5 when unset
func (f *FeedConfiguration) ConfidenceOrDefault() float64 {
	if f.DefaultConfidence <= 0 {
		return 0.5
	}
	return ClampUnit(f.DefaultConfidence)
}

// Clone returns a deep copy safe to hand to another goroutine
func (f *FeedConfiguration) Clone() *FeedConfiguration {
	b, _ := json.Marshal(f)
	c := &FeedConfiguration{}
	_ = json.Unmarshal(b, c)
	// credentials are excluded from JSON
	c.Auth = f.Auth
	c.Auth.Scopes = append([]string(nil), f.Auth.Scopes...)
	return c
}

// Key is the registry key of the parser for this feed
func (f *FeedConfiguration) Key() string {
	return string(f.Type) + "/" + strings.ToLower(string(f.Format))
}
