package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"tiace/internal/domain/models"
)

// FeedCatalog is the on-disk list of feeds
type FeedCatalog struct {
	Feeds []*models.FeedConfiguration `yaml:"feeds"`
}

// FeedValidator validates feed configurations
type FeedValidator struct {
	validate *validator.Validate
}

// NewFeedValidator creates a validator with the feed specific rules registered
func NewFeedValidator() *FeedValidator {
	v := validator.New()
	v.RegisterStructValidation(feedStructLevel, models.FeedConfiguration{})
	v.RegisterStructValidation(authStructLevel, models.AuthConfig{})
	return &FeedValidator{validate: v}
}

// Validate checks one feed
func (fv *FeedValidator) Validate(f *models.FeedConfiguration) error {
	if err := fv.validate.Struct(f); err != nil {
		return fmt.Errorf("feed %q: %w", f.ID, err)
	}
	return nil
}

func feedStructLevel(sl validator.StructLevel) {
	f := sl.Current().Interface().(models.FeedConfiguration)
	if f.IntervalMinutes == 0 && f.Cron == "" {
		sl.ReportError(f.IntervalMinutes, "IntervalMinutes", "interval_minutes", "interval_or_cron", "")
	}
	if f.Cron != "" {
		if _, err := cron.ParseStandard(f.Cron); err != nil {
			sl.ReportError(f.Cron, "Cron", "cron", "cron", "")
		}
	}
	if f.Format == models.FormatVendorJSON && (f.Vendor == nil || f.Vendor.ValueField == "") {
		sl.ReportError(f.Vendor, "Vendor", "vendor", "required_for_vendor_json", "")
	}
	if f.Type == models.FeedTypeTAXII && f.Collection == "" {
		sl.ReportError(f.Collection, "Collection", "collection", "required_for_taxii", "")
	}
	if f.DefaultKind != "" {
		if _, ok := models.ParseKind(f.DefaultKind); !ok {
			sl.ReportError(f.DefaultKind, "DefaultKind", "default_kind", "kind", "")
		}
	}
}

func authStructLevel(sl validator.StructLevel) {
	a := sl.Current().Interface().(models.AuthConfig)
	missing := func(value any, field, tag string) {
		sl.ReportError(value, field, strings.ToLower(field), tag, string(a.Type))
	}
	switch a.Type {
	case models.AuthAPIKey:
		if a.APIKey == "" {
			missing(a.APIKey, "APIKey", "required_for_auth")
		}
	case models.AuthBasic:
		if a.Username == "" {
			missing(a.Username, "Username", "required_for_auth")
		}
	case models.AuthBearer:
		if a.Token == "" {
			missing(a.Token, "Token", "required_for_auth")
		}
	case models.AuthOAuth2:
		if a.ClientID == "" || a.ClientSecret == "" || a.TokenURL == "" {
			missing(a.ClientID, "ClientID", "required_for_auth")
		}
	case models.AuthCertificate:
		if a.CertFile == "" || a.KeyFile == "" {
			missing(a.CertFile, "CertFile", "required_for_auth")
		}
	}
}

// LoadFeeds reads and validates a feed catalog file. ${VAR} references are
// expanded from the environment so secrets stay out of the file.
func LoadFeeds(path string) ([]*models.FeedConfiguration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feeds file: %w", err)
	}
	return ParseFeeds([]byte(os.ExpandEnv(string(data))))
}

// ParseFeeds decodes and validates a YAML feed catalog
func ParseFeeds(data []byte) ([]*models.FeedConfiguration, error) {
	var catalog FeedCatalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse feeds: %w", err)
	}

	fv := NewFeedValidator()
	seen := make(map[string]struct{}, len(catalog.Feeds))
	for _, f := range catalog.Feeds {
		if f == nil {
			continue
		}
		if f.Name == "" {
			f.Name = f.ID
		}
		if f.Auth.Type == "" {
			f.Auth.Type = models.AuthNone
		}
		if err := fv.Validate(f); err != nil {
			return nil, err
		}
		key := f.TenantID + "/" + f.ID
		if _, dup := seen[key]; dup {
			return nil, fmt.Errorf("feed %q declared twice for tenant %q", f.ID, f.TenantID)
		}
		seen[key] = struct{}{}
	}
	return catalog.Feeds, nil
}
