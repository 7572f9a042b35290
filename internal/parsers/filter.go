package parsers

import (
	"strings"

	"tiace/internal/domain/models"
)

// OrgTagPrefix marks the producing organization on an indicator
const OrgTagPrefix = "org:"

// Filter evaluates a feed's inclusion rules
type Filter struct {
	rules      models.FeedFilters
	severities map[models.Severity]bool
	tags       map[string]bool
	orgs       map[string]bool
}

// NewFilter compiles the inclusion rules of a feed
func NewFilter(rules models.FeedFilters) *Filter {
	f := &Filter{rules: rules}
	if len(rules.Severities) > 0 {
		f.severities = make(map[models.Severity]bool, len(rules.Severities))
		for _, s := range rules.Severities {
			f.severities[models.ParseSeverity(string(s))] = true
		}
	}
	if len(rules.Tags) > 0 {
		f.tags = make(map[string]bool, len(rules.Tags))
		for _, t := range models.NormalizeTags(rules.Tags) {
			f.tags[t] = true
		}
	}
	if len(rules.Organizations) > 0 {
		f.orgs = make(map[string]bool, len(rules.Organizations))
		for _, o := range rules.Organizations {
			f.orgs[strings.ToLower(strings.TrimSpace(o))] = true
		}
	}
	return f
}

// Empty reports whether the filter accepts everything
func (f *Filter) Empty() bool {
	return f.rules.MinConfidence == 0 && f.severities == nil && f.tags == nil &&
		f.orgs == nil && f.rules.Since == nil && f.rules.Until == nil
}

// Apply returns FilteredOut when ind does not pass
func (f *Filter) Apply(ind *models.Indicator) error {
	if ind.Confidence < f.rules.MinConfidence {
		return models.Errorf(models.KindFilteredOut, "filter", "confidence %.2f below %.2f", ind.Confidence, f.rules.MinConfidence)
	}
	if f.severities != nil && !f.severities[ind.Severity] {
		return models.Errorf(models.KindFilteredOut, "filter", "severity %s not allowed", ind.Severity)
	}
	if f.tags != nil && !f.anyTag(ind) {
		return models.Errorf(models.KindFilteredOut, "filter", "no included tag")
	}
	if f.orgs != nil && !f.anyOrg(ind) {
		return models.Errorf(models.KindFilteredOut, "filter", "organization not included")
	}
	if f.rules.Since != nil && ind.LastSeen.Before(*f.rules.Since) {
		return models.Errorf(models.KindFilteredOut, "filter", "last seen before range")
	}
	if f.rules.Until != nil && ind.FirstSeen.After(*f.rules.Until) {
		return models.Errorf(models.KindFilteredOut, "filter", "first seen after range")
	}
	return nil
}

func (f *Filter) anyTag(ind *models.Indicator) bool {
	for _, t := range ind.Tags {
		if f.tags[t] {
			return true
		}
	}
	return false
}

// anyOrg matches the network organization or an org: tag
func (f *Filter) anyOrg(ind *models.Indicator) bool {
	if f.orgs[strings.ToLower(ind.Context.Organization)] {
		return true
	}
	for _, t := range ind.Tags {
		if strings.HasPrefix(t, OrgTagPrefix) && f.orgs[strings.TrimPrefix(t, OrgTagPrefix)] {
			return true
		}
	}
	return false
}
