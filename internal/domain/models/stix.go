package models

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// STIX 2.1 objects used on the wire.
// Reference: https://docs.oasis-open.org/cti/stix/v2.1/stix-v2.1.html

// STIXType represents the type of a STIX object
type STIXType string

const (
	STIXTypeBundle       STIXType = "bundle"
	STIXTypeIndicator    STIXType = "indicator"
	STIXTypeThreatActor  STIXType = "threat-actor"
	STIXTypeIntrusionSet STIXType = "intrusion-set"
	STIXTypeCampaign     STIXType = "campaign"
	STIXTypeMalware      STIXType = "malware"
	STIXTypeIdentity     STIXType = "identity"
	STIXTypeRelationship STIXType = "relationship"
	STIXTypeReport       STIXType = "report"
	STIXTypeObservedData STIXType = "observed-data"

	STIXTypeDomainName   STIXType = "domain-name"
	STIXTypeIPv4Addr     STIXType = "ipv4-addr"
	STIXTypeIPv6Addr     STIXType = "ipv6-addr"
	STIXTypeURL          STIXType = "url"
	STIXTypeFile         STIXType = "file"
	STIXTypeEmailAddr    STIXType = "email-addr"
	STIXTypeEmailMessage STIXType = "email-message"
	STIXTypeNetwork      STIXType = "network-traffic"
	STIXTypeMutex        STIXType = "mutex"
	STIXTypeASN          STIXType = "autonomous-system"
	STIXTypeX509         STIXType = "x509-certificate"
)

const (
	STIXSpecVersion = "2.1"
	STIXMediaType   = "application/stix+json;version=2.1"
	TAXIIMediaType  = "application/taxii+json;version=2.1"

	// custom observable prefix for kinds STIX has no object for
	stixCustomPrefix = "x-tiace-"
)

// stixNamespace seeds deterministic object ids
var stixNamespace = uuid.MustParse("00abedb4-aa42-466c-9c01-fed23315a9b7")

// DeterministicSTIXID derives a stable id from the object type and a natural key
func DeterministicSTIXID(t STIXType, key string) string {
	return string(t) + "--" + uuid.NewSHA1(stixNamespace, []byte(string(t)+"|"+key)).String()
}

// STIXCommon contains properties common to STIX domain objects
type STIXCommon struct {
	Type         STIXType  `json:"type"`
	SpecVersion  string    `json:"spec_version"`
	ID           string    `json:"id"`
	Created      time.Time `json:"created"`
	Modified     time.Time `json:"modified"`
	CreatedByRef string    `json:"created_by_ref,omitempty"`
	Labels       []string  `json:"labels,omitempty"`
	Confidence   *int      `json:"confidence,omitempty"`
	Revoked      bool      `json:"revoked,omitempty"`

	ExternalReferences []STIXExternalReference `json:"external_references,omitempty"`
}

// STIXExternalReference points at external information
type STIXExternalReference struct {
	SourceName string `json:"source_name"`
	URL        string `json:"url,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// STIXBundle is a collection of arbitrary STIX objects
type STIXBundle struct {
	Type    STIXType          `json:"type"`
	ID      string            `json:"id"`
	Objects []json.RawMessage `json:"objects"`
}

// STIXIndicator is an Indicator SDO
type STIXIndicator struct {
	STIXCommon
	Name           string     `json:"name,omitempty"`
	Description    string     `json:"description,omitempty"`
	IndicatorTypes []string   `json:"indicator_types,omitempty"`
	Pattern        string     `json:"pattern"`
	PatternType    string     `json:"pattern_type"`
	ValidFrom      time.Time  `json:"valid_from"`
	ValidUntil     *time.Time `json:"valid_until,omitempty"`

	// Extension properties carrying the canonical model through a round trip
	XSeverity    string     `json:"x_tiace_severity,omitempty"`
	XLastSeen    *time.Time `json:"x_tiace_last_seen,omitempty"`
	XSourceFeeds []string   `json:"x_tiace_source_feeds,omitempty"`
}

// STIXThreatActor covers threat-actor and intrusion-set objects
type STIXThreatActor struct {
	STIXCommon
	Name                 string     `json:"name"`
	Description          string     `json:"description,omitempty"`
	Aliases              []string   `json:"aliases,omitempty"`
	FirstSeen            *time.Time `json:"first_seen,omitempty"`
	LastSeen             *time.Time `json:"last_seen,omitempty"`
	Sophistication       string     `json:"sophistication,omitempty"`
	PrimaryMotivation    string     `json:"primary_motivation,omitempty"`
	SecondaryMotivations []string   `json:"secondary_motivations,omitempty"`
	Country              string     `json:"country,omitempty"`
}

// STIXCampaign is a Campaign SDO
type STIXCampaign struct {
	STIXCommon
	Name        string     `json:"name"`
	Description string     `json:"description,omitempty"`
	Aliases     []string   `json:"aliases,omitempty"`
	FirstSeen   *time.Time `json:"first_seen,omitempty"`
	LastSeen    *time.Time `json:"last_seen,omitempty"`
	Objective   string     `json:"objective,omitempty"`
}

// STIXMalware is a Malware SDO
type STIXMalware struct {
	STIXCommon
	Name     string   `json:"name"`
	IsFamily bool     `json:"is_family"`
	Aliases  []string `json:"aliases,omitempty"`
}

// STIXRelationship is a Relationship SRO
type STIXRelationship struct {
	STIXCommon
	RelationshipType string `json:"relationship_type"`
	SourceRef        string `json:"source_ref"`
	TargetRef        string `json:"target_ref"`
}

// STIXIdentity is an Identity SDO
type STIXIdentity struct {
	STIXCommon
	Name          string `json:"name"`
	IdentityClass string `json:"identity_class,omitempty"`
}

// STIXObservable is the union of the cyber-observable fields the engine reads
type STIXObservable struct {
	Type   STIXType          `json:"type"`
	ID     string            `json:"id"`
	Value  string            `json:"value,omitempty"`
	Name   string            `json:"name,omitempty"`
	Number int64             `json:"number,omitempty"`
	Hashes map[string]string `json:"hashes,omitempty"`
}

// TAXIIEnvelope is the TAXII 2.1 object page
type TAXIIEnvelope struct {
	More    bool              `json:"more,omitempty"`
	Next    string            `json:"next,omitempty"`
	Objects []json.RawMessage `json:"objects,omitempty"`
}

// PatternTerm is one equality comparison extracted from a STIX pattern
type PatternTerm struct {
	Object string
	Path   string
	Value  string
	Kind   IndicatorKind
}

var (
	patternTerm = regexp.MustCompile(
		`([a-z0-9][a-z0-9-]*):((?:[A-Za-z0-9_\-]+|'[^']*')(?:\.(?:[A-Za-z0-9_\-*]+|'[^']*'|\[\*\]))*)\s*(=|!=|LIKE|MATCHES|IN|>|<|>=|<=)\s*(?:'((?:[^'\\]|\\.)*)'|(\d+))`)
	patternUnescape = strings.NewReplacer(`\'`, `'`, `\\`, `\`)
	patternEscape   = strings.NewReplacer(`\`, `\\`, `'`, `\'`)
)

// ParseSTIXPattern extracts the equality terms of a pattern expression.
// Objects the engine has no kind for degrade to custom kinds.
func ParseSTIXPattern(pattern string) []PatternTerm {
	var terms []PatternTerm
	for _, m := range patternTerm.FindAllStringSubmatch(pattern, -1) {
		if m[3] != "=" {
			continue
		}
		value := m[5]
		if m[4] != "" || m[5] == "" {
			value = patternUnescape.Replace(m[4])
		}
		obj, path := m[1], m[2]
		terms = append(terms, PatternTerm{
			Object: obj,
			Path:   path,
			Value:  value,
			Kind:   kindForPatternPath(obj, path, value),
		})
	}
	return terms
}

func kindForPatternPath(obj, path, value string) IndicatorKind {
	switch STIXType(obj) {
	case STIXTypeFile:
		if strings.HasPrefix(path, "hashes") {
			return KindHash
		}
		return CustomKind("file")
	case STIXTypeDomainName:
		return KindDomain
	case STIXTypeURL:
		return KindURL
	case STIXTypeIPv4Addr, STIXTypeIPv6Addr:
		if strings.Contains(value, "/") {
			return KindCIDR
		}
		return KindIP
	case STIXTypeNetwork:
		switch {
		case strings.HasPrefix(path, "dst_ref") || strings.HasPrefix(path, "src_ref"):
			return kindForAddress(value)
		case strings.Contains(strings.ToLower(path), "user-agent"):
			return KindUserAgent
		}
		return CustomKind("network-traffic")
	case STIXTypeEmailMessage, STIXTypeEmailAddr:
		return KindEmail
	case STIXTypeMutex:
		return KindMutex
	case STIXTypeASN:
		return KindASN
	case STIXTypeX509:
		if strings.HasPrefix(path, "hashes") {
			return KindCertFingerprint
		}
		return CustomKind("x509-certificate")
	}
	if strings.HasPrefix(obj, stixCustomPrefix) {
		return CustomKind(strings.TrimPrefix(obj, stixCustomPrefix))
	}
	return CustomKind(obj)
}

func kindForAddress(v string) IndicatorKind {
	if _, err := netip.ParseAddr(v); err == nil {
		return KindIP
	}
	if _, err := netip.ParsePrefix(v); err == nil {
		return KindCIDR
	}
	return KindDomain
}

// BuildSTIXPattern renders a pattern that ParseSTIXPattern maps back to (kind, value)
func BuildSTIXPattern(kind IndicatorKind, value string) string {
	v := patternEscape.Replace(value)
	switch kind {
	case KindDomain:
		return fmt.Sprintf("[domain-name:value = '%s']", v)
	case KindIP, KindCIDR:
		if strings.Contains(value, ":") {
			return fmt.Sprintf("[ipv6-addr:value = '%s']", v)
		}
		return fmt.Sprintf("[ipv4-addr:value = '%s']", v)
	case KindURL:
		return fmt.Sprintf("[url:value = '%s']", v)
	case KindHash:
		return fmt.Sprintf("[file:hashes.'%s' = '%s']", HashAlgorithm(value), v)
	case KindCertFingerprint:
		return fmt.Sprintf("[x509-certificate:hashes.'%s' = '%s']", HashAlgorithm(value), v)
	case KindEmail:
		return fmt.Sprintf("[email-addr:value = '%s']", v)
	case KindMutex:
		return fmt.Sprintf("[mutex:name = '%s']", v)
	case KindUserAgent:
		return fmt.Sprintf("[network-traffic:extensions.'http-request-ext'.request_header.'User-Agent' = '%s']", v)
	case KindASN:
		return fmt.Sprintf("[autonomous-system:number = %s]", strings.TrimPrefix(value, "AS"))
	}
	tag := kind.CustomTag()
	if tag == "" {
		tag = string(kind)
	}
	return fmt.Sprintf("[%s%s:value = '%s']", stixCustomPrefix, tag, v)
}

// HashAlgorithm guesses the algorithm name from the hex length
func HashAlgorithm(hexValue string) string {
	switch len(hexValue) {
	case 32:
		return "MD5"
	case 40:
		return "SHA-1"
	case 128:
		return "SHA-512"
	default:
		return "SHA-256"
	}
}
