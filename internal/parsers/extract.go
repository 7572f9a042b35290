package parsers

import (
	"net/netip"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tiace/internal/domain/models"
)

var (
	reIPv4 = regexp.MustCompile(
		`\b(?:(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)(?:\.|\[\.\])){3}(?:25[0-5]|2[0-4][0-9]|[01]?[0-9][0-9]?)\b`)
	reDomain = regexp.MustCompile(
		`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\.|\[\.\]))+[a-zA-Z]{2,24}\b`)
	reURL   = regexp.MustCompile(`(?i)\b(?:https?|hxxps?|ftp)(?:://|\[:\]//)(?:\[\.\]|[^\s<>"'\)\]])+`)
	reEmail = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+(?:@|\[at\]|\[@\])[a-zA-Z0-9.-]+(?:\.|\[\.\])[a-zA-Z]{2,}\b`)
	reHash  = regexp.MustCompile(`\b(?:[a-fA-F0-9]{128}|[a-fA-F0-9]{64}|[a-fA-F0-9]{40}|[a-fA-F0-9]{32})\b`)
	reCVE   = regexp.MustCompile(`(?i)\bCVE-\d{4}-\d{4,7}\b`)
	reASN   = regexp.MustCompile(`(?i)^AS\s?\d{1,10}$`)
	reHex   = regexp.MustCompile(`^[a-fA-F0-9]+$`)

	// file names that look like domains
	fileExtensions = map[string]bool{
		"exe": true, "dll": true, "pdf": true, "doc": true, "docx": true, "xls": true,
		"xlsx": true, "zip": true, "rar": true, "js": true, "php": true, "html": true,
		"htm": true, "txt": true, "png": true, "jpg": true, "gif": true, "json": true,
		"xml": true, "bat": true, "ps1": true, "vbs": true, "jar": true, "apk": true,
	}
)

// InferKind guesses the kind of a bare value. It returns "" when nothing fits.
func InferKind(value string) models.IndicatorKind {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	lower := strings.ToLower(v)
	switch {
	case reURL.MatchString(v) && reURL.FindString(v) == v:
		return models.KindURL
	case strings.Contains(v, "/") && isPrefix(v):
		return models.KindCIDR
	case isAddr(v):
		return models.KindIP
	case reCVE.MatchString(v) && len(reCVE.FindString(v)) == len(v):
		return models.CustomKind("cve")
	case reASN.MatchString(v):
		return models.KindASN
	case reHex.MatchString(v) && isHashLength(len(v)):
		return models.KindHash
	case reEmail.MatchString(v) && reEmail.FindString(v) == v:
		return models.KindEmail
	case reDomain.MatchString(lower) && reDomain.FindString(lower) == lower && !looksLikeFile(lower):
		return models.KindDomain
	}
	return ""
}

func isAddr(v string) bool {
	_, err := netip.ParseAddr(strings.NewReplacer("[.]", ".", "[:]", ":").Replace(v))
	return err == nil
}

func isPrefix(v string) bool {
	_, err := netip.ParsePrefix(strings.ReplaceAll(v, "[.]", "."))
	return err == nil
}

func isHashLength(n int) bool {
	return n == 32 || n == 40 || n == 64 || n == 128
}

func looksLikeFile(v string) bool {
	i := strings.LastIndexByte(v, '.')
	return i >= 0 && fileExtensions[v[i+1:]]
}

// Extracted is an observable found in free text
type Extracted struct {
	Kind  models.IndicatorKind
	Value string
}

// ExtractIndicators finds observables in free text. URLs are matched first
// and their hosts are not reported again as domains.
func ExtractIndicators(text string) []Extracted {
	var out []Extracted
	seen := make(map[string]bool)
	add := func(k models.IndicatorKind, v string) {
		key := string(k) + "\x00" + strings.ToLower(v)
		if !seen[key] {
			seen[key] = true
			out = append(out, Extracted{Kind: k, Value: v})
		}
	}

	rest := text
	for _, u := range reURL.FindAllString(text, -1) {
		add(models.KindURL, strings.TrimRight(u, ".,;:"))
		rest = strings.Replace(rest, u, " ", 1)
	}
	for _, e := range reEmail.FindAllString(rest, -1) {
		add(models.KindEmail, e)
		rest = strings.Replace(rest, e, " ", 1)
	}
	for _, ip := range reIPv4.FindAllString(rest, -1) {
		add(models.KindIP, ip)
		rest = strings.Replace(rest, ip, " ", 1)
	}
	for _, c := range reCVE.FindAllString(rest, -1) {
		add(models.CustomKind("cve"), strings.ToUpper(c))
	}
	for _, h := range reHash.FindAllString(rest, -1) {
		add(models.KindHash, h)
	}
	for _, d := range reDomain.FindAllString(rest, -1) {
		if looksLikeFile(strings.ToLower(d)) {
			continue
		}
		add(models.KindDomain, d)
	}
	return out
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05Z0700",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02",
}

// parseTime accepts RFC 3339, common feed layouts and unix seconds or milliseconds
func parseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return unixTime(float64(n)), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return unixTime(f), true
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func unixTime(v float64) time.Time {
	// values past year 5138 in seconds are milliseconds
	if v > 1e11 {
		return time.UnixMilli(int64(v)).UTC()
	}
	return time.Unix(int64(v), 0).UTC()
}

// splitTags splits a tag cell on the usual separators
func splitTags(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ';' || r == '|'
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
