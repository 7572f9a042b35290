package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		kind IndicatorKind
		in   string
		want string
	}{
		{"domain case", KindDomain, "EVIL.Example.COM", "evil.example.com"},
		{"domain defanged", KindDomain, "evil[.]example[.]com", "evil.example.com"},
		{"domain wildcard and root", KindDomain, "*.evil.example.com.", "evil.example.com"},
		{"ipv4", KindIP, " 192.168.001.1 ", "192.168.001.1"},
		{"ipv4 mapped", KindIP, "::ffff:10.0.0.1", "10.0.0.1"},
		{"ipv6 compressed", KindIP, "2001:DB8:0:0:0:0:0:1", "2001:db8::1"},
		{"ip with port", KindIP, "10.0.0.1:443", "10.0.0.1"},
		{"ip defanged", KindIP, "10[.]0[.]0[.]1", "10.0.0.1"},
		{"cidr masked", KindCIDR, "10.1.2.3/24", "10.1.2.0/24"},
		{"cidr bare ip", KindCIDR, "10.1.2.3", "10.1.2.3/32"},
		{"md5 upper", KindHash, "D41D8CD98F00B204E9800998ECF8427E", "d41d8cd98f00b204e9800998ecf8427e"},
		{"cert colons", KindCertFingerprint, "AB:CD:EF", "abcdef"},
		{"asn", KindASN, "as0015169", "AS15169"},
		{"asn bare", KindASN, "15169", "AS15169"},
		{"url scheme and host", KindURL, "HTTP://Evil.Example.com:80/Path?q=1#frag", "http://evil.example.com/Path?q=1"},
		{"url defanged", KindURL, "hxxps://evil[.]example[.]com/a", "https://evil.example.com/a"},
		{"email", KindEmail, "Bad@Evil[.]Example", "bad@evil.example"},
		{"mutex untouched", KindMutex, " Global\\Mtx ", "Global\\Mtx"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.kind, tt.in))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := map[IndicatorKind][]string{
		KindDomain: {
			"*.*.EVIL[.]com..", "a[[.].]b.com", "xn--80ak6aa92e.com",
			"*.*.*.*.*.*.*.*.*.*.evil.example.com",
			"evil" + strings.Repeat("[", 12) + "." + strings.Repeat("]", 12) + "com",
		},
		KindIP:     {"[::ffff:1.2.3.4]", "fe80::1%eth0", "not-an-ip"},
		KindCIDR:   {"::ffff:10.0.0.0/104", "2001:db8::1/64", "bogus"},
		KindURL:    {"hxxp://A.B/c d", "https://[2001:DB8::1]:443/x", "://broken", "hxxps[:]//x[.]y/z"},
		KindHash:   {"AA-BB CC", ""},
		KindASN:    {"ASN 0001", "as-x"},
		KindEmail:  {"A[at]B[dot]C"},
	}
	for kind, values := range inputs {
		for _, v := range values {
			once := Normalize(kind, v)
			assert.Equal(t, once, Normalize(kind, once), "kind=%s value=%q", kind, v)
		}
	}
	assert.Equal(t, "evil.example.com", Normalize(KindDomain, "*.*.*.*.*.*.*.*.*.*.evil.example.com"))
	assert.Equal(t, "evil.com", Normalize(KindDomain, "evil"+strings.Repeat("[", 12)+"."+strings.Repeat("]", 12)+"com"))
}

func TestFingerprint(t *testing.T) {
	a := &Indicator{Kind: KindDomain, Value: "EVIL.example.com"}
	b := &Indicator{Kind: KindDomain, Value: "evil.example.com"}
	a.Normalize()
	b.Normalize()
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	other := &Indicator{Kind: KindURL, Value: "evil.example.com"}
	assert.NotEqual(t, a.Fingerprint(), other.Fingerprint(), "kind is part of the fingerprint")
	assert.Len(t, a.Fingerprint().Hex(), 64)
}

func TestRegistrableDomain(t *testing.T) {
	assert.Equal(t, "example.com", RegistrableDomain("a.b.EXAMPLE.com"))
	assert.Equal(t, "example.co.uk", RegistrableDomain("www.example.co.uk"))
	assert.Equal(t, "localhost", RegistrableDomain("localhost"))
}

func TestIndicatorNormalize(t *testing.T) {
	ind := &Indicator{
		Kind:        KindDomain,
		Value:       "Evil.COM",
		Confidence:  1.7,
		Tags:        []string{"Phishing", " phishing", "c2"},
		SourceFeeds: []string{"b", "a", "b"},
		Hashes:      []string{"AA", "aa"},
	}
	ind.Normalize()

	assert.Equal(t, "evil.com", ind.Value)
	assert.Equal(t, 1.0, ind.Confidence)
	assert.Equal(t, SeverityInfo, ind.Severity)
	assert.Equal(t, []string{"c2", "phishing"}, ind.Tags)
	assert.Equal(t, []string{"a", "b"}, ind.SourceFeeds)
	assert.Equal(t, []string{"aa"}, ind.Hashes)
	assert.True(t, ind.HasTag("PHISHING"))
	assert.False(t, ind.HasTag("malware"))
}

func TestCombineConfidence(t *testing.T) {
	assert.InDelta(t, 0.75, CombineConfidence(0.5, 0.5), 1e-9)
	assert.InDelta(t, 0.0, CombineConfidence(), 1e-9)
	assert.InDelta(t, 1.0, CombineConfidence(1, 0.2), 1e-9)

	// monotone non-decreasing under added evidence
	base := CombineConfidence(0.3, 0.4)
	assert.GreaterOrEqual(t, CombineConfidence(0.3, 0.4, 0.1), base)
}

func TestCustomKind(t *testing.T) {
	assert.Equal(t, IndicatorKind("custom:cve"), CustomKind("CVE"))
	assert.Equal(t, IndicatorKind("custom:a-b"), CustomKind("a|b"))
	assert.Equal(t, IndicatorKind("custom:unknown"), CustomKind("  "))
	assert.True(t, CustomKind("x").IsCustom())
	assert.Equal(t, "x", CustomKind("x").CustomTag())

	k, ok := ParseKind("IPv4")
	require.True(t, ok)
	assert.Equal(t, KindIP, k)
	_, ok = ParseKind("wat")
	assert.False(t, ok)
}
