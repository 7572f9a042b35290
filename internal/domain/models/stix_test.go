package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSTIXPattern(t *testing.T) {
	terms := ParseSTIXPattern("[file:hashes.MD5 = 'd41d8cd98f00b204e9800998ecf8427e']")
	require.Len(t, terms, 1)
	assert.Equal(t, KindHash, terms[0].Kind)
	assert.Equal(t, "d41d8cd98f00b204e9800998ecf8427e", terms[0].Value)

	terms = ParseSTIXPattern("[url:value = 'http://x.test/a' AND file:hashes.'SHA-256' = 'ab'] OR [domain-name:value != 'skip.test']")
	require.Len(t, terms, 2)
	assert.Equal(t, KindURL, terms[0].Kind)
	assert.Equal(t, KindHash, terms[1].Kind)

	terms = ParseSTIXPattern("[autonomous-system:number = 15169]")
	require.Len(t, terms, 1)
	assert.Equal(t, KindASN, terms[0].Kind)
	assert.Equal(t, "15169", terms[0].Value)

	terms = ParseSTIXPattern("[x-acme-thing:value = 'q']")
	require.Len(t, terms, 1)
	assert.Equal(t, CustomKind("x-acme-thing"), terms[0].Kind)
}

func TestSTIXPatternRoundTrip(t *testing.T) {
	cases := []struct {
		kind  IndicatorKind
		value string
	}{
		{KindDomain, "evil.example.com"},
		{KindIP, "10.0.0.1"},
		{KindIP, "2001:db8::1"},
		{KindCIDR, "10.0.0.0/8"},
		{KindURL, "http://evil.example.com/it's"},
		{KindHash, "d41d8cd98f00b204e9800998ecf8427e"},
		{KindCertFingerprint, strings.Repeat("ab", 20)},
		{KindEmail, "bad@evil.example"},
		{KindMutex, `Global\mtx`},
		{KindUserAgent, "Mozilla/5.0 (evil)"},
		{KindASN, "AS15169"},
		{CustomKind("cve"), "cve-2024-0001"},
	}
	for _, c := range cases {
		t.Run(string(c.kind)+"/"+c.value, func(t *testing.T) {
			terms := ParseSTIXPattern(BuildSTIXPattern(c.kind, c.value))
			require.Len(t, terms, 1)
			assert.Equal(t, c.kind, terms[0].Kind)
			assert.Equal(t, c.value, Normalize(c.kind, terms[0].Value))
		})
	}
}

func TestDeterministicSTIXID(t *testing.T) {
	a := DeterministicSTIXID(STIXTypeIndicator, "domain|evil.example.com")
	b := DeterministicSTIXID(STIXTypeIndicator, "domain|evil.example.com")
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "indicator--"))
	assert.NotEqual(t, a, DeterministicSTIXID(STIXTypeIndicator, "domain|other.example.com"))
}

func TestHashAlgorithm(t *testing.T) {
	assert.Equal(t, "MD5", HashAlgorithm(strings.Repeat("a", 32)))
	assert.Equal(t, "SHA-1", HashAlgorithm(strings.Repeat("a", 40)))
	assert.Equal(t, "SHA-256", HashAlgorithm(strings.Repeat("a", 64)))
	assert.Equal(t, "SHA-512", HashAlgorithm(strings.Repeat("a", 128)))
}
