package parsers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
	"tiace/pkg/logger"
)

var fetched = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func testFeed(t models.FeedType, f models.FeedFormat) *models.FeedConfiguration {
	return &models.FeedConfiguration{ID: "feed-" + string(f), TenantID: "acme", Type: t, Format: f}
}

func record(cfg *models.FeedConfiguration, data string) sources.RawRecord {
	return sources.RawRecord{FeedID: cfg.ID, FeedType: cfg.Type, Format: cfg.Format, FetchedAt: fetched, Data: []byte(data)}
}

func parse(t *testing.T, cfg *models.FeedConfiguration, data string) *ParseResult {
	t.Helper()
	res, err := NewDefaultRegistry(logger.Nop()).Parse(record(cfg, data), cfg)
	require.NoError(t, err)
	return res
}

func values(res *ParseResult) map[string]*models.Indicator {
	out := make(map[string]*models.Indicator, len(res.Indicators))
	for _, ind := range res.Indicators {
		out[string(ind.Kind)+"|"+ind.Value] = ind
	}
	return out
}

func TestSTIXAndMISPHashShareFingerprint(t *testing.T) {
	stixFeed := testFeed(models.FeedTypeTAXII, models.FormatSTIX2)
	stixRes := parse(t, stixFeed, `{
		"type": "bundle", "id": "bundle--1",
		"objects": [{
			"type": "indicator", "spec_version": "2.1",
			"id": "indicator--6c9c0f2e-5b8c-4b35-9d1a-6e0b8a6a1c11",
			"created": "2024-01-01T00:00:00Z", "modified": "2024-01-02T00:00:00Z",
			"pattern": "[file:hashes.MD5 = 'd41d8cd98f00b204e9800998ecf8427e']",
			"pattern_type": "stix", "valid_from": "2024-01-01T00:00:00Z", "confidence": 80
		}]
	}`)
	mispFeed := testFeed(models.FeedTypeMISP, models.FormatMISP)
	mispRes := parse(t, mispFeed, `{"Event": {
		"uuid": "e1", "info": "empty file", "date": "2024-01-01", "threat_level_id": "2",
		"Attribute": [{"uuid": "a1", "type": "md5", "category": "Payload delivery",
			"value": "D41D8CD98F00B204E9800998ECF8427E", "to_ids": true, "timestamp": "1704067200"}]
	}}`)

	require.Len(t, stixRes.Indicators, 1)
	require.Len(t, mispRes.Indicators, 1)
	a, b := stixRes.Indicators[0], mispRes.Indicators[0]
	assert.Equal(t, models.KindHash, a.Kind)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
	assert.InDelta(t, 0.8, a.Confidence, 1e-9)
	assert.Equal(t, models.SeverityHigh, b.Severity)
	assert.Equal(t, []string{mispFeed.ID}, b.SourceFeeds)
}

func TestSTIXRelationshipsAndMalware(t *testing.T) {
	cfg := testFeed(models.FeedTypeTAXII, models.FormatSTIX2)
	res := parse(t, cfg, `[
		{"type": "indicator", "id": "indicator--1", "pattern": "[domain-name:value = 'evil.example'] OR [ipv4-addr:value = '203.0.113.9']",
		 "pattern_type": "stix", "created": "2024-01-01T00:00:00Z", "modified": "2024-01-01T00:00:00Z", "labels": ["c2"]},
		{"type": "threat-actor", "id": "threat-actor--1", "name": "Fancy Bear", "aliases": ["APT28"], "primary_motivation": "espionage"},
		{"type": "malware", "id": "malware--1", "name": "Emotet", "is_family": true},
		{"type": "relationship", "id": "relationship--1", "relationship_type": "indicates", "source_ref": "indicator--1", "target_ref": "threat-actor--1"},
		{"type": "relationship", "id": "relationship--2", "relationship_type": "indicates", "source_ref": "indicator--1", "target_ref": "malware--1"},
		{"type": "relationship", "id": "relationship--3", "relationship_type": "uses", "source_ref": "indicator--9", "target_ref": "threat-actor--1"},
		{"type": "indicator", "id": "indicator--2", "pattern": "rule x {}", "pattern_type": "yara"}
	]`)

	require.Len(t, res.Indicators, 2)
	require.Len(t, res.Actors, 1)
	assert.Equal(t, []string{"APT28"}, res.Actors[0].Aliases)
	for _, ind := range res.Indicators {
		assert.True(t, ind.HasTag("malware:emotet"), ind.Value)
		assert.True(t, ind.HasTag("c2"), ind.Value)
	}
	var attributed int
	for _, rel := range res.Relationships {
		if rel.Type == models.EdgeAttributedTo {
			attributed++
			assert.Equal(t, models.EntityActor, rel.Target.Kind)
		}
	}
	assert.Equal(t, 2, attributed)
	// unresolved relationship and yara pattern
	assert.Equal(t, 2, res.Skipped)
}

func TestSTIXMalformedDocument(t *testing.T) {
	cfg := testFeed(models.FeedTypeTAXII, models.FormatSTIX2)
	_, err := NewDefaultRegistry(logger.Nop()).Parse(record(cfg, `{"objects": [`), cfg)
	assert.ErrorIs(t, err, models.ErrMalformed)
}

func TestMISPCompositeAndGalaxy(t *testing.T) {
	cfg := testFeed(models.FeedTypeMISP, models.FormatMISP)
	res := parse(t, cfg, `{"response": [{"Event": {
		"uuid": "e2", "info": "phishing wave", "date": "2024-03-01", "threat_level_id": "1",
		"Orgc": {"name": "CIRCL"},
		"Tag": [{"name": "tlp:white"}],
		"Galaxy": [
			{"type": "threat-actor", "GalaxyCluster": [{"value": "Sofacy", "meta": {"synonyms": ["APT28"], "country": ["RU"]}}]},
			{"type": "mitre-attack-pattern", "GalaxyCluster": [{"value": "Spearphishing Link - T1566.002"}]},
			{"type": "campaign", "GalaxyCluster": [{"value": "Winter Wave"}]}
		],
		"Attribute": [
			{"uuid": "a1", "type": "domain|ip", "value": "login-example.net|198.51.100.7", "to_ids": true},
			{"uuid": "a2", "type": "ip-dst|port", "value": "198.51.100.8|8443", "to_ids": true},
			{"uuid": "a3", "type": "filename|sha256", "value": "dropper.exe|`+sha256+`", "to_ids": true},
			{"uuid": "a4", "type": "comment", "value": "context only", "to_ids": false},
			{"uuid": "a5", "type": "yara", "value": "rule x {}", "to_ids": true}
		]
	}}]}`)

	got := values(res)
	require.Contains(t, got, "domain|login-example.net")
	require.Contains(t, got, "ip|198.51.100.7")
	require.Contains(t, got, "ip|198.51.100.8")
	require.Contains(t, got, "hash|"+sha256)
	require.Contains(t, got, string(models.CustomKind("yara"))+"|rule x {}")

	ip := got["ip|198.51.100.8"]
	assert.Equal(t, []int{8443}, ip.Context.Ports)
	assert.Equal(t, models.SeverityCritical, ip.Severity)
	assert.InDelta(t, 0.75, ip.Confidence, 1e-9)
	assert.True(t, ip.HasTag("tlp_white"))
	assert.True(t, ip.HasTag("org:circl"))
	assert.True(t, ip.HasTag("mitre:t1566.002"))
	assert.Equal(t, 1, res.Skipped)

	require.Len(t, res.Actors, 1)
	assert.Equal(t, "RU", res.Actors[0].OriginHint)
	require.Len(t, res.Campaigns, 1)
	assert.Equal(t, []string{"Spearphishing Link - T1566.002"}, res.Campaigns[0].TTPs)

	var related, campaignActor bool
	for _, rel := range res.Relationships {
		if rel.Type == models.EdgeRelatedTo && rel.Source.Key != rel.Target.Key {
			related = true
		}
		if rel.Source.Kind == models.EntityCampaign && rel.Target.Kind == models.EntityActor {
			campaignActor = true
		}
	}
	assert.True(t, related, "composite parts are related")
	assert.True(t, campaignActor)
}

const sha256 = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"

func TestMISPKind(t *testing.T) {
	assert.Equal(t, models.KindIP, MISPKind("ip-src"))
	assert.Equal(t, models.KindCIDR, MISPKind("ip-dst/netmask"))
	assert.Equal(t, models.CustomKind("cve"), MISPKind("vulnerability"))
	assert.Equal(t, models.CustomKind("btc"), MISPKind("btc"))
}

func TestVendorMapping(t *testing.T) {
	cfg := testFeed(models.FeedTypeCommercial, models.FormatVendorJSON)
	cfg.Vendor = &models.VendorMapping{
		ItemsPath:       "data.items",
		ValueField:      "ioc",
		KindField:       "type",
		KindAliases:     map[string]string{"ipv4": "ip", "fqdn": "domain"},
		ConfidenceField: "score",
		SeverityField:   "risk",
		TagsField:       "labels",
		LastSeenField:   "seen",
		OrgField:        "owner",
		ActorField:      "actor",
	}
	res := parse(t, cfg, `{"data": {"items": [
		{"ioc": "192.0.2.10", "type": "ipv4", "score": 90, "risk": "high", "labels": ["botnet"], "seen": 1714564800, "owner": "ACME CERT", "actor": "Lazarus"},
		{"ioc": "bad.example", "type": "fqdn", "score": 0.4, "risk": 85, "labels": "phish;kit"},
		{"ioc": "1BoatSLRHtKNngkdXEeobR76b53LETtpyT", "type": "btc"},
		{"type": "ipv4"}
	]}}`)

	got := values(res)
	ip := got["ip|192.0.2.10"]
	require.NotNil(t, ip)
	assert.InDelta(t, 0.9, ip.Confidence, 1e-9)
	assert.Equal(t, models.SeverityHigh, ip.Severity)
	assert.True(t, ip.HasTag("org:acme cert"))
	assert.Equal(t, time.Unix(1714564800, 0).UTC(), ip.LastSeen)

	dom := got["domain|bad.example"]
	require.NotNil(t, dom)
	assert.InDelta(t, 0.4, dom.Confidence, 1e-9)
	assert.Equal(t, models.SeverityFromScore(0.85), dom.Severity)
	assert.True(t, dom.HasTag("phish"))
	assert.True(t, dom.HasTag("kit"))

	assert.Contains(t, got, string(models.CustomKind("btc"))+"|1BoatSLRHtKNngkdXEeobR76b53LETtpyT")
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], models.ErrSchemaDrift)
	require.Len(t, res.Actors, 1)
	require.Len(t, res.Relationships, 1)
	assert.Equal(t, models.EdgeAttributedTo, res.Relationships[0].Type)
}

func TestVendorItemsPathDrift(t *testing.T) {
	cfg := testFeed(models.FeedTypeCommercial, models.FormatVendorJSON)
	cfg.Vendor = &models.VendorMapping{ItemsPath: "results", ValueField: "v"}
	_, err := NewDefaultRegistry(logger.Nop()).Parse(record(cfg, `{"results": {"v": 1}}`), cfg)
	assert.ErrorIs(t, err, models.ErrSchemaDrift)
}

func TestPlainList(t *testing.T) {
	cfg := testFeed(models.FeedTypeOpenSource, models.FormatPlain)
	res := parse(t, cfg, "# blocklist\n\n198.51.100.1\n198.51.100.1 # dup\nevil[.]example\nnot a thing at all\n")
	got := values(res)
	assert.Len(t, res.Indicators, 2)
	assert.Contains(t, got, "ip|198.51.100.1")
	assert.Contains(t, got, "domain|evil.example")
	require.Len(t, res.Errors, 1)
	assert.ErrorIs(t, res.Errors[0], models.ErrMalformed)
}

func TestCSVWithMapping(t *testing.T) {
	cfg := testFeed(models.FeedTypeOpenSource, models.FormatCSV)
	cfg.DefaultKind = "url"
	cfg.CSV = &models.CSVMapping{ValueColumn: "2", DateColumn: "1", TagsColumn: "4"}
	res := parse(t, cfg, `# id,dateadded,url,url_status,tags
"1","2024-04-30 10:00:00","http://203.0.113.5/bins/x86","online","elf,mirai"
"2","2024-04-30 11:00:00","http://malware.example/a.exe","offline","exe"
`)
	require.Len(t, res.Indicators, 2)
	got := values(res)
	u := got["url|http://203.0.113.5/bins/x86"]
	require.NotNil(t, u)
	assert.True(t, u.HasTag("mirai"))
	assert.Equal(t, time.Date(2024, 4, 30, 10, 0, 0, 0, time.UTC), u.LastSeen)
}

func TestCSVExportHeaderRoundTrip(t *testing.T) {
	cfg := testFeed(models.FeedTypeCustom, models.FormatCSV)
	res := parse(t, cfg, "type,value,confidence,severity,source,timestamp,tags\n"+
		"domain,evil.example,0.9,high,f1;f2,2024-05-01T00:00:00Z,c2;apt\n")
	require.Len(t, res.Indicators, 1)
	ind := res.Indicators[0]
	assert.Equal(t, models.KindDomain, ind.Kind)
	assert.InDelta(t, 0.9, ind.Confidence, 1e-9)
	assert.Equal(t, models.SeverityHigh, ind.Severity)
	assert.Equal(t, []string{"apt", "c2"}, ind.Tags)
}

func TestTSVHeaderByName(t *testing.T) {
	cfg := testFeed(models.FeedTypeOpenSource, models.FormatTSV)
	cfg.CSV = &models.CSVMapping{HeaderRow: true, ValueColumn: "indicator", ConfidenceColumn: "conf"}
	res := parse(t, cfg, "indicator\tconf\n192.0.2.1\t70\n")
	require.Len(t, res.Indicators, 1)
	assert.InDelta(t, 0.7, res.Indicators[0].Confidence, 1e-9)

	cfg.CSV.ValueColumn = "missing"
	_, err := NewDefaultRegistry(logger.Nop()).Parse(record(cfg, "indicator\tconf\n192.0.2.1\t70\n"), cfg)
	assert.ErrorIs(t, err, models.ErrSchemaDrift)
}

func TestFiltersCountSkipped(t *testing.T) {
	cfg := testFeed(models.FeedTypeCustom, models.FormatCSV)
	cfg.Filters = models.FeedFilters{MinConfidence: 0.5, Tags: []string{"c2"}}
	res := parse(t, cfg, "type,value,confidence,severity,source,timestamp,tags\n"+
		"ip,192.0.2.1,0.9,high,,,c2\n"+
		"ip,192.0.2.2,0.2,high,,,c2\n"+
		"ip,192.0.2.3,0.9,high,,,spam\n")
	require.Len(t, res.Indicators, 1)
	assert.Equal(t, "192.0.2.1", res.Indicators[0].Value)
	assert.Equal(t, 2, res.Skipped)
}

func TestFilterPrunesEdges(t *testing.T) {
	cfg := testFeed(models.FeedTypeMISP, models.FormatMISP)
	cfg.Filters = models.FeedFilters{Severities: []models.Severity{models.SeverityCritical}}
	res := parse(t, cfg, `{"Event": {"uuid": "e", "info": "x", "threat_level_id": "3",
		"Attribute": [{"type": "domain|ip", "value": "a.example|192.0.2.4", "to_ids": true}]}}`)
	assert.Empty(t, res.Indicators)
	assert.Empty(t, res.Relationships)
	assert.Equal(t, 2, res.Skipped)
}

func TestFilterOrganization(t *testing.T) {
	f := NewFilter(models.FeedFilters{Organizations: []string{"CIRCL"}})
	assert.NoError(t, f.Apply(&models.Indicator{Tags: []string{"org:circl"}}))
	assert.NoError(t, f.Apply(&models.Indicator{Context: models.IndicatorContext{Organization: "circl"}}))
	assert.ErrorIs(t, f.Apply(&models.Indicator{}), models.ErrFilteredOut)
}

func TestCVEFeeds(t *testing.T) {
	cfg := testFeed(models.FeedTypeOpenSource, models.FormatCVEJSON)
	res := parse(t, cfg, `{"vulnerabilities": [
		{"cve": {"id": "CVE-2024-3400", "published": "2024-04-12T08:15:06.230",
			"descriptions": [{"lang": "en", "value": "PAN-OS command injection"}],
			"metrics": {"cvssMetricV31": [{"cvssData": {"baseScore": 10.0, "baseSeverity": "CRITICAL"}}]}}},
		{"cveID": "cve-2023-4966", "vendorProject": "Citrix", "dateAdded": "2023-10-18",
			"shortDescription": "Citrix Bleed", "knownRansomwareCampaignUse": "Known"},
		{"cveID": "CVE-2021-44228", "vendorProject": "Apache", "dateAdded": "2021-12-10", "knownRansomwareCampaignUse": "Unknown"}
	]}`)
	got := values(res)
	nvd := got[string(KindCVE)+"|CVE-2024-3400"]
	require.NotNil(t, nvd)
	assert.Equal(t, models.SeverityCritical, nvd.Severity)
	assert.Equal(t, "PAN-OS command injection", nvd.Description)

	bleed := got[string(KindCVE)+"|CVE-2023-4966"]
	require.NotNil(t, bleed)
	assert.Equal(t, models.SeverityCritical, bleed.Severity)
	assert.True(t, bleed.HasTag("ransomware"))
	assert.InDelta(t, 0.9, bleed.Confidence, 1e-9)

	log4j := got[string(KindCVE)+"|CVE-2021-44228"]
	require.NotNil(t, log4j)
	assert.Equal(t, models.SeverityHigh, log4j.Severity)
	assert.False(t, log4j.HasTag("ransomware"))
}

func TestRSSExtraction(t *testing.T) {
	cfg := testFeed(models.FeedTypeOpenSource, models.FormatRSS)
	res := parse(t, cfg, `<?xml version="1.0"?>
<rss version="2.0"><channel><title>blog</title>
<item>
  <title>New loader contacts 203.0.113.77</title>
  <link>https://blog.example/posts/loader</link>
  <description>&lt;p&gt;Payload at hxxp://stage[.]example/p.bin, hash 44d88612fea8a8f36de82e1278abb02f&lt;/p&gt;</description>
  <pubDate>Wed, 01 May 2024 10:00:00 +0000</pubDate>
  <category>loader</category>
</item>
<item><title>Weekly roundup</title><description>nothing technical here</description></item>
</channel></rss>`)
	got := values(res)
	assert.Contains(t, got, "ip|203.0.113.77")
	assert.Contains(t, got, "hash|44d88612fea8a8f36de82e1278abb02f")
	assert.Contains(t, got, "url|http://stage.example/p.bin")
	assert.NotContains(t, got, "url|https://blog.example/posts/loader")
	assert.Equal(t, 1, res.Skipped)
	for _, ind := range res.Indicators {
		assert.True(t, ind.HasTag("loader"))
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), ind.FirstSeen)
	}
}

func TestAtomLinkOnlyEntry(t *testing.T) {
	cfg := testFeed(models.FeedTypeOpenSource, models.FormatAtom)
	res := parse(t, cfg, `<feed xmlns="http://www.w3.org/2005/Atom">
<entry><title>phish</title><link href="http://phish.example/login"/><updated>2024-05-01T00:00:00Z</updated></entry>
</feed>`)
	assert.Contains(t, values(res), "url|http://phish.example/login")
}

func TestCanonicalJSONImport(t *testing.T) {
	cfg := testFeed(models.FeedTypeCustom, models.FormatCanonicalJSON)
	res := parse(t, cfg, `{
		"indicators": [{"id": "7d3f1a4e-2b1c-4a5e-9f00-000000000001", "kind": "domain", "value": "evil.example",
			"confidence": 0.8, "severity": "high", "first_seen": "2024-01-01T00:00:00Z", "last_seen": "2024-02-01T00:00:00Z",
			"source_feeds": ["a", "b"], "tags": ["c2"], "context": {"asn": "AS64500"}, "scoring": {}}],
		"actors": [{"id": "7d3f1a4e-2b1c-4a5e-9f00-000000000002", "name": "Lazarus", "sophistication": "expert"}],
		"relationships": [{"source": {"id": "7d3f1a4e-2b1c-4a5e-9f00-000000000001", "kind": "indicator"},
			"target": {"id": "7d3f1a4e-2b1c-4a5e-9f00-000000000002", "kind": "actor"}, "type": "attributed-to", "confidence": 0.6}]
	}`)
	require.Len(t, res.Indicators, 1)
	ind := res.Indicators[0]
	assert.Equal(t, []string{"a", "b"}, ind.SourceFeeds)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ind.FirstSeen)
	require.Len(t, res.Relationships, 1)
	assert.Equal(t, models.EntityActor, res.Relationships[0].Target.Kind)
}

func TestRegistry(t *testing.T) {
	r := NewDefaultRegistry(logger.Nop())
	p, ok := r.Lookup(models.FeedTypeTAXII, models.FormatSTIX2)
	require.True(t, ok)
	assert.Equal(t, "stix2", p.Name())

	require.NoError(t, r.Register(models.FeedTypeTAXII, models.FormatSTIX2, NewJSONParser()))
	p, _ = r.Lookup(models.FeedTypeTAXII, models.FormatSTIX2)
	assert.Equal(t, "json", p.Name(), "exact registration wins")
	assert.Error(t, r.Register(models.FeedTypeTAXII, models.FormatSTIX2, NewJSONParser()))

	cfg := testFeed(models.FeedTypeCustom, models.FeedFormat("pdf"))
	_, err := r.Parse(record(cfg, "x"), cfg)
	assert.ErrorIs(t, err, models.ErrValidation)
}
