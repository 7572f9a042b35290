package presets

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiace/internal/config"
	"tiace/internal/domain/models"
	"tiace/internal/parsers"
	"tiace/internal/sources"
	"tiace/pkg/logger"
)

func TestPresetsValidate(t *testing.T) {
	fv := config.NewFeedValidator()
	for _, p := range List() {
		t.Run(p.Name, func(t *testing.T) {
			f := p.Instantiate("acme", "")
			assert.Equal(t, p.Name, f.ID)
			assert.True(t, f.Enabled)
			assert.NoError(t, fv.Validate(f))
		})
	}
}

func TestInstantiateDoesNotShareState(t *testing.T) {
	p, ok := Get("threatfox")
	require.True(t, ok)

	a := p.Instantiate("acme", "tf")
	a.Vendor.KindAliases["x"] = "y"
	a.Tags = append(a.Tags, "mutated")

	b := p.Instantiate("globex", "")
	assert.Equal(t, "threatfox", b.ID)
	assert.Equal(t, "globex", b.TenantID)
	assert.NotContains(t, b.Vendor.KindAliases, "x")
	assert.Equal(t, "${THREATFOX_API_KEY}", b.Auth.APIKey)
	assert.Equal(t, "Auth-Key", b.Auth.Header)

	_, ok = Get("nope")
	assert.False(t, ok)
}

func TestCatalogRoundTrip(t *testing.T) {
	urlhaus, _ := Get("urlhaus")
	otx, _ := Get("alienvault-otx")
	doc, err := Catalog(urlhaus.Instantiate("acme", ""), otx.Instantiate("acme", "otx"))
	require.NoError(t, err)

	feeds, err := config.ParseFeeds(doc)
	require.NoError(t, err)
	require.Len(t, feeds, 2)
	assert.Equal(t, "urlhaus", feeds[0].ID)
	require.NotNil(t, feeds[0].CSV)
	assert.Equal(t, "2", feeds[0].CSV.ValueColumn)
	assert.Equal(t, models.AuthAPIKey, feeds[1].Auth.Type)
	assert.Equal(t, "${OTX_API_KEY}", feeds[1].Auth.APIKey)
	assert.Equal(t, "results", feeds[1].Vendor.ItemsPath)
}

func TestURLhausLayout(t *testing.T) {
	p, _ := Get("urlhaus")
	cfg := p.Instantiate("acme", "")
	data := `################################################################
# abuse.ch URLhaus Database Dump (CSV - recent URLs)           #
# id,dateadded,url,url_status,last_online,threat,tags,urlhaus_link,reporter
"3180291","2024-09-01 12:00:05","http://198.51.100.7/bin.sh","online","2024-09-01 12:00:05","malware_download","elf,mozi","https://urlhaus.abuse.ch/url/3180291/","geenensp"
"3180290","2024-09-01 11:58:44","https://bad.example.net/payload.exe","offline","","malware_download","exe","https://urlhaus.abuse.ch/url/3180290/","anonymous"
`
	rec := sources.RawRecord{FeedID: cfg.ID, FeedType: cfg.Type, Format: cfg.Format, FetchedAt: time.Now().UTC(), Data: []byte(data)}
	res, err := parsers.NewDefaultRegistry(logger.Nop()).Parse(rec, cfg)
	require.NoError(t, err)
	require.Len(t, res.Indicators, 2)
	for _, ind := range res.Indicators {
		assert.Equal(t, models.KindURL, ind.Kind)
	}
	assert.Contains(t, res.Indicators[0].Tags, "mozi")
}

func TestSpamhausLayout(t *testing.T) {
	p, _ := Get("spamhaus-drop")
	cfg := p.Instantiate("acme", "")
	data := "; Spamhaus DROP List 2024/09/01\n; Last-Modified: Sun, 01 Sep 2024 06:00:00 GMT\n1.10.16.0/20 ; SBL256894\n2.56.192.0/22 ; SBL459831\n"
	rec := sources.RawRecord{FeedID: cfg.ID, FeedType: cfg.Type, Format: cfg.Format, FetchedAt: time.Now().UTC(), Data: []byte(data)}
	res, err := parsers.NewDefaultRegistry(logger.Nop()).Parse(rec, cfg)
	require.NoError(t, err)
	require.Len(t, res.Indicators, 2)
	assert.Equal(t, models.KindCIDR, res.Indicators[0].Kind)
	assert.Equal(t, "1.10.16.0/20", res.Indicators[0].Value)
}
