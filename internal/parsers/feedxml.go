package parsers

import (
	"bytes"
	"encoding/xml"
	"errors"
	"html"
	"io"
	"regexp"
	"strings"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
)

var reMarkup = regexp.MustCompile(`<[^>]*>`)

// FeedXMLParser extracts observables from RSS and Atom entries
type FeedXMLParser struct{}

// NewFeedXMLParser creates the RSS/Atom parser
func NewFeedXMLParser() *FeedXMLParser {
	return &FeedXMLParser{}
}

// Name implements Parser
func (p *FeedXMLParser) Name() string { return "feedxml" }

type rssDocument struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
	// RSS 1.0 keeps items beside the channel
	Items []rssItem `xml:"item"`
}

type rssItem struct {
	Title       string   `xml:"title"`
	Link        string   `xml:"link"`
	Description string   `xml:"description"`
	PubDate     string   `xml:"pubDate"`
	Categories  []string `xml:"category"`
	GUID        string   `xml:"guid"`
}

type atomDocument struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	Title string `xml:"title"`
	Links []struct {
		Href string `xml:"href,attr"`
		Rel  string `xml:"rel,attr"`
	} `xml:"link"`
	Summary    string `xml:"summary"`
	Content    string `xml:"content"`
	Updated    string `xml:"updated"`
	Published  string `xml:"published"`
	Categories []struct {
		Term string `xml:"term,attr"`
	} `xml:"category"`
}

// feedEntry is the common shape of an RSS item or Atom entry
type feedEntry struct {
	title, body, link, published, updated string
	categories                            []string
}

// Parse implements Parser
func (p *FeedXMLParser) Parse(rec sources.RawRecord, cfg *models.FeedConfiguration) (*ParseResult, error) {
	root, err := rootElement(rec.Data)
	if err != nil {
		return nil, models.NewError(models.KindMalformed, "feedxml_parse", err)
	}

	var entries []feedEntry
	switch root {
	case "rss", "RDF":
		var doc rssDocument
		if err := xml.Unmarshal(rec.Data, &doc); err != nil {
			return nil, models.NewError(models.KindMalformed, "rss_parse", err)
		}
		for _, it := range append(doc.Channel.Items, doc.Items...) {
			entries = append(entries, feedEntry{
				title: it.Title, body: it.Description, link: it.Link,
				published: it.PubDate, categories: it.Categories,
			})
		}
	case "feed":
		var doc atomDocument
		if err := xml.Unmarshal(rec.Data, &doc); err != nil {
			return nil, models.NewError(models.KindMalformed, "atom_parse", err)
		}
		for _, e := range doc.Entries {
			fe := feedEntry{
				title: e.Title, body: firstNonEmpty(e.Summary, e.Content),
				published: e.Published, updated: e.Updated,
			}
			for _, l := range e.Links {
				if l.Rel == "" || l.Rel == "alternate" {
					fe.link = l.Href
					break
				}
			}
			for _, c := range e.Categories {
				fe.categories = append(fe.categories, c.Term)
			}
			entries = append(entries, fe)
		}
	default:
		return nil, models.Errorf(models.KindSchemaDrift, "feedxml_parse", "unexpected root element %q", root)
	}

	res := NewResult(rec, cfg)
	for _, e := range entries {
		p.entry(res, e)
	}
	return res, nil
}

func (p *FeedXMLParser) entry(res *ParseResult, e feedEntry) {
	title := strings.TrimSpace(html.UnescapeString(e.title))
	body := strings.TrimSpace(html.UnescapeString(reMarkup.ReplaceAllString(html.UnescapeString(e.body), " ")))
	text := title + "\n" + body
	// the link of an entry with a body points at the article, not a threat
	if body == "" {
		text += "\n" + e.link
	}
	found := ExtractIndicators(text)
	if len(found) == 0 {
		res.Skip()
		return
	}

	published, _ := parseTime(e.published)
	updated, _ := parseTime(e.updated)
	var tags []string
	for _, c := range e.categories {
		tags = append(tags, splitTags(c)...)
	}

	var refs []Ref
	for _, x := range found {
		ind := &models.Indicator{
			Kind:        x.Kind,
			Value:       x.Value,
			Description: truncate(title, 256),
			Tags:        append([]string(nil), tags...),
			FirstSeen:   published,
			LastSeen:    updated,
		}
		if ref, ok := res.AddIndicator(ind); ok {
			refs = append(refs, ref)
		}
	}
	for i := 1; i < len(refs); i++ {
		res.Relate(refs[0], refs[i], models.EdgeRelatedTo, 0.5)
	}
}

func rootElement(data []byte) (string, error) {
	d := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			return "", errors.New("no root element")
		}
		if err != nil {
			return "", err
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local, nil
		}
	}
}
