package parsers

import (
	"fmt"
	"sort"
	"sync"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
	"tiace/pkg/logger"
)

// AnyFeedType registers a parser for a format regardless of feed type
const AnyFeedType models.FeedType = "*"

type key struct {
	feedType models.FeedType
	format   models.FeedFormat
}

// Registry maps (feed type, format) to a parser. Exact registrations win
// over AnyFeedType ones.
type Registry struct {
	mu      sync.RWMutex
	parsers map[key]Parser
	logger  *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		parsers: make(map[key]Parser),
		logger:  log.WithComponent("parser-registry"),
	}
}

// NewDefaultRegistry registers every built-in parser
func NewDefaultRegistry(log *logger.Logger) *Registry {
	r := NewRegistry(log)
	stix := NewSTIXParser()
	text := NewTextParser()
	feed := NewFeedXMLParser()
	for format, p := range map[models.FeedFormat]Parser{
		models.FormatSTIX2:         stix,
		models.FormatMISP:          NewMISPParser(),
		models.FormatVendorJSON:    NewVendorParser(),
		models.FormatCSV:           text,
		models.FormatTSV:           text,
		models.FormatPlain:         text,
		models.FormatCVEJSON:       NewCVEParser(),
		models.FormatRSS:           feed,
		models.FormatAtom:          feed,
		models.FormatCanonicalJSON: NewJSONParser(),
	} {
		// built-ins cannot collide
		_ = r.Register(AnyFeedType, format, p)
	}
	return r
}

// Register adds a parser; registering the same key twice is an error
func (r *Registry) Register(feedType models.FeedType, format models.FeedFormat, p Parser) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{feedType: feedType, format: format}
	if _, exists := r.parsers[k]; exists {
		return fmt.Errorf("parser already registered for %s/%s", feedType, format)
	}
	r.parsers[k] = p
	r.logger.Debug().Str("feed_type", string(feedType)).Str("format", string(format)).Str("parser", p.Name()).Msg("registered parser")
	return nil
}

// Lookup returns the parser for the pair
func (r *Registry) Lookup(feedType models.FeedType, format models.FeedFormat) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if p, ok := r.parsers[key{feedType, format}]; ok {
		return p, true
	}
	p, ok := r.parsers[key{AnyFeedType, format}]
	return p, ok
}

// Formats lists the registered keys as "type/format"
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.parsers))
	for k := range r.parsers {
		out = append(out, string(k.feedType)+"/"+string(k.format))
	}
	sort.Strings(out)
	return out
}

// Parse dispatches rec to its parser and applies the feed filters.
// Indicators rejected by the filters are counted as skipped.
func (r *Registry) Parse(rec sources.RawRecord, cfg *models.FeedConfiguration) (*ParseResult, error) {
	p, ok := r.Lookup(cfg.Type, cfg.Format)
	if !ok {
		return nil, models.Errorf(models.KindValidation, "parse", "no parser for %s/%s", cfg.Type, cfg.Format)
	}
	res, err := p.Parse(rec, cfg)
	if err != nil {
		return nil, err
	}
	res.applyFilter(NewFilter(cfg.Filters))
	return res, nil
}
