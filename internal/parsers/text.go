package parsers

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
)

// TextParser reads plain one-per-line lists and CSV or TSV tables
type TextParser struct{}

// NewTextParser creates the plain/CSV/TSV parser
func NewTextParser() *TextParser {
	return &TextParser{}
}

// Name implements Parser
func (p *TextParser) Name() string { return "text" }

// Parse implements Parser
func (p *TextParser) Parse(rec sources.RawRecord, cfg *models.FeedConfiguration) (*ParseResult, error) {
	if !utf8.Valid(rec.Data) {
		return nil, models.Errorf(models.KindMalformed, "text_parse", "document is not UTF-8")
	}
	res := NewResult(rec, cfg)
	defaultKind, _ := models.ParseKind(cfg.DefaultKind)

	switch cfg.Format {
	case models.FormatCSV, models.FormatTSV:
		if err := p.table(res, rec.Data, cfg, defaultKind); err != nil {
			return nil, err
		}
	default:
		p.lines(res, rec.Data, cfg, defaultKind)
	}
	return res, nil
}

func commentPrefix(cfg *models.FeedConfiguration) string {
	if cfg.CSV != nil && cfg.CSV.Comment != "" {
		return cfg.CSV.Comment
	}
	return "#"
}

func (p *TextParser) lines(res *ParseResult, data []byte, cfg *models.FeedConfiguration, kind models.IndicatorKind) {
	comment := commentPrefix(cfg)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64<<10), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, comment) || strings.HasPrefix(line, "//") {
			continue
		}
		// trailing inline comments: "1.2.3.4 # scanner"
		fields := strings.Fields(line)
		res.AddIndicator(&models.Indicator{Kind: kind, Value: fields[0]})
	}
	if err := sc.Err(); err != nil {
		res.Fail(models.NewError(models.KindMalformed, "text_parse", err))
	}
}

// columns resolves mapped column names to indexes; -1 means unmapped
type columns struct {
	value, kind, tags, date, confidence, severity int
}

// exportHeader is the header of the engine's own CSV export
var exportHeader = []string{"type", "value", "confidence", "severity", "source", "timestamp", "tags"}

func (p *TextParser) table(res *ParseResult, data []byte, cfg *models.FeedConfiguration, kind models.IndicatorKind) error {
	r := csv.NewReader(bytes.NewReader(data))
	if cfg.Format == models.FormatTSV {
		r.Comma = '\t'
	}
	if c, _ := utf8.DecodeRuneInString(commentPrefix(cfg)); c != utf8.RuneError {
		r.Comment = c
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var cols *columns
	mapping := cfg.CSV
	if mapping != nil && !mapping.HeaderRow {
		c, err := indexColumns(mapping)
		if err != nil {
			return err
		}
		cols = c
	}

	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				res.Fail(models.NewError(models.KindMalformed, "csv_row", err))
				continue
			}
			return models.NewError(models.KindMalformed, "csv_parse", err)
		}
		if cols == nil {
			c, header, err := headerColumns(mapping, row)
			if err != nil {
				return err
			}
			cols = c
			if header {
				continue
			}
		}
		p.row(res, cfg, cols, row, kind)
	}
}

// headerColumns maps a header row. Without a mapping a header that contains
// a "value" column is recognised; otherwise the first column is the value.
func headerColumns(m *models.CSVMapping, row []string) (*columns, bool, error) {
	index := make(map[string]int, len(row))
	for i, name := range row {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	col := func(name string) int {
		if name == "" {
			return -1
		}
		if i, ok := index[strings.ToLower(name)]; ok {
			return i
		}
		return -1
	}
	if m == nil {
		if _, ok := index["value"]; !ok {
			return &columns{value: 0, kind: -1, tags: -1, date: -1, confidence: -1, severity: -1}, false, nil
		}
		return &columns{
			value:      col(exportHeader[1]),
			kind:       col(exportHeader[0]),
			confidence: col(exportHeader[2]),
			severity:   col(exportHeader[3]),
			date:       col(exportHeader[5]),
			tags:       col(exportHeader[6]),
		}, true, nil
	}
	c := &columns{
		value:      col(m.ValueColumn),
		kind:       col(m.KindColumn),
		tags:       col(m.TagsColumn),
		date:       col(m.DateColumn),
		confidence: col(m.ConfidenceColumn),
		severity:   col(m.SeverityColumn),
	}
	if c.value < 0 {
		return nil, false, models.Errorf(models.KindSchemaDrift, "csv_header", "value column %q not in header", m.ValueColumn)
	}
	return c, true, nil
}

func indexColumns(m *models.CSVMapping) (*columns, error) {
	col := func(s string) (int, error) {
		if s == "" {
			return -1, nil
		}
		return strconv.Atoi(s)
	}
	var c columns
	var err error
	for _, f := range []struct {
		dst *int
		src string
	}{
		{&c.value, m.ValueColumn}, {&c.kind, m.KindColumn}, {&c.tags, m.TagsColumn},
		{&c.date, m.DateColumn}, {&c.confidence, m.ConfidenceColumn}, {&c.severity, m.SeverityColumn},
	} {
		if *f.dst, err = col(f.src); err != nil {
			return nil, models.Errorf(models.KindValidation, "csv_mapping", "column %q is not an index", f.src)
		}
	}
	if c.value < 0 {
		c.value = 0
	}
	return &c, nil
}

func cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

func (p *TextParser) row(res *ParseResult, cfg *models.FeedConfiguration, c *columns, row []string, kind models.IndicatorKind) {
	value := cell(row, c.value)
	if value == "" {
		res.Fail(models.Errorf(models.KindSchemaDrift, "csv_row", "row without value"))
		return
	}
	ind := &models.Indicator{Kind: kind, Value: value}
	if k := cell(row, c.kind); k != "" {
		if parsed, ok := models.ParseKind(k); ok {
			ind.Kind = parsed
		}
	}
	if v := cell(row, c.confidence); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			if f > 1 {
				f /= 100
			}
			ind.Confidence = models.ClampUnit(f)
		}
	}
	if v := cell(row, c.severity); v != "" {
		ind.Severity = models.ParseSeverity(v)
	}
	if v := cell(row, c.date); v != "" {
		ind.LastSeen, _ = parseTime(v)
	}
	if v := cell(row, c.tags); v != "" {
		ind.Tags = splitTags(v)
	}
	if raw, err := json.Marshal(row); err == nil {
		keepRaw(ind, cfg.ID, raw)
	}
	res.AddIndicator(ind)
}
