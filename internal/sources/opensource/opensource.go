// Package opensource downloads plain, CSV, TSV, RSS and Atom feed documents.
package opensource

import (
	"bytes"
	"context"
	"time"

	"tiace/internal/domain/models"
	"tiace/internal/sources"
	"tiace/pkg/logger"
)

// chunkBytes bounds a single record for line oriented formats
const chunkBytes = 4 << 20

// Connector fetches one document per sync. Large line oriented documents are
// split at line boundaries; CSV chunks after the first repeat the header row.
type Connector struct {
	*sources.BaseConnector
	logger *logger.Logger
}

// NewConnector creates an open source feed connector
func NewConnector(t *sources.Transport, log *logger.Logger) *Connector {
	return &Connector{
		BaseConnector: sources.NewBaseConnector(models.FeedTypeOpenSource, t),
		logger:        log.WithComponent("opensource"),
	}
}

// Fetch downloads the document. since is ignored: these feeds are snapshots.
func (c *Connector) Fetch(ctx context.Context, cfg *models.FeedConfiguration, since *time.Time) *sources.RecordStream {
	return sources.NewRecordStream(ctx, func(ctx context.Context, emit sources.Emit) error {
		resp, err := c.Transport().Do(ctx, cfg, sources.Request{URL: cfg.URL})
		if err != nil {
			return err
		}

		switch cfg.Format {
		case models.FormatCSV, models.FormatTSV, models.FormatPlain:
		default:
			emit(sources.NewRecord(cfg, resp.Body, ""))
			return nil
		}

		chunks := SplitLines(resp.Body, chunkBytes, cfg.CSV != nil && cfg.CSV.HeaderRow)
		c.logger.Debug().Str("feed", cfg.ID).Int("bytes", len(resp.Body)).Int("chunks", len(chunks)).Msg("downloaded feed document")
		for _, chunk := range chunks {
			if !emit(sources.NewRecord(cfg, chunk, "")) {
				return nil
			}
		}
		return nil
	})
}

// SplitLines cuts data into chunks of at most max bytes at line boundaries.
// A single line longer than max becomes its own chunk. With header set, the
// first non comment line is repeated at the start of every later chunk.
func SplitLines(data []byte, max int, header bool) [][]byte {
	if len(data) <= max {
		return [][]byte{data}
	}
	var headerLine []byte
	if header {
		rest := data
		for len(rest) > 0 {
			line, tail, _ := bytes.Cut(rest, []byte("\n"))
			rest = tail
			trimmed := bytes.TrimSpace(line)
			if len(trimmed) == 0 || trimmed[0] == '#' {
				continue
			}
			headerLine = append(append([]byte(nil), line...), '\n')
			break
		}
	}

	var chunks [][]byte
	var cur []byte
	for len(data) > 0 {
		line, tail, found := bytes.Cut(data, []byte("\n"))
		data = tail
		if found {
			line = append(line, '\n')
		}
		if len(cur) > 0 && len(cur)+len(line) > max {
			chunks = append(chunks, cur)
			cur = append([]byte(nil), headerLine...)
		}
		cur = append(cur, line...)
	}
	if len(cur) > 0 && !bytes.Equal(cur, headerLine) {
		chunks = append(chunks, cur)
	}
	return chunks
}
