package export

import (
	"encoding/csv"
	"io"
	"strconv"
	"strings"
	"time"

	"tiace/internal/domain/models"
)

// ListSeparator joins multi-valued CSV cells
const ListSeparator = ";"

// CSVHeader is the fixed export column order. The csv parser reads it back.
const CSVHeader = "type,value,confidence,severity,source,timestamp,tags"

var csvHeader = strings.Split(CSVHeader, ",")

// CSVExporter writes one row per indicator
type CSVExporter struct{}

// NewCSVExporter creates the CSV exporter
func NewCSVExporter() *CSVExporter { return &CSVExporter{} }

func (e *CSVExporter) Format() string      { return FormatCSV }
func (e *CSVExporter) ContentType() string { return "text/csv" }
func (e *CSVExporter) Extension() string   { return "csv" }

// Export implements Exporter
func (e *CSVExporter) Export(w io.Writer, inds []*models.Indicator, _ Options) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return models.NewError(models.KindSerialization, "export_csv", err)
	}
	for _, ind := range Sorted(inds) {
		row := []string{
			string(ind.Kind),
			ind.Value,
			strconv.FormatFloat(ind.Confidence, 'f', 4, 64),
			string(ind.Severity),
			strings.Join(ind.SourceFeeds, ListSeparator),
			ind.LastSeen.UTC().Format(time.RFC3339),
			strings.Join(ind.Tags, ListSeparator),
		}
		if err := cw.Write(row); err != nil {
			return models.NewError(models.KindSerialization, "export_csv", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return models.NewError(models.KindSerialization, "export_csv", err)
	}
	return nil
}
