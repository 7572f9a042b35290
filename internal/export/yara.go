package export

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"tiace/internal/domain/models"
)

var yaraEscape = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`, "\r", `\r`, "\t", `\t`)

// YARAExporter writes one rule per indicator. CIDR and ASN indicators and
// hashes the hash module cannot compute are skipped.
type YARAExporter struct{}

// NewYARAExporter creates the YARA exporter
func NewYARAExporter() *YARAExporter { return &YARAExporter{} }

func (e *YARAExporter) Format() string      { return FormatYARA }
func (e *YARAExporter) ContentType() string { return "text/plain; charset=utf-8" }
func (e *YARAExporter) Extension() string   { return "yar" }

// Export implements Exporter
func (e *YARAExporter) Export(w io.Writer, inds []*models.Indicator, opts Options) error {
	sorted := Sorted(inds)
	bw := bufio.NewWriter(w)

	fmt.Fprintf(bw, "// generated by %s for tenant %s at %s\n",
		opts.producer(), opts.TenantID, opts.GeneratedAt.UTC().Format(time.RFC3339))
	for _, ind := range sorted {
		if ind.Kind == models.KindHash && yaraHashFunc(ind.Value) != "" {
			bw.WriteString("import \"hash\"\n")
			break
		}
	}

	skipped := 0
	for _, ind := range sorted {
		cond, strs := yaraMatch(ind)
		if cond == "" {
			skipped++
			continue
		}
		bw.WriteString("\n")
		fmt.Fprintf(bw, "rule %s\n{\n", YARARuleName(ind))
		bw.WriteString("    meta:\n")
		fmt.Fprintf(bw, "        value = \"%s\"\n", yaraEscape.Replace(ind.Value))
		fmt.Fprintf(bw, "        kind = \"%s\"\n", ind.Kind)
		fmt.Fprintf(bw, "        severity = \"%s\"\n", ind.Severity)
		fmt.Fprintf(bw, "        confidence = %d\n", *stixConfidence(ind.Confidence))
		fmt.Fprintf(bw, "        first_seen = \"%s\"\n", ind.FirstSeen.UTC().Format(time.RFC3339))
		fmt.Fprintf(bw, "        last_seen = \"%s\"\n", ind.LastSeen.UTC().Format(time.RFC3339))
		if len(ind.SourceFeeds) > 0 {
			fmt.Fprintf(bw, "        source = \"%s\"\n", yaraEscape.Replace(strings.Join(ind.SourceFeeds, ",")))
		}
		if strs != "" {
			bw.WriteString("    strings:\n")
			bw.WriteString(strs)
		}
		bw.WriteString("    condition:\n")
		fmt.Fprintf(bw, "        %s\n}\n", cond)
	}
	if skipped > 0 {
		fmt.Fprintf(bw, "\n// %d indicators not expressible as YARA rules\n", skipped)
	}
	if err := bw.Flush(); err != nil {
		return models.NewError(models.KindSerialization, "export_yara", err)
	}
	return nil
}

// YARARuleName derives a stable identifier from kind and fingerprint
func YARARuleName(ind *models.Indicator) string {
	kind := string(ind.Kind)
	var b strings.Builder
	for _, r := range kind {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return "tiace_" + b.String() + "_" + ind.Fingerprint().Hex()[:16]
}

func yaraMatch(ind *models.Indicator) (cond, strs string) {
	switch ind.Kind {
	case models.KindCIDR, models.KindASN:
		return "", ""
	case models.KindHash:
		fn := yaraHashFunc(ind.Value)
		if fn == "" {
			return "", ""
		}
		return fmt.Sprintf("%s(0, filesize) == \"%s\"", fn, ind.Value), ""
	}
	mods := "ascii wide nocase"
	if ind.Kind == models.KindMutex || ind.Kind == models.KindUserAgent {
		mods = "ascii wide"
	}
	return "$v", fmt.Sprintf("        $v = \"%s\" %s\n", yaraEscape.Replace(ind.Value), mods)
}

func yaraHashFunc(hexValue string) string {
	switch len(hexValue) {
	case 32:
		return "hash.md5"
	case 40:
		return "hash.sha1"
	case 64:
		return "hash.sha256"
	}
	return ""
}
