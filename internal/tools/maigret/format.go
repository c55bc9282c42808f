package maigret

import (
	"fmt"
	"strings"
)

// Format is a maigret report format.
type Format string

const (
	FormatTXT   Format = "txt"
	FormatHTML  Format = "html"
	FormatPDF   Format = "pdf"
	FormatJSON  Format = "json"
	FormatCSV   Format = "csv"
	FormatXMind Format = "xmind"
)

// Formats lists every supported format in catalog order.
var Formats = []Format{FormatTXT, FormatHTML, FormatPDF, FormatJSON, FormatCSV, FormatXMind}

var formatFlags = map[Format][]string{
	FormatTXT:   {"--txt"},
	FormatHTML:  {"--html"},
	FormatPDF:   {"--pdf"},
	FormatJSON:  {"--json", "simple"},
	FormatCSV:   {"--csv"},
	FormatXMind: {"--xmind"},
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(s))
	if _, ok := formatFlags[f]; !ok {
		return "", fmt.Errorf("unknown format %q (supported: %s)", s, strings.Join(formatNames(), ", "))
	}
	return f, nil
}

// Flags returns the maigret CLI flags selecting this format.
func (f Format) Flags() []string {
	return append([]string(nil), formatFlags[f]...)
}

func formatNames() []string {
	names := make([]string, len(Formats))
	for i, f := range Formats {
		names[i] = string(f)
	}
	return names
}
