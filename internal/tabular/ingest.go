package tabular

import (
	"fmt"
	"strings"

	"github.com/timmy/caseboard/internal/domain"
)

// Row is one parsed data line keyed by header.
type Row struct {
	// Index is the provisional 0-based position among data lines.
	Index  int
	Values map[string]string
}

// Table is a parsed payload.
type Table struct {
	Headers []string
	Rows    []Row
}

// Ingest parses a whole payload. The first non-blank line is the header.
//
// Short rows are padded with empty values and long rows are truncated to the
// header width. When a header name repeats, the first column wins.
// Returns:
//   - *Table: parsed headers and rows in input order.
//   - error: domain.ErrEmptyPayload when no non-blank line exists,
//     domain.ErrMalformedRecord when the header has no usable column.
func Ingest(text string) (*Table, error) {
	text = strings.TrimPrefix(text, "\ufeff")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, domain.ErrEmptyPayload
	}

	headers := ParseLine(lines[0])
	usable := 0
	for i, h := range headers {
		headers[i] = strings.TrimSpace(strings.Trim(h, `"`))
		if headers[i] != "" {
			usable++
		}
	}
	if usable == 0 {
		return nil, fmt.Errorf("%w: header line %q has no column names", domain.ErrMalformedRecord, lines[0])
	}

	table := &Table{
		Headers: headers,
		Rows:    make([]Row, 0, len(lines)-1),
	}
	for i, line := range lines[1:] {
		table.Rows = append(table.Rows, Row{
			Index:  i,
			Values: zipRow(headers, ParseLine(line)),
		})
	}
	return table, nil
}

func zipRow(headers, fields []string) map[string]string {
	values := make(map[string]string, len(headers))
	for i, h := range headers {
		if _, dup := values[h]; dup {
			continue
		}
		if i < len(fields) {
			values[h] = fields[i]
		} else {
			values[h] = ""
		}
	}
	return values
}
