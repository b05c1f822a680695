// Package tabular turns CSV-shaped result payloads into classified records.
package tabular

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	delimiter = ','
	quote     = '"'
)

// ParseLine splits one line on unquoted commas.
//
// A field may be wrapped in double quotes, inside which commas are literal and
// a doubled quote is an escaped quote character. Any other quote toggles
// quoted mode. Whitespace outside quotes is trimmed from both ends of each
// field. An unterminated quote is closed by the end of the line. The result
// always has at least one element.
func ParseLine(line string) []string {
	var (
		fields   []string
		buf      strings.Builder
		inQuotes bool
		started  bool // a quote or non-space rune has been seen in this field
		keep     int  // buf length up to the last byte that must survive trimming
	)

	flush := func() {
		fields = append(fields, buf.String()[:keep])
		buf.Reset()
		started = false
		keep = 0
	}

	for i := 0; i < len(line); {
		r, size := utf8.DecodeRuneInString(line[i:])
		i += size

		if inQuotes {
			if r == quote {
				if i < len(line) && line[i] == quote {
					buf.WriteRune(quote)
					keep = buf.Len()
					i++
					continue
				}
				inQuotes = false
				continue
			}
			buf.WriteRune(r)
			keep = buf.Len()
			continue
		}

		switch {
		case r == quote:
			inQuotes = true
			started = true
		case r == delimiter:
			flush()
		case unicode.IsSpace(r):
			if started {
				buf.WriteRune(r)
			}
		default:
			started = true
			buf.WriteRune(r)
			keep = buf.Len()
		}
	}
	flush()

	return fields
}

// FormatLine joins fields into a line that ParseLine reads back unchanged,
// provided no field contains a line break.
func FormatLine(fields []string) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteRune(delimiter)
		}
		if !needsQuotes(f) {
			b.WriteString(f)
			continue
		}
		b.WriteRune(quote)
		b.WriteString(strings.ReplaceAll(f, `"`, `""`))
		b.WriteRune(quote)
	}
	return b.String()
}

func needsQuotes(f string) bool {
	if f == "" {
		return false
	}
	if strings.ContainsRune(f, delimiter) || strings.ContainsRune(f, quote) {
		return true
	}
	first, _ := utf8.DecodeRuneInString(f)
	last, _ := utf8.DecodeLastRuneInString(f)
	return unicode.IsSpace(first) || unicode.IsSpace(last)
}
