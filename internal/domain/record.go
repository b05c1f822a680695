package domain

// Record is one row of a reconciled result, keyed by header.
type Record struct {
	ID      int               `json:"id"`
	Headers []string          `json:"-"`
	Values  map[string]string `json:"values"`
}

// Get returns the value stored under header, or "" when absent.
func (r Record) Get(header string) string {
	return r.Values[header]
}

// Ordered returns the values in header order.
func (r Record) Ordered() []string {
	out := make([]string, len(r.Headers))
	for i, h := range r.Headers {
		out[i] = r.Get(h)
	}
	return out
}

// ReconciliationResult is the outcome of classifying a completed job's payload.
type ReconciliationResult struct {
	Headers           []string `json:"headers"`
	Records           []Record `json:"records"`
	TotalParsed       int      `json:"total_parsed"`
	FilteredOutCount  int      `json:"filtered_out_count"`
	StatusColumnFound bool     `json:"status_column_found"`
	StatusColumn      string   `json:"status_column,omitempty"`
}
