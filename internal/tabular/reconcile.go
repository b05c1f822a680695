package tabular

import (
	"strings"

	"github.com/timmy/caseboard/internal/domain"
)

// DefaultStatusColumns lists header names recognized as a per-record outcome.
// Matching is case-sensitive.
var DefaultStatusColumns = []string{
	"status", "Status", "STATUS",
	"state", "State", "STATE",
	"outcome", "Outcome",
	"result", "Result",
	"situacao", "situação", "Situacao", "Situação", "SITUACAO", "SITUAÇÃO",
	"estado", "Estado",
	"resultado", "Resultado",
	"status_processamento",
}

// DefaultNegativeOutcomes lists values that mark a record as rejected.
// Matching is case-insensitive after trimming.
var DefaultNegativeOutcomes = []string{
	"failed", "fail", "failure", "error",
	"erro", "falha", "falhou", "fallido", "fallo",
	"false", "0", "no", "n", "não", "nao",
}

// Reconciler classifies rows by their status column.
type Reconciler struct {
	statusColumns map[string]struct{}
	negatives     map[string]struct{}
}

// NewReconciler builds a Reconciler. Empty lists fall back to the defaults.
func NewReconciler(statusColumns, negativeOutcomes []string) *Reconciler {
	if len(statusColumns) == 0 {
		statusColumns = DefaultStatusColumns
	}
	if len(negativeOutcomes) == 0 {
		negativeOutcomes = DefaultNegativeOutcomes
	}

	r := &Reconciler{
		statusColumns: make(map[string]struct{}, len(statusColumns)),
		negatives:     make(map[string]struct{}, len(negativeOutcomes)),
	}
	for _, c := range statusColumns {
		r.statusColumns[c] = struct{}{}
	}
	for _, n := range negativeOutcomes {
		r.negatives[strings.ToLower(strings.TrimSpace(n))] = struct{}{}
	}
	return r
}

// StatusColumn returns the first header, in header order, that names an outcome.
func (r *Reconciler) StatusColumn(headers []string) (string, bool) {
	for _, h := range headers {
		if _, ok := r.statusColumns[h]; ok {
			return h, true
		}
	}
	return "", false
}

// Rejected reports whether a status value removes its row.
func (r *Reconciler) Rejected(value string) bool {
	v := strings.TrimSpace(value)
	if v == "" {
		return true
	}
	_, ok := r.negatives[strings.ToLower(v)]
	return ok
}

// Reconcile filters rows by outcome and re-indexes survivors densely from 0.
// Without a status column every row is kept.
func (r *Reconciler) Reconcile(headers []string, rows []Row) *domain.ReconciliationResult {
	column, found := r.StatusColumn(headers)

	result := &domain.ReconciliationResult{
		Headers:           headers,
		Records:           make([]domain.Record, 0, len(rows)),
		TotalParsed:       len(rows),
		StatusColumnFound: found,
		StatusColumn:      column,
	}

	for _, row := range rows {
		if found && r.Rejected(row.Values[column]) {
			result.FilteredOutCount++
			continue
		}
		result.Records = append(result.Records, domain.Record{
			ID:      len(result.Records),
			Headers: headers,
			Values:  row.Values,
		})
	}
	return result
}

// RowsFromRecords converts reconciled records back to rows, so a result can be
// reconciled again.
func RowsFromRecords(records []domain.Record) []Row {
	rows := make([]Row, len(records))
	for i, rec := range records {
		rows[i] = Row{Index: rec.ID, Values: rec.Values}
	}
	return rows
}
