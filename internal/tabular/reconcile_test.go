package tabular

import (
	"errors"
	"reflect"
	"testing"

	"github.com/timmy/caseboard/internal/domain"
)

func TestIngest(t *testing.T) {
	table, err := Ingest("\"id\", \"name\" ,status\r\n\n1,\"Smith, J\",ok\n   \n2,Lee\n3,Kim,ok,extra\n")
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}

	wantHeaders := []string{"id", "name", "status"}
	if !reflect.DeepEqual(table.Headers, wantHeaders) {
		t.Fatalf("headers = %q, want %q", table.Headers, wantHeaders)
	}
	if len(table.Rows) != 3 {
		t.Fatalf("rows = %d, want 3", len(table.Rows))
	}

	want := []map[string]string{
		{"id": "1", "name": "Smith, J", "status": "ok"},
		{"id": "2", "name": "Lee", "status": ""},
		{"id": "3", "name": "Kim", "status": "ok"},
	}
	for i, row := range table.Rows {
		if row.Index != i {
			t.Errorf("row %d index = %d", i, row.Index)
		}
		if !reflect.DeepEqual(row.Values, want[i]) {
			t.Errorf("row %d = %v, want %v", i, row.Values, want[i])
		}
	}
}

func TestIngestErrors(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		want    error
	}{
		{name: "empty", payload: "", want: domain.ErrEmptyPayload},
		{name: "blank lines only", payload: "\n  \r\n\t\n", want: domain.ErrEmptyPayload},
		{name: "header without names", payload: ",\n1,2\n", want: domain.ErrMalformedRecord},
		{name: "quoted empty header", payload: `"",""` + "\n", want: domain.ErrMalformedRecord},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Ingest(tc.payload)
			if !errors.Is(err, tc.want) {
				t.Errorf("Ingest error = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestIngestHeaderOnly(t *testing.T) {
	table, err := Ingest("\ufeffid,status\n")
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	if table.Headers[0] != "id" {
		t.Errorf("BOM not stripped: %q", table.Headers[0])
	}
	if len(table.Rows) != 0 {
		t.Errorf("rows = %d, want 0", len(table.Rows))
	}
}

func reconcilePayload(t *testing.T, r *Reconciler, payload string) *domain.ReconciliationResult {
	t.Helper()
	table, err := Ingest(payload)
	if err != nil {
		t.Fatalf("Ingest returned error: %v", err)
	}
	return r.Reconcile(table.Headers, table.Rows)
}

// TestReconcileFiltersNegativeAndEmpty covers a status column with a failed and an empty outcome.
func TestReconcileFiltersNegativeAndEmpty(t *testing.T) {
	result := reconcilePayload(t, NewReconciler(nil, nil), "id,status\n1,success\n2,failed\n3,\n4,done\n")

	if !result.StatusColumnFound || result.StatusColumn != "status" {
		t.Fatalf("status column = %q found=%v", result.StatusColumn, result.StatusColumnFound)
	}
	if result.TotalParsed != 4 || result.FilteredOutCount != 2 {
		t.Errorf("total=%d filtered=%d, want 4 and 2", result.TotalParsed, result.FilteredOutCount)
	}
	if len(result.Records) != 2 {
		t.Fatalf("records = %d, want 2", len(result.Records))
	}
	for i, want := range []string{"1", "4"} {
		rec := result.Records[i]
		if rec.ID != i || rec.Get("id") != want {
			t.Errorf("record %d = id %d value %q, want id %d value %q", i, rec.ID, rec.Get("id"), i, want)
		}
	}
	if result.TotalParsed != len(result.Records)+result.FilteredOutCount {
		t.Error("total parsed does not equal kept plus filtered")
	}
}

func TestReconcileWithoutStatusColumn(t *testing.T) {
	result := reconcilePayload(t, NewReconciler(nil, nil), "id,name\n1,failed\n2,\n")

	if result.StatusColumnFound {
		t.Fatal("expected no status column")
	}
	if result.FilteredOutCount != 0 || len(result.Records) != 2 {
		t.Errorf("records=%d filtered=%d, want 2 and 0", len(result.Records), result.FilteredOutCount)
	}
	for i, rec := range result.Records {
		if rec.ID != i {
			t.Errorf("record %d has id %d", i, rec.ID)
		}
	}
}

func TestReconcileNegativeTokens(t *testing.T) {
	r := NewReconciler(nil, nil)
	testCases := []struct {
		value    string
		rejected bool
	}{
		{"failed", true},
		{"FAILED", true},
		{"  Error ", true},
		{"falha", true},
		{"NÃO", true},
		{"false", true},
		{"0", true},
		{"", true},
		{"   ", true},
		{"success", false},
		{"ok", false},
		{"sim", false},
		{"1", false},
		{"failed later", false},
	}

	for _, tc := range testCases {
		if got := r.Rejected(tc.value); got != tc.rejected {
			t.Errorf("Rejected(%q) = %v, want %v", tc.value, got, tc.rejected)
		}
	}
}

func TestStatusColumnDetection(t *testing.T) {
	r := NewReconciler(nil, nil)
	testCases := []struct {
		name    string
		headers []string
		want    string
		found   bool
	}{
		{name: "first match in header order", headers: []string{"id", "Situação", "status"}, want: "Situação", found: true},
		{name: "case sensitive", headers: []string{"id", "sTaTuS"}, found: false},
		{name: "native language", headers: []string{"processo", "estado"}, want: "estado", found: true},
		{name: "none", headers: []string{"id", "name"}, found: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, found := r.StatusColumn(tc.headers)
			if got != tc.want || found != tc.found {
				t.Errorf("StatusColumn = (%q, %v), want (%q, %v)", got, found, tc.want, tc.found)
			}
		})
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	r := NewReconciler(nil, nil)
	first := reconcilePayload(t, r, "case,outcome\nA,ok\nB,error\nC,\nD,approved\nE,no\n")

	second := r.Reconcile(first.Headers, RowsFromRecords(first.Records))
	if second.FilteredOutCount != 0 {
		t.Errorf("second pass filtered %d rows, want 0", second.FilteredOutCount)
	}
	if !reflect.DeepEqual(second.Records, first.Records) {
		t.Errorf("second pass changed records: %v vs %v", second.Records, first.Records)
	}
}

func TestReconcilerCustomLists(t *testing.T) {
	r := NewReconciler([]string{"verdict"}, []string{"Rejected"})
	result := reconcilePayload(t, r, "id,verdict,status\n1,rejected,failed\n2,accepted,failed\n3,,ok\n")

	if result.StatusColumn != "verdict" {
		t.Fatalf("status column = %q, want verdict", result.StatusColumn)
	}
	if len(result.Records) != 1 || result.Records[0].Get("id") != "2" {
		t.Errorf("records = %v, want only id 2", result.Records)
	}
	if got := result.Records[0].Ordered(); !reflect.DeepEqual(got, []string{"2", "accepted", "failed"}) {
		t.Errorf("Ordered = %q", got)
	}
}
