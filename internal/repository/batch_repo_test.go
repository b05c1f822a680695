package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/timmy/caseboard/internal/config"
	"github.com/timmy/caseboard/internal/domain"
)

func newTestRepo(t *testing.T) *BatchRepository {
	t.Helper()
	db, err := InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(t.TempDir(), "test.db"),
		AutoMigrate: true,
		LogLevel:    "silent",
	})
	if err != nil {
		t.Fatalf("InitDB returned error: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return NewBatchRepository(db)
}

func TestBatchRepositoryCreateGetUpdate(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	run := &domain.BatchRun{
		ID:         "run-1",
		Dataset:    "cases",
		Status:     domain.RunStatusPending,
		Parameters: domain.StringMap{"mode": "full"},
	}
	if err := repo.Create(ctx, run); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	if err := repo.UpdateFields(ctx, "run-1", map[string]interface{}{
		"status":            domain.RunStatusRunning,
		"job_id":            "job-9",
		"processed_records": 4,
		"total_records":     10,
	}); err != nil {
		t.Fatalf("UpdateFields returned error: %v", err)
	}

	got, err := repo.GetByID(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetByID returned error: %v", err)
	}
	if got.Status != domain.RunStatusRunning || got.JobID != "job-9" || got.ProcessedRecords != 4 {
		t.Errorf("run = %+v", got)
	}
	if got.Parameters["mode"] != "full" {
		t.Errorf("parameters = %v", got.Parameters)
	}

	if err := repo.UpdateFields(ctx, "run-1", map[string]interface{}{
		"headers": domain.StringArray{"id", "status"},
		"status":  domain.RunStatusCompleted,
	}); err != nil {
		t.Fatalf("UpdateFields returned error: %v", err)
	}
	again, _ := repo.GetByID(ctx, "run-1")
	if len(again.Headers) != 2 || again.Status != domain.RunStatusCompleted {
		t.Errorf("after UpdateFields = %+v", again)
	}
}

func TestBatchRepositoryNotFound(t *testing.T) {
	repo := newTestRepo(t)

	if _, err := repo.GetByID(context.Background(), "missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("GetByID error = %v, want ErrRunNotFound", err)
	}
	err := repo.UpdateFields(context.Background(), "missing", map[string]interface{}{"status": domain.RunStatusFailed})
	if !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("UpdateFields error = %v, want ErrRunNotFound", err)
	}
}

func TestBatchRepositoryList(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	base := time.Now().Add(-time.Hour)
	for i, status := range []domain.RunStatus{domain.RunStatusCompleted, domain.RunStatusFailed, domain.RunStatusCompleted} {
		run := &domain.BatchRun{
			ID:        string(rune('a' + i)),
			Dataset:   "cases",
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := repo.Create(ctx, run); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	all, err := repo.List(ctx, domain.RunFilter{})
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" || all[2].ID != "a" {
		t.Errorf("List order = %v", runIDs(all))
	}

	completed, _ := repo.List(ctx, domain.RunFilter{Status: domain.RunStatusCompleted, Limit: 1})
	if len(completed) != 1 || completed[0].ID != "c" {
		t.Errorf("filtered List = %v", runIDs(completed))
	}
}

func runIDs(runs []domain.BatchRun) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestBatchRepositoryRecords(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	records := []domain.Record{
		{ID: 0, Values: map[string]string{"id": "1", "status": "ok"}},
		{ID: 1, Values: map[string]string{"id": "4", "status": "done"}},
		{ID: 2, Values: map[string]string{"id": "7", "status": "ok"}},
	}
	if err := repo.SaveRecords(ctx, "run-1", records, 2); err != nil {
		t.Fatalf("SaveRecords returned error: %v", err)
	}
	if err := repo.SaveRecords(ctx, "run-2", records[:1], 0); err != nil {
		t.Fatalf("SaveRecords returned error: %v", err)
	}

	page, err := repo.ListRecords(ctx, "run-1", 2, 1)
	if err != nil {
		t.Fatalf("ListRecords returned error: %v", err)
	}
	if len(page) != 2 || page[0].Sequence != 1 || page[1].Values["id"] != "7" {
		t.Errorf("page = %+v", page)
	}

	// Saving again replaces the previous set.
	if err := repo.SaveRecords(ctx, "run-1", records[:1], 0); err != nil {
		t.Fatalf("SaveRecords returned error: %v", err)
	}
	if n, _ := repo.CountRecords(ctx, "run-1"); n != 1 {
		t.Errorf("CountRecords = %d, want 1", n)
	}
	if n, _ := repo.CountRecords(ctx, "run-2"); n != 1 {
		t.Errorf("CountRecords(run-2) = %d, want 1", n)
	}
}

func TestBatchRepositoryMarkInterrupted(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	for id, status := range map[string]domain.RunStatus{
		"p": domain.RunStatusPending,
		"r": domain.RunStatusRunning,
		"c": domain.RunStatusCompleted,
	} {
		if err := repo.Create(ctx, &domain.BatchRun{ID: id, Status: status}); err != nil {
			t.Fatalf("Create returned error: %v", err)
		}
	}

	n, err := repo.MarkInterrupted(ctx, "process restarted")
	if err != nil {
		t.Fatalf("MarkInterrupted returned error: %v", err)
	}
	if n != 2 {
		t.Errorf("updated %d runs, want 2", n)
	}

	r, _ := repo.GetByID(ctx, "r")
	if r.Status != domain.RunStatusFailed || r.FailureKind != domain.FailureInterrupted || r.CompletedAt == nil {
		t.Errorf("interrupted run = %+v", r)
	}
	c, _ := repo.GetByID(ctx, "c")
	if c.Status != domain.RunStatusCompleted {
		t.Errorf("completed run changed to %s", c.Status)
	}
}
