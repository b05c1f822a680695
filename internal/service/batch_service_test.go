package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/timmy/caseboard/internal/batch"
	"github.com/timmy/caseboard/internal/config"
	"github.com/timmy/caseboard/internal/domain"
	"github.com/timmy/caseboard/internal/repository"
	"github.com/timmy/caseboard/internal/storage"
	"github.com/timmy/caseboard/internal/tabular"
)

const resultCSV = "processo,status,valor\nA-1,ok,10\nA-2,erro,20\nA-3,,30\nA-4,concluido,\"4,0\"\n"

// stubBackend answers every status query with the next scripted status,
// repeating the last one.
type stubBackend struct {
	mu        sync.Mutex
	submitErr error
	statuses  []domain.JobStatus
	statusErr error
	calls     int
	result    string
}

func (b *stubBackend) SubmitJob(ctx context.Context, input domain.BatchInput) (*domain.JobHandle, error) {
	if b.submitErr != nil {
		return nil, b.submitErr
	}
	return &domain.JobHandle{ID: "job-42", Status: domain.JobStatusPending}, nil
}

func (b *stubBackend) GetJobStatus(ctx context.Context, jobID string) (*domain.JobHandle, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.statusErr != nil {
		return nil, b.statusErr
	}
	status := b.statuses[len(b.statuses)-1]
	if b.calls < len(b.statuses) {
		status = b.statuses[b.calls]
	}
	b.calls++
	return &domain.JobHandle{ID: jobID, Status: status, ProgressPercent: 50, ProcessedRecords: 2, TotalRecords: 4}, nil
}

func (b *stubBackend) GetJobResult(ctx context.Context, jobID string) (string, error) {
	return b.result, nil
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func blockingSleep(ctx context.Context, d time.Duration) error {
	<-ctx.Done()
	return ctx.Err()
}

type testEnv struct {
	svc   *BatchService
	repo  *repository.BatchRepository
	store *storage.LocalStorage
}

func newTestEnv(t *testing.T, backend domain.Backend, sleep batch.SleepFunc, maxActive int) *testEnv {
	t.Helper()
	dir := t.TempDir()

	db, err := repository.InitDB(&config.DatabaseConfig{
		Driver:      "sqlite",
		Path:        filepath.Join(dir, "runs.db"),
		AutoMigrate: true,
		LogLevel:    "silent",
	})
	if err != nil {
		t.Fatalf("InitDB returned error: %v", err)
	}
	store, err := storage.NewLocalStorage(filepath.Join(dir, "archive"))
	if err != nil {
		t.Fatalf("NewLocalStorage returned error: %v", err)
	}

	repo := repository.NewBatchRepository(db)
	orch := batch.NewOrchestrator(backend, batch.NewPoller(backend, batch.WithSleep(sleep)), tabular.NewReconciler(nil, nil))
	svc := NewBatchService(repo, orch, store, nil, BatchConfig{
		Poll: domain.PollConfig{
			InitialInterval:        time.Millisecond,
			MaxInterval:            4 * time.Millisecond,
			MaxConsecutiveFailures: 2,
		},
		MaxActiveRuns: maxActive,
		SubmitTimeout: 2 * time.Second,
	})

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Shutdown(ctx)
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return &testEnv{svc: svc, repo: repo, store: store}
}

// waitFinished polls until the run leaves the active states.
func waitFinished(t *testing.T, svc *BatchService, id string) *domain.BatchRun {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		run, err := svc.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if !run.Status.IsActive() && svc.ActiveRuns() == 0 {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s did not finish", id)
	return nil
}

func TestBatchServiceCompletesRun(t *testing.T) {
	backend := &stubBackend{
		statuses: []domain.JobStatus{domain.JobStatusRunning, domain.JobStatusCompleted},
		result:   resultCSV,
	}
	env := newTestEnv(t, backend, noSleep, 4)
	ctx := context.Background()

	run, err := env.svc.Start(ctx, domain.BatchInput{
		Dataset:    " cases ",
		Payload:    "processo\nA-1\n",
		Parameters: map[string]string{"mode": "full"},
	})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if run.JobID != "job-42" || run.Dataset != "cases" {
		t.Errorf("started run = %+v", run)
	}

	done := waitFinished(t, env.svc, run.ID)
	if done.Status != domain.RunStatusCompleted {
		t.Fatalf("status = %s (%s: %s)", done.Status, done.FailureKind, done.ErrorMessage)
	}
	if done.TotalParsed != 4 || done.FilteredOutCount != 2 || done.KeptCount != 2 {
		t.Errorf("counts = parsed %d filtered %d kept %d", done.TotalParsed, done.FilteredOutCount, done.KeptCount)
	}
	if !done.StatusColumnFound || done.StatusColumn != "status" {
		t.Errorf("status column = %v %q", done.StatusColumnFound, done.StatusColumn)
	}
	if done.Parameters["mode"] != "full" || done.CompletedAt == nil {
		t.Errorf("run = %+v", done)
	}

	records, total, err := env.svc.Records(ctx, run.ID, 0, 0)
	if err != nil {
		t.Fatalf("Records returned error: %v", err)
	}
	if total != 2 || len(records) != 2 || records[1].Sequence != 1 || records[1].Values["processo"] != "A-4" {
		t.Errorf("records = %+v (total %d)", records, total)
	}
	page, total, err := env.svc.Records(ctx, run.ID, 1, 1)
	if err != nil || total != 2 || len(page) != 1 || page[0].Values["processo"] != "A-4" {
		t.Errorf("second page = %+v total %d err %v", page, total, err)
	}

	var buf bytes.Buffer
	if err := env.svc.Export(ctx, run.ID, &buf); err != nil {
		t.Fatalf("Export returned error: %v", err)
	}
	wantCSV := "id,processo,status,valor\n0,A-1,ok,10\n1,A-4,concluido,\"4,0\"\n"
	if buf.String() != wantCSV {
		t.Errorf("export = %q, want %q", buf.String(), wantCSV)
	}

	if done.ArchiveKey != storage.ResultKey("results", run.ID, "job-42") {
		t.Fatalf("archive key = %q", done.ArchiveKey)
	}
	rc, err := env.store.Download(ctx, done.ArchiveKey)
	if err != nil {
		t.Fatalf("Download returned error: %v", err)
	}
	archived, _ := io.ReadAll(rc)
	rc.Close()
	if string(archived) != resultCSV {
		t.Errorf("archived payload = %q", archived)
	}
}

func TestBatchServiceSubmitError(t *testing.T) {
	submitErr := &domain.TransportError{Op: "submit", StatusCode: 503, Err: errors.New("unavailable")}
	env := newTestEnv(t, &stubBackend{submitErr: submitErr}, noSleep, 4)
	ctx := context.Background()

	run, err := env.svc.Start(ctx, domain.BatchInput{Dataset: "cases", Payload: "a\n1\n"})
	var transport *domain.TransportError
	if !errors.As(err, &transport) || run != nil {
		t.Fatalf("Start = %v, %v; want TransportError", run, err)
	}

	runs, err := env.svc.List(ctx, domain.RunFilter{})
	if err != nil || len(runs) != 1 {
		t.Fatalf("List = %v, %v", runs, err)
	}
	failed := waitFinished(t, env.svc, runs[0].ID)
	if failed.Status != domain.RunStatusFailed || failed.FailureKind != domain.FailureTransport {
		t.Errorf("failed run = %s/%s", failed.Status, failed.FailureKind)
	}
}

func TestBatchServiceBackendUnavailable(t *testing.T) {
	backend := &stubBackend{statusErr: &domain.TransportError{Op: "status", Err: errors.New("reset")}}
	env := newTestEnv(t, backend, noSleep, 4)

	run, err := env.svc.Start(context.Background(), domain.BatchInput{Dataset: "cases", Payload: "a\n1\n"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	done := waitFinished(t, env.svc, run.ID)
	if done.Status != domain.RunStatusFailed || done.FailureKind != domain.FailureBackendUnavailable {
		t.Errorf("run = %s/%s", done.Status, done.FailureKind)
	}
	if done.JobID != "job-42" || done.JobStatus != domain.JobStatusPending {
		t.Errorf("job = %s/%s", done.JobID, done.JobStatus)
	}
}

func TestBatchServiceCancel(t *testing.T) {
	backend := &stubBackend{statuses: []domain.JobStatus{domain.JobStatusRunning}}
	env := newTestEnv(t, backend, blockingSleep, 4)
	ctx := context.Background()

	run, err := env.svc.Start(ctx, domain.BatchInput{Dataset: "cases", Payload: "a\n1\n"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := env.svc.Cancel(ctx, run.ID); err != nil {
		t.Fatalf("Cancel returned error: %v", err)
	}

	done := waitFinished(t, env.svc, run.ID)
	if done.Status != domain.RunStatusCancelled || done.FailureKind != "" {
		t.Errorf("run = %s/%s", done.Status, done.FailureKind)
	}

	if err := env.svc.Cancel(ctx, run.ID); !errors.Is(err, domain.ErrRunNotActive) {
		t.Errorf("second Cancel = %v, want ErrRunNotActive", err)
	}
	if err := env.svc.Cancel(ctx, "missing"); !errors.Is(err, domain.ErrRunNotFound) {
		t.Errorf("Cancel(missing) = %v, want ErrRunNotFound", err)
	}
	if err := env.svc.Export(ctx, run.ID, io.Discard); !errors.Is(err, domain.ErrRunNotCompleted) {
		t.Errorf("Export = %v, want ErrRunNotCompleted", err)
	}
}

func TestBatchServiceRunLimit(t *testing.T) {
	backend := &stubBackend{statuses: []domain.JobStatus{domain.JobStatusRunning}}
	env := newTestEnv(t, backend, blockingSleep, 1)
	ctx := context.Background()

	if _, err := env.svc.Start(ctx, domain.BatchInput{Dataset: "cases", Payload: "a\n1\n"}); err != nil {
		t.Fatalf("first Start returned error: %v", err)
	}
	if _, err := env.svc.Start(ctx, domain.BatchInput{Dataset: "cases", Payload: "a\n1\n"}); !errors.Is(err, domain.ErrRunLimit) {
		t.Errorf("second Start = %v, want ErrRunLimit", err)
	}
}

func TestBatchServiceShutdownRejectsNewRuns(t *testing.T) {
	backend := &stubBackend{statuses: []domain.JobStatus{domain.JobStatusRunning}}
	env := newTestEnv(t, backend, blockingSleep, 0)
	ctx := context.Background()

	run, err := env.svc.Start(ctx, domain.BatchInput{Dataset: "cases", Payload: "a\n1\n"})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Start(ctx, domain.BatchInput{Dataset: "cases", Payload: "a\n1\n"})
			// Runs admitted before Shutdown may be cancelled before their ack.
			if err != nil && !errors.Is(err, domain.ErrServiceClosed) && !errors.Is(err, context.Canceled) {
				t.Errorf("concurrent Start = %v", err)
			}
		}()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := env.svc.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown returned error: %v", err)
	}
	wg.Wait()

	if _, err := env.svc.Start(ctx, domain.BatchInput{Dataset: "cases", Payload: "a\n1\n"}); !errors.Is(err, domain.ErrServiceClosed) {
		t.Errorf("Start after Shutdown = %v, want ErrServiceClosed", err)
	}
	if done, _ := env.svc.Get(ctx, run.ID); done.Status != domain.RunStatusCancelled {
		t.Errorf("run status after Shutdown = %s, want cancelled", done.Status)
	}
}

func TestBatchServiceRejectsInvalidInput(t *testing.T) {
	env := newTestEnv(t, &stubBackend{}, noSleep, 4)

	for _, input := range []domain.BatchInput{
		{Dataset: "", Payload: "a\n1\n"},
		{Dataset: "cases", Payload: " \n "},
	} {
		if _, err := env.svc.Start(context.Background(), input); !errors.Is(err, domain.ErrInvalidInput) {
			t.Errorf("Start(%+v) = %v, want ErrInvalidInput", input, err)
		}
	}
}

func TestBatchServiceRecoverInterrupted(t *testing.T) {
	env := newTestEnv(t, &stubBackend{}, noSleep, 4)
	ctx := context.Background()

	if err := env.repo.Create(ctx, &domain.BatchRun{ID: "stale", Status: domain.RunStatusRunning}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}
	n, err := env.svc.RecoverInterrupted(ctx)
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted = %d, %v", n, err)
	}
	run, _ := env.svc.Get(ctx, "stale")
	if run.FailureKind != domain.FailureInterrupted {
		t.Errorf("failure kind = %q", run.FailureKind)
	}
}

func TestClassify(t *testing.T) {
	transport := &domain.TransportError{Op: "status", Err: errors.New("reset")}
	testCases := []struct {
		name   string
		err    error
		status domain.RunStatus
		kind   string
	}{
		{"cancelled", fmt.Errorf("run cancelled: %w", context.Canceled), domain.RunStatusCancelled, ""},
		{"unavailable", &domain.BackendUnavailableError{JobID: "j", Op: "status", Attempts: 3, Err: transport}, domain.RunStatusFailed, domain.FailureBackendUnavailable},
		{"job failed", &domain.JobFailedError{JobID: "j", Message: "bad input"}, domain.RunStatusFailed, domain.FailureJobFailed},
		{"empty", fmt.Errorf("job j: %w", domain.ErrEmptyPayload), domain.RunStatusFailed, domain.FailureEmptyPayload},
		{"malformed", fmt.Errorf("job j: %w", domain.ErrMalformedRecord), domain.RunStatusFailed, domain.FailureMalformedRecord},
		{"transport", transport, domain.RunStatusFailed, domain.FailureTransport},
		{"deadline", context.DeadlineExceeded, domain.RunStatusFailed, domain.FailureInternal},
		{"other", errors.New("disk full"), domain.RunStatusFailed, domain.FailureInternal},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			status, kind := classify(tc.err)
			if status != tc.status || kind != tc.kind {
				t.Errorf("classify = %s/%q, want %s/%q", status, kind, tc.status, tc.kind)
			}
		})
	}
}
