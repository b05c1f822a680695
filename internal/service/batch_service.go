package service

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/timmy/caseboard/internal/batch"
	"github.com/timmy/caseboard/internal/domain"
	"github.com/timmy/caseboard/internal/logger"
	"github.com/timmy/caseboard/internal/metrics"
	"github.com/timmy/caseboard/internal/repository"
	"github.com/timmy/caseboard/internal/storage"
)

// BatchConfig holds configuration for the batch service.
type BatchConfig struct {
	Poll           domain.PollConfig
	MaxActiveRuns  int
	SubmitTimeout  time.Duration
	RecordPageSize int
	SaveBatchSize  int
	ArchivePrefix  string
}

// BatchService runs orchestrations in the background and keeps their history.
type BatchService struct {
	repo         *repository.BatchRepository
	orchestrator *batch.Orchestrator
	storage      storage.ObjectStorage
	metrics      *metrics.Metrics
	cfg          BatchConfig

	mu     sync.Mutex
	active map[string]context.CancelFunc
	closed bool
	wg     sync.WaitGroup
}

// NewBatchService creates a new batch service.
// Parameters:
//   - repo: run history repository.
//   - orchestrator: submit-poll-reconcile pipeline.
//   - objectStorage: payload archive, nil to disable archiving.
//   - m: metrics collectors, may be nil.
//   - cfg: service configuration.
// Returns:
//   - *BatchService: initialized service.
func NewBatchService(
	repo *repository.BatchRepository,
	orchestrator *batch.Orchestrator,
	objectStorage storage.ObjectStorage,
	m *metrics.Metrics,
	cfg BatchConfig,
) *BatchService {
	if cfg.Poll == (domain.PollConfig{}) {
		cfg.Poll = domain.DefaultPollConfig()
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = time.Minute
	}
	if cfg.RecordPageSize <= 0 {
		cfg.RecordPageSize = 100
	}
	if cfg.ArchivePrefix == "" {
		cfg.ArchivePrefix = "results"
	}
	return &BatchService{
		repo:         repo,
		orchestrator: orchestrator,
		storage:      objectStorage,
		metrics:      m,
		cfg:          cfg,
		active:       make(map[string]context.CancelFunc),
	}
}

// Start creates a run and hands the input to the orchestrator in the
// background. It returns once the backend acknowledged the submission, the
// submission failed, or the submit timeout elapsed with the run still pending.
func (s *BatchService) Start(ctx context.Context, input domain.BatchInput) (*domain.BatchRun, error) {
	input.Dataset = strings.TrimSpace(input.Dataset)
	if input.Dataset == "" {
		return nil, fmt.Errorf("%w: dataset is required", domain.ErrInvalidInput)
	}
	if strings.TrimSpace(input.Payload) == "" {
		return nil, fmt.Errorf("%w: payload is empty", domain.ErrInvalidInput)
	}

	run := &domain.BatchRun{
		ID:         uuid.New().String(),
		Dataset:    input.Dataset,
		Status:     domain.RunStatusPending,
		Parameters: domain.StringMap(input.Parameters),
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.reserve(run.ID, cancel); err != nil {
		cancel()
		return nil, err
	}
	if err := s.repo.Create(ctx, run); err != nil {
		s.release(run.ID)
		s.wg.Done()
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	runCtx = logger.WithFields(runCtx, logger.Fields{
		logger.FieldRunID:     run.ID,
		logger.FieldDataset:   run.Dataset,
		logger.FieldComponent: "batch_service",
	})
	logger.CtxInfo(runCtx, "Starting batch run: payload_bytes=%d", len(input.Payload))

	acked := make(chan error, 1)
	go s.execute(runCtx, run.ID, input, acked)

	timer := time.NewTimer(s.cfg.SubmitTimeout)
	defer timer.Stop()

	select {
	case err := <-acked:
		if err != nil {
			return nil, err
		}
	case <-timer.C:
		logger.CtxWarn(runCtx, "Submission not acknowledged after %s, run continues in background", s.cfg.SubmitTimeout)
		return run, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return s.repo.GetByID(ctx, run.ID)
}

// reserve registers runID as active and adds it to the wait group. The caller
// owes one wg.Done once reserve succeeds.
func (s *BatchService) reserve(runID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrServiceClosed
	}
	if s.cfg.MaxActiveRuns > 0 && len(s.active) >= s.cfg.MaxActiveRuns {
		return fmt.Errorf("%w: %d runs in progress", domain.ErrRunLimit, len(s.active))
	}
	s.active[runID] = cancel
	s.wg.Add(1)
	return nil
}

func (s *BatchService) release(runID string) {
	s.mu.Lock()
	cancel, ok := s.active[runID]
	delete(s.active, runID)
	s.mu.Unlock()
	if ok {
		cancel()
	}
}

// execute drives one run to a terminal state. Persistence after the run
// finishes uses a context detached from cancellation.
func (s *BatchService) execute(ctx context.Context, runID string, input domain.BatchInput, acked chan<- error) {
	defer s.wg.Done()
	defer s.release(runID)

	started := time.Now()
	s.metrics.RunStarted()

	var once sync.Once
	ack := func(err error) {
		once.Do(func() { acked <- err })
	}

	opts := batch.RunOptions{
		Poll: s.cfg.Poll,
		OnSubmit: func(h domain.JobHandle) {
			now := time.Now()
			if err := s.repo.UpdateFields(ctx, runID, map[string]interface{}{
				"status":            domain.RunStatusRunning,
				"job_id":            h.ID,
				"job_status":        h.Status,
				"progress_percent":  h.ProgressPercent,
				"processed_records": h.ProcessedRecords,
				"total_records":     h.TotalRecords,
				"submitted_at":      now,
			}); err != nil {
				logger.CtxError(ctx, "Failed to record submission of job %s: %v", h.ID, err)
			}
			ack(nil)
		},
		OnProgress: func(h domain.JobHandle) {
			if err := s.repo.UpdateFields(ctx, runID, map[string]interface{}{
				"job_status":        h.Status,
				"progress_percent":  h.ProgressPercent,
				"processed_records": h.ProcessedRecords,
				"total_records":     h.TotalRecords,
			}); err != nil {
				logger.CtxWarn(ctx, "Failed to record progress: %v", err)
			}
		},
		OnPayload: func(jobID, payload string) {
			s.archive(ctx, runID, jobID, payload)
		},
	}

	result, err := s.orchestrator.Run(ctx, input, opts)
	ack(err)

	storeCtx := context.WithoutCancel(ctx)
	if err != nil {
		if ctx.Err() != nil && batch.IsCancelled(err) {
			err = fmt.Errorf("run cancelled: %w", ctx.Err())
		}
		s.finishFailed(storeCtx, runID, err, started)
		return
	}
	if err := s.finishCompleted(storeCtx, runID, result); err != nil {
		s.finishFailed(storeCtx, runID, err, started)
		return
	}
	s.metrics.AddReconciled(len(result.Records), result.FilteredOutCount)
	s.metrics.RunFinished(string(domain.RunStatusCompleted), "", started)
}

func (s *BatchService) finishCompleted(ctx context.Context, runID string, result *domain.ReconciliationResult) error {
	if err := s.repo.SaveRecords(ctx, runID, result.Records, s.cfg.SaveBatchSize); err != nil {
		return err
	}

	now := time.Now()
	if err := s.repo.UpdateFields(ctx, runID, map[string]interface{}{
		"status":              domain.RunStatusCompleted,
		"job_status":          domain.JobStatusCompleted,
		"progress_percent":    100.0,
		"total_parsed":        result.TotalParsed,
		"filtered_out_count":  result.FilteredOutCount,
		"kept_count":          len(result.Records),
		"status_column_found": result.StatusColumnFound,
		"status_column":       result.StatusColumn,
		"headers":             domain.StringArray(result.Headers),
		"completed_at":        now,
	}); err != nil {
		return err
	}

	logger.With(logger.Fields{
		logger.FieldCount: len(result.Records),
		"filtered":        result.FilteredOutCount,
	}).Info(ctx, "Batch run completed")
	return nil
}

func (s *BatchService) finishFailed(ctx context.Context, runID string, runErr error, started time.Time) {
	status, kind := classify(runErr)

	fields := map[string]interface{}{
		"status":        status,
		"failure_kind":  kind,
		"error_message": runErr.Error(),
		"completed_at":  time.Now(),
	}
	if kind == domain.FailureJobFailed {
		fields["job_status"] = domain.JobStatusFailed
	}
	if err := s.repo.UpdateFields(ctx, runID, fields); err != nil {
		logger.CtxError(ctx, "Failed to record run failure: %v (run error: %v)", err, runErr)
	}

	if status == domain.RunStatusCancelled {
		logger.CtxInfo(ctx, "Batch run cancelled")
	} else {
		logger.FromContext(ctx).WithError(runErr).WithField("failure_kind", kind).Error("Batch run failed")
	}
	s.metrics.RunFinished(string(status), kind, started)
}

// classify maps an orchestration error to the run status and failure kind
// stored on the run. Only errors carrying context.Canceled count as a
// cancellation; client timeouts surface as transport failures.
func classify(err error) (domain.RunStatus, string) {
	var (
		unavailable *domain.BackendUnavailableError
		jobFailed   *domain.JobFailedError
		transport   *domain.TransportError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return domain.RunStatusCancelled, ""
	case errors.As(err, &unavailable):
		return domain.RunStatusFailed, domain.FailureBackendUnavailable
	case errors.As(err, &jobFailed):
		return domain.RunStatusFailed, domain.FailureJobFailed
	case errors.Is(err, domain.ErrEmptyPayload):
		return domain.RunStatusFailed, domain.FailureEmptyPayload
	case errors.Is(err, domain.ErrMalformedRecord):
		return domain.RunStatusFailed, domain.FailureMalformedRecord
	case errors.As(err, &transport):
		return domain.RunStatusFailed, domain.FailureTransport
	default:
		return domain.RunStatusFailed, domain.FailureInternal
	}
}

// archive stores the raw payload. Archive failures are logged and counted
// but never fail the run.
func (s *BatchService) archive(ctx context.Context, runID, jobID, payload string) {
	if s.storage == nil {
		return
	}
	key := storage.ResultKey(s.cfg.ArchivePrefix, runID, jobID)
	if err := s.storage.Upload(ctx, key, strings.NewReader(payload), int64(len(payload)), "text/csv"); err != nil {
		s.metrics.IncArchiveFailure()
		logger.CtxWarn(ctx, "Failed to archive payload to %s: %v", key, err)
		return
	}
	if err := s.repo.UpdateFields(ctx, runID, map[string]interface{}{"archive_key": key}); err != nil {
		logger.CtxWarn(ctx, "Failed to record archive key: %v", err)
	}
}

// Get returns a run by ID.
func (s *BatchService) Get(ctx context.Context, id string) (*domain.BatchRun, error) {
	return s.repo.GetByID(ctx, id)
}

// List returns runs, newest first.
func (s *BatchService) List(ctx context.Context, filter domain.RunFilter) ([]domain.BatchRun, error) {
	if filter.Limit <= 0 {
		filter.Limit = s.cfg.RecordPageSize
	}
	return s.repo.List(ctx, filter)
}

// Records returns a page of a run's kept records and the number of records
// stored for the run.
func (s *BatchService) Records(ctx context.Context, id string, limit, offset int) ([]domain.BatchRecord, int64, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = s.cfg.RecordPageSize
	}
	total, err := s.repo.CountRecords(ctx, id)
	if err != nil {
		return nil, 0, err
	}
	records, err := s.repo.ListRecords(ctx, id, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// Cancel stops an active run. The run is marked cancelled by its own
// goroutine once the orchestrator returns.
func (s *BatchService) Cancel(ctx context.Context, id string) error {
	s.mu.Lock()
	cancel, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		logger.CtxInfo(ctx, "Cancelling batch run %s", id)
		cancel()
		return nil
	}

	run, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s is %s", domain.ErrRunNotActive, id, run.Status)
}

// Export writes the kept records of a completed run as CSV, in header order
// behind a leading id column.
func (s *BatchService) Export(ctx context.Context, id string, w io.Writer) error {
	run, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if run.Status != domain.RunStatusCompleted {
		return fmt.Errorf("%w: run %s is %s", domain.ErrRunNotCompleted, id, run.Status)
	}

	records, err := s.repo.ListRecords(ctx, id, 0, 0)
	if err != nil {
		return err
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(append([]string{"id"}, run.Headers...)); err != nil {
		return err
	}
	row := make([]string, len(run.Headers)+1)
	for _, rec := range records {
		row[0] = strconv.Itoa(rec.Sequence)
		for i, h := range run.Headers {
			row[i+1] = rec.Values[h]
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// RecoverInterrupted fails runs left pending or running by a previous process.
func (s *BatchService) RecoverInterrupted(ctx context.Context) (int64, error) {
	n, err := s.repo.MarkInterrupted(ctx, "interrupted by service restart")
	if err != nil {
		return 0, fmt.Errorf("failed to recover interrupted runs: %w", err)
	}
	if n > 0 {
		logger.CtxWarn(ctx, "Marked %d interrupted runs as failed", n)
	}
	return n, nil
}

// ActiveRuns returns the number of runs in progress.
func (s *BatchService) ActiveRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown rejects new runs, cancels every active run and waits for them to
// record their final state or for ctx to end.
func (s *BatchService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, cancel := range s.active {
		cancel()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
