package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/timmy/caseboard/internal/domain"
	"github.com/timmy/caseboard/internal/logger"
	"github.com/timmy/caseboard/internal/tabular"
)

// RunOptions configures one orchestration run.
type RunOptions struct {
	Poll domain.PollConfig

	// OnSubmit receives the submission acknowledgement.
	OnSubmit func(domain.JobHandle)
	// OnProgress is called on every non-terminal poll.
	OnProgress func(domain.JobHandle)
	// OnPayload receives the raw result before it is parsed.
	OnPayload func(jobID, payload string)
}

// Orchestrator composes submission, polling, ingestion and reconciliation.
type Orchestrator struct {
	backend    domain.Backend
	poller     *Poller
	reconciler *tabular.Reconciler
}

// NewOrchestrator creates an Orchestrator. A nil reconciler uses the default lists.
func NewOrchestrator(backend domain.Backend, poller *Poller, reconciler *tabular.Reconciler) *Orchestrator {
	if poller == nil {
		poller = NewPoller(backend)
	}
	if reconciler == nil {
		reconciler = tabular.NewReconciler(nil, nil)
	}
	return &Orchestrator{
		backend:    backend,
		poller:     poller,
		reconciler: reconciler,
	}
}

// Run submits input, waits for the job to finish and reconciles its result.
//
// Exactly one of a result or an error is returned. Submission errors are
// returned as reported by the backend. After submission the error is one of
// *domain.BackendUnavailableError, *domain.JobFailedError,
// domain.ErrEmptyPayload, domain.ErrMalformedRecord or the context error.
func (o *Orchestrator) Run(ctx context.Context, input domain.BatchInput, opts RunOptions) (*domain.ReconciliationResult, error) {
	if err := opts.Poll.Validate(); err != nil {
		return nil, err
	}
	ctx = logger.SetComponent(ctx, "orchestrator")
	start := time.Now()

	ack, err := o.backend.SubmitJob(ctx, input)
	if err != nil {
		logger.CtxError(ctx, "Failed to submit batch for dataset %s: %v", input.Dataset, err)
		return nil, err
	}
	if ack == nil || ack.ID == "" {
		return nil, &domain.TransportError{Op: "submit", Err: errors.New("acknowledgement has no job id")}
	}
	ctx = logger.SetJobID(ctx, ack.ID)
	logger.CtxInfo(ctx, "Submitted batch for dataset %s (status %s)", input.Dataset, ack.Status)

	if opts.OnSubmit != nil {
		opts.OnSubmit(*ack)
	}
	if ack.Status == domain.JobStatusFailed {
		return nil, &domain.JobFailedError{JobID: ack.ID, Message: ack.ErrorMessage}
	}

	payload, err := o.poller.Poll(ctx, ack.ID, opts.Poll, opts.OnProgress)
	if err != nil {
		return nil, err
	}
	if opts.OnPayload != nil {
		opts.OnPayload(ack.ID, payload)
	}

	table, err := tabular.Ingest(payload)
	if err != nil {
		logger.CtxWarn(ctx, "Result payload rejected: %v", err)
		return nil, fmt.Errorf("job %s: %w", ack.ID, err)
	}

	result := o.reconciler.Reconcile(table.Headers, table.Rows)
	logger.With(logger.Fields{
		logger.FieldCount: len(result.Records),
		"filtered":        result.FilteredOutCount,
		"status_column":   result.StatusColumn,
	}).WithDuration(start).Info(ctx, "Reconciled %d of %d records", len(result.Records), result.TotalParsed)

	return result, nil
}
