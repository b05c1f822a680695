package batch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/timmy/caseboard/internal/domain"
)

var errNetwork = errors.New("connection refused")

type statusStep struct {
	status  domain.JobStatus
	message string
	err     error
}

func ok(status domain.JobStatus) statusStep { return statusStep{status: status} }

func fail() statusStep { return statusStep{err: &domain.TransportError{Op: "status", Err: errNetwork}} }

// fakeBackend replays a scripted sequence of status responses.
type fakeBackend struct {
	mu sync.Mutex

	submitStatus domain.JobStatus
	submitErr    error
	submitted    []domain.BatchInput

	steps       []statusStep
	statusCalls int
	// beforeStatus runs before each status response is returned, outside the lock.
	beforeStatus func(call int)

	result      string
	resultErr   error
	resultCalls int
}

func (f *fakeBackend) SubmitJob(ctx context.Context, input domain.BatchInput) (*domain.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, input)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	status := f.submitStatus
	if status == "" {
		status = domain.JobStatusPending
	}
	return &domain.JobHandle{ID: "job-1", Status: status}, nil
}

func (f *fakeBackend) GetJobStatus(ctx context.Context, jobID string) (*domain.JobHandle, error) {
	f.mu.Lock()
	call := f.statusCalls
	f.statusCalls++
	step := f.steps[len(f.steps)-1]
	if call < len(f.steps) {
		step = f.steps[call]
	}
	hook := f.beforeStatus
	f.mu.Unlock()

	if hook != nil {
		hook(call)
	}
	if step.err != nil {
		return nil, step.err
	}
	return &domain.JobHandle{
		ID:               jobID,
		Status:           step.status,
		ProgressPercent:  float64(call * 10),
		ProcessedRecords: call,
		TotalRecords:     10,
		ErrorMessage:     step.message,
	}, nil
}

func (f *fakeBackend) GetJobResult(ctx context.Context, jobID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resultCalls++
	if f.resultErr != nil {
		return "", f.resultErr
	}
	return f.result, nil
}

func (f *fakeBackend) calls() (status, result int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls, f.resultCalls
}

// sleepRecorder is a SleepFunc that returns immediately and records each wait.
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

// outcome collects callback invocations of one polling loop.
type outcome struct {
	mu       sync.Mutex
	progress []domain.JobHandle
	payloads []string
	failures []error
}

func (o *outcome) callbacks() Callbacks {
	return Callbacks{
		OnProgress: func(h domain.JobHandle) {
			o.mu.Lock()
			o.progress = append(o.progress, h)
			o.mu.Unlock()
		},
		OnSuccess: func(payload string) {
			o.mu.Lock()
			o.payloads = append(o.payloads, payload)
			o.mu.Unlock()
		},
		OnFailure: func(err error) {
			o.mu.Lock()
			o.failures = append(o.failures, err)
			o.mu.Unlock()
		},
	}
}

func (o *outcome) counts() (progress, success, failure int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.progress), len(o.payloads), len(o.failures)
}
