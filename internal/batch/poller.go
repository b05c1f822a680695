package batch

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/caseboard/internal/domain"
	"github.com/timmy/caseboard/internal/logger"
	"github.com/timmy/caseboard/internal/metrics"
)

// SleepFunc waits for d or until ctx is done, whichever comes first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Callbacks receive the events of one polling loop. Nil callbacks are skipped.
type Callbacks struct {
	// OnProgress is called after each successful poll that reports a non-terminal status.
	OnProgress func(domain.JobHandle)
	// OnSuccess receives the result payload of a completed job.
	OnSuccess func(payload string)
	// OnFailure receives *domain.BackendUnavailableError or *domain.JobFailedError.
	OnFailure func(err error)
}

// Poller tracks remote jobs with adaptive polling.
//
// A transport failure doubles the wait before the next query, up to
// MaxInterval. Any successful query resets the wait to InitialInterval.
// There is no overall deadline: a loop ends on a terminal status, after
// MaxConsecutiveFailures back-to-back transport failures, or on cancellation.
type Poller struct {
	backend domain.Backend
	metrics *metrics.Metrics
	sleep   SleepFunc
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithMetrics records poll attempts in m.
func WithMetrics(m *metrics.Metrics) PollerOption {
	return func(p *Poller) { p.metrics = m }
}

// WithSleep replaces the timer-based wait.
func WithSleep(fn SleepFunc) PollerOption {
	return func(p *Poller) { p.sleep = fn }
}

// NewPoller creates a Poller querying backend.
func NewPoller(backend domain.Backend, opts ...PollerOption) *Poller {
	p := &Poller{
		backend: backend,
		sleep:   sleepContext,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// PollHandle controls a loop started with Start.
type PollHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the loop. No callback runs after the loop observes it.
func (h *PollHandle) Cancel() { h.cancel() }

// Done is closed when the loop has exited.
func (h *PollHandle) Done() <-chan struct{} { return h.done }

// Start polls jobID in a new goroutine and reports the outcome through cb.
// Cancelling ctx has the same effect as PollHandle.Cancel. Cancellation is
// checked right before each callback; a callback already running is not
// interrupted.
func (p *Poller) Start(ctx context.Context, jobID string, cfg domain.PollConfig, cb Callbacks) (*PollHandle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &PollHandle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		defer cancel()

		payload, err := p.loop(ctx, jobID, cfg, cb.OnProgress)
		if err != nil {
			if cb.OnFailure != nil && ctx.Err() == nil {
				cb.OnFailure(err)
			}
			return
		}
		if cb.OnSuccess != nil && ctx.Err() == nil {
			cb.OnSuccess(payload)
		}
	}()

	return h, nil
}

// Poll is the blocking form of Start. It returns the result payload, the
// terminal error, or ctx.Err() when cancelled.
func (p *Poller) Poll(ctx context.Context, jobID string, cfg domain.PollConfig, onProgress func(domain.JobHandle)) (string, error) {
	var (
		payload   string
		completed bool
		failure   error
	)
	h, err := p.Start(ctx, jobID, cfg, Callbacks{
		OnProgress: onProgress,
		OnSuccess: func(s string) {
			payload, completed = s, true
		},
		OnFailure: func(err error) {
			failure = err
		},
	})
	if err != nil {
		return "", err
	}
	<-h.Done()

	switch {
	case failure != nil:
		return "", failure
	case completed:
		return payload, nil
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "", context.Canceled
}

func (p *Poller) loop(ctx context.Context, jobID string, cfg domain.PollConfig, onProgress func(domain.JobHandle)) (string, error) {
	ctx = logger.SetJobID(ctx, jobID)
	tracker := NewTracker(domain.JobHandle{ID: jobID, Status: domain.JobStatusPending})
	interval := cfg.InitialInterval
	failures := 0

	for attempt := 1; ; attempt++ {
		update, err := p.backend.GetJobStatus(ctx, jobID)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if err == nil && (update == nil || !update.Status.Valid()) {
			err = &domain.TransportError{Op: "status", JobID: jobID, Err: errors.New("unrecognized status document")}
		}

		if err != nil {
			p.metrics.IncPollAttempt(metrics.PollTransportError)
			failures++
			if failures >= cfg.MaxConsecutiveFailures {
				logger.With(logger.Fields{
					logger.FieldAttempt: attempt,
					logger.FieldStatus:  string(tracker.Current().Status),
				}).Error(ctx, "Giving up on job after %d consecutive failures: %v", failures, err)
				return "", &domain.BackendUnavailableError{JobID: jobID, Op: "status", Attempts: failures, Err: err}
			}
			logger.With(logger.Fields{
				logger.FieldAttempt:  attempt,
				logger.FieldInterval: interval.Milliseconds(),
			}).Warn(ctx, "Status query failed (%d/%d): %v", failures, cfg.MaxConsecutiveFailures, err)

			if err := p.sleep(ctx, interval); err != nil {
				return "", err
			}
			interval = nextInterval(interval, cfg.MaxInterval)
			continue
		}

		p.metrics.IncPollAttempt(metrics.PollOK)
		failures = 0
		interval = cfg.InitialInterval

		handle, err := tracker.Observe(*update)
		if err != nil {
			return "", err
		}

		if tracker.Terminal() {
			if handle.Status == domain.JobStatusCompleted {
				return p.fetchResult(ctx, jobID)
			}
			logger.CtxWarn(ctx, "Job reported failure: %s", handle.ErrorMessage)
			return "", &domain.JobFailedError{JobID: jobID, Message: handle.ErrorMessage}
		}

		logger.With(logger.Fields{logger.FieldAttempt: attempt, logger.FieldStatus: string(handle.Status)}).
			Debug(ctx, "Job in progress: %.1f%% (%d/%d)", handle.ProgressPercent, handle.ProcessedRecords, handle.TotalRecords)
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if onProgress != nil {
			onProgress(handle)
		}

		if err := p.sleep(ctx, interval); err != nil {
			return "", err
		}
	}
}

func (p *Poller) fetchResult(ctx context.Context, jobID string) (string, error) {
	payload, err := p.backend.GetJobResult(ctx, jobID)
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		p.metrics.IncResultFetch(metrics.PollTransportError)
		logger.CtxError(ctx, "Failed to fetch result of completed job: %v", err)
		return "", &domain.BackendUnavailableError{JobID: jobID, Op: "result", Attempts: 1, Err: err}
	}
	p.metrics.IncResultFetch(metrics.PollOK)
	return payload, nil
}

// nextInterval doubles cur without exceeding limit.
func nextInterval(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit || next < cur {
		return limit
	}
	return next
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// IsCancelled reports whether err ends a loop because of cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
