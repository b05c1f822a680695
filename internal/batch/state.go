// Package batch drives a remote batch-analysis job from submission to a
// reconciled result.
package batch

import (
	"fmt"

	"github.com/timmy/caseboard/internal/domain"
)

// Tracker is the state machine of one remote job.
//
// Any non-terminal status overwrites the previous one, so Pending after
// Running is accepted. Once Completed or Failed is observed the tracker is
// closed and further updates are rejected.
type Tracker struct {
	handle domain.JobHandle
	closed bool
}

// NewTracker starts tracking from the submission acknowledgement.
func NewTracker(ack domain.JobHandle) *Tracker {
	t := &Tracker{}
	t.apply(ack)
	return t
}

// Observe applies a polled status.
// Returns:
//   - domain.JobHandle: the handle after the update.
//   - error: domain.ErrJobTerminal once a terminal status was seen, or an
//     error for an unknown status.
func (t *Tracker) Observe(update domain.JobHandle) (domain.JobHandle, error) {
	if t.closed {
		return t.handle, fmt.Errorf("%w: job %s is %s", domain.ErrJobTerminal, t.handle.ID, t.handle.Status)
	}
	if !update.Status.Valid() {
		return t.handle, fmt.Errorf("job %s reported unknown status %q", t.handle.ID, update.Status)
	}
	t.apply(update)
	return t.handle, nil
}

func (t *Tracker) apply(update domain.JobHandle) {
	id := t.handle.ID
	t.handle = update
	if id != "" {
		t.handle.ID = id
	}
	if update.Status != domain.JobStatusFailed {
		t.handle.ErrorMessage = ""
	}
	t.closed = update.Status.IsTerminal()
}

// Current returns the latest handle.
func (t *Tracker) Current() domain.JobHandle { return t.handle }

// Terminal reports whether the job has finished.
func (t *Tracker) Terminal() bool { return t.closed }
