// Package lockout implements the per-client-IP brute-force counter. The
// record lives in a durable key-value store so that every gateway instance
// sees the same history; the increment is read-modify-write without a
// distributed CAS, so concurrent attempts can overshoot the threshold by
// the number of in-flight requests. That is an accepted trade-off: the
// lock exists to stop sustained guessing, not to count exactly.
package lockout

import (
	"context"
	"time"
)

type State int

const (
	StateClear State = iota
	StateWarned
	StateLocked
)

// Outcome classifies what the upstream said about an authentication attempt.
type Outcome int

const (
	OutcomeInconclusive Outcome = iota
	OutcomeSuccess
	OutcomeFailure
)

// Record is the durable per-IP lockout state. Absence of a record is
// equivalent to zero failed attempts.
type Record struct {
	FailedAttempts int        `json:"failedAttempts"`
	LockedUntil    *time.Time `json:"lockedUntil,omitempty"`
	LastAttemptAt  time.Time  `json:"lastAttemptAt"`
}

// Store is the durable key-value binding for lockout records. Get returns
// (nil, nil) when no record exists.
type Store interface {
	Get(ctx context.Context, ip string) (*Record, error)
	Put(ctx context.Context, ip string, rec *Record, ttl time.Duration) error
	Delete(ctx context.Context, ip string) error
}

// Status is the decision surface the dispatcher consumes.
type Status struct {
	State          State
	FailedAttempts int
	Remaining      time.Duration // > 0 only when State == StateLocked
}

type Machine struct {
	store     Store
	threshold int
	duration  time.Duration
	now       func() time.Time
}

func NewMachine(store Store, threshold int, duration time.Duration) *Machine {
	return &Machine{
		store:     store,
		threshold: threshold,
		duration:  duration,
		now:       time.Now,
	}
}

// Check resolves the current state for ip without mutating anything.
// It must be consulted before forwarding an authentication attempt: a
// locked client never reaches the upstream.
func (m *Machine) Check(ctx context.Context, ip string) (Status, error) {
	rec, err := m.store.Get(ctx, ip)
	if err != nil {
		return Status{}, err
	}
	if rec == nil || rec.FailedAttempts == 0 {
		return Status{State: StateClear}, nil
	}
	now := m.now()
	if rec.LockedUntil != nil && rec.LockedUntil.After(now) {
		return Status{
			State:          StateLocked,
			FailedAttempts: rec.FailedAttempts,
			Remaining:      rec.LockedUntil.Sub(now),
		}, nil
	}
	return Status{State: StateWarned, FailedAttempts: rec.FailedAttempts}, nil
}

// Observe applies the outcome of a forwarded authentication attempt.
// Success clears the record, failure increments it and locks at the
// threshold, inconclusive responses change nothing.
func (m *Machine) Observe(ctx context.Context, ip string, outcome Outcome) (Status, error) {
	switch outcome {
	case OutcomeSuccess:
		if err := m.store.Delete(ctx, ip); err != nil {
			return Status{}, err
		}
		return Status{State: StateClear}, nil

	case OutcomeFailure:
		now := m.now()
		rec, err := m.store.Get(ctx, ip)
		if err != nil {
			return Status{}, err
		}
		if rec == nil {
			rec = &Record{}
		}
		// Not atomic across instances; see the package comment.
		rec.FailedAttempts++
		rec.LastAttemptAt = now
		status := Status{State: StateWarned, FailedAttempts: rec.FailedAttempts}
		if rec.FailedAttempts >= m.threshold {
			until := now.Add(m.duration)
			rec.LockedUntil = &until
			status.State = StateLocked
			status.Remaining = m.duration
		}
		ttl := m.duration * 2
		if err := m.store.Put(ctx, ip, rec, ttl); err != nil {
			return Status{}, err
		}
		return status, nil

	default:
		return m.Check(ctx, ip)
	}
}
