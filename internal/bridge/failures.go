package bridge

import (
	"sync"

	"entitygraph/pkg/domain"
)

// FailureRecorder receives failed builds for diagnostics.
type FailureRecorder interface {
	RecordFailure(failure *domain.MaterializationFailure)
}

// FailureLog keeps failures in memory in the order they were recorded.
type FailureLog struct {
	mu       sync.Mutex
	failures []*domain.MaterializationFailure
}

// NewFailureLog constructs an empty log.
func NewFailureLog() *FailureLog { return &FailureLog{} }

func (l *FailureLog) RecordFailure(failure *domain.MaterializationFailure) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = append(l.failures, failure)
}

// Failures returns a copy of the recorded failures.
func (l *FailureLog) Failures() []*domain.MaterializationFailure {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*domain.MaterializationFailure(nil), l.failures...)
}

// Reset clears the log.
func (l *FailureLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures = nil
}
