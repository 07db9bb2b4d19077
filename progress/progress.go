// Package progress persists a learner's position within a course so a
// coaching session can resume where the last one stopped.
package progress

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no progress exists for a course.
	ErrNotFound = errors.New("progress not found")
	// ErrInvalidID is returned when a course ID is empty.
	ErrInvalidID = errors.New("invalid course id")
)

// Progress is a learner's position in one course.
type Progress struct {
	CurrentChallengeIndex int       `json:"currentChallengeIndex"`
	CompletedChallengeIDs []string  `json:"completedChallengeIds,omitempty"`
	StartedAt             time.Time `json:"startedAt"`
	LastAccessed          time.Time `json:"lastAccessed"`
}

// Store persists progress keyed by course ID.
type Store interface {
	// Get returns the stored progress, or ErrNotFound.
	Get(ctx context.Context, courseID string) (*Progress, error)

	// Put stores the progress, overwriting any previous record.
	Put(ctx context.Context, courseID string, p *Progress) error

	// Delete removes the record. Deleting a missing record is not an error.
	Delete(ctx context.Context, courseID string) error

	// List returns the course IDs with stored progress, sorted.
	List(ctx context.Context) ([]string, error)
}
