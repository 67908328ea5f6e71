package credential

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no record exists for the (user, method) pair.
	ErrNotFound = errors.New("credential record not found")
	// ErrExists is returned by SaveNew when a record is already present.
	ErrExists = errors.New("credential record already exists")
	// ErrUnavailable wraps backend failures.
	ErrUnavailable = errors.New("credential backend unavailable")
)

// Store is the durable credential backend. Implementations must serialize
// ConsumeCode and AdvanceCounter per (user, method) pair so that two
// concurrent calls presenting the same code cannot both succeed.
type Store interface {
	// Get returns the record for the pair, or ErrNotFound.
	Get(ctx context.Context, userID, methodType string) (*Record, error)

	// Save replaces the record for the pair as a single atomic write.
	// A concurrent ConsumeCode either completes against the old secret or
	// fails cleanly; it never applies to a mixed state.
	Save(ctx context.Context, rec *Record) error

	// SaveNew persists a record only if none exists yet, returning ErrExists
	// otherwise. Used to promote a staged secret exactly once.
	SaveNew(ctx context.Context, rec *Record) error

	// Delete removes the record. Deleting an absent record is not an error.
	Delete(ctx context.Context, userID, methodType string) error

	// ConsumeCode atomically marks the unused code entry matching hash as
	// used and stamps LastUsedAt. It reports false when no unused entry
	// matches, including when the same code was already consumed.
	ConsumeCode(ctx context.Context, userID, methodType string, hash [32]byte, now int64) (bool, error)

	// AdvanceCounter moves the record counter forward to counter and stamps
	// LastUsedAt, but only if counter is strictly greater than the stored
	// value. It reports false when the counter did not advance (replay).
	AdvanceCounter(ctx context.Context, userID, methodType string, counter, now int64) (bool, error)
}
