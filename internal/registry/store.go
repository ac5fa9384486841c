package registry

import (
	"context"
	"errors"

	"cookiepool/pkg/models"
)

var (
	// ErrNoneAvailable means no eligible session exists for the platform.
	ErrNoneAvailable = errors.New("no eligible session available")
	// ErrNotFound means the session id or account does not exist.
	ErrNotFound = errors.New("session not found")
)

// Store is the session registry. Acquire and Release run under a
// row-level lock: the registry is the only state reachable from
// multiple processes at once.
type Store interface {
	// Acquire selects the least recently used eligible session
	// (authenticated, not in use, matching platform; never-used records
	// first) and marks it in use, atomically. Returns ErrNoneAvailable
	// when no record qualifies.
	Acquire(ctx context.Context, platform models.Platform) (*Session, error)

	// Get returns a session by id. ErrNotFound if absent.
	Get(ctx context.Context, id int64) (*Session, error)

	// MarkValidated stamps last_validated_at on a held session.
	MarkValidated(ctx context.Context, id int64) error

	// MarkInvalid frees a held session that failed validation:
	// de-authenticates it, records the failure reason and increments the
	// consecutive-failure counter.
	MarkInvalid(ctx context.Context, id int64, reason string) error

	// Release frees a session and updates its health: success resets the
	// failure counter and clears the reason; failure increments it and
	// bans the record once it reaches BanThreshold. Releasing an already
	// free session is a no-op transition, not an error. ErrNotFound if
	// the id is unknown.
	Release(ctx context.Context, id int64, success bool, reason string) error

	// UpdateSessionData replaces the stored blob for an account and
	// re-authenticates it. ErrNotFound if the account is unknown.
	UpdateSessionData(ctx context.Context, platform models.Platform, username string, data Pairs) error

	// Close releases backend resources.
	Close()
}
