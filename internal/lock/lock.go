// Package lock provides the cross-process mutex that serializes conversation
// resolution per (customer, channel) key.
package lock

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBusy means another holder kept the key for the whole bounded wait.
	ErrBusy = errors.New("lock busy")
	// ErrUnavailable means the lock store could not be reached. Callers must
	// fail closed: retry the job later, never proceed unlocked.
	ErrUnavailable = errors.New("lock store unavailable")
	// ErrNotHeld means a release was attempted with a stale or foreign token.
	ErrNotHeld = errors.New("lock not held")
)

// Coordinator is a TTL-bounded mutex keyed by string. Acquire waits up to the
// coordinator's bounded wait before failing with ErrBusy; a held lock always
// expires after ttl so a crashed holder can never wedge a key forever.
type Coordinator interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (token string, err error)
	Release(ctx context.Context, key, token string) error
}

const acquirePollInterval = 25 * time.Millisecond
