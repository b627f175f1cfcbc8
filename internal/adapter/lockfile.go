package adapter

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"

	m "kcov.dev/pkg/kcov/internal/model"
)

// ErrAlreadyLocked is returned by a single lock attempt when another holder
// owns the lock.
var ErrAlreadyLocked = errors.New("lock is held by another process")

// Locker serializes access to an output directory across processes.
type Locker interface {
	// Lock blocks until the lock at path is acquired or ctx is done. The
	// returned function releases it.
	Lock(ctx context.Context, path m.Path) (func() error, error)
}

type flockLocker struct {
	initialInterval time.Duration
	maxInterval     time.Duration
}

// NewLocker returns a Locker based on advisory file locks.
func NewLocker() Locker {
	return &flockLocker{
		initialInterval: 10 * time.Millisecond,
		maxInterval:     500 * time.Millisecond,
	}
}

// Lock implements Locker.
func (l *flockLocker) Lock(ctx context.Context, path m.Path) (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(string(path)), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	// #nosec G304 - lock path is derived from the output directory
	file, err := os.OpenFile(string(path), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(l.initialInterval),
		backoff.WithMaxInterval(l.maxInterval),
		backoff.WithMaxElapsedTime(0),
	)

	var lastAttemptErr error

	err = backoff.RetryNotify(
		func() error {
			lockErr := tryLock(file)
			if lockErr == nil || errors.Is(lockErr, ErrAlreadyLocked) {
				return lockErr
			}

			return backoff.Permanent(lockErr)
		},
		backoff.WithContext(policy, ctx),
		func(err error, _ time.Duration) {
			lastAttemptErr = err
		},
	)
	if err != nil {
		_ = file.Close()

		return nil, fmt.Errorf("failed to lock %s: %w", path, errors.Join(lastAttemptErr, err))
	}

	return func() error {
		return errors.Join(unlock(file), file.Close())
	}, nil
}
