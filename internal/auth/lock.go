package auth

import "context"

// Locker serializes token refreshes across processes that share a TokenStore.
type Locker interface {
	WithLock(ctx context.Context, fn func(ctx context.Context) error) error
}

// DirectLocker runs fn without any cross-process exclusion. In-process
// refreshes are still deduplicated by the Manager.
type DirectLocker struct{}

func (DirectLocker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// NewLocker returns a FileLocker on path, or a DirectLocker when path is empty.
func NewLocker(path string) Locker {
	if path == "" {
		return DirectLocker{}
	}
	return NewFileLocker(path)
}
