//go:build !unix

package auth

import (
	"context"
	"sync"
)

// FileLocker falls back to an in-process mutex where flock is unavailable.
type FileLocker struct {
	path string
	mu   sync.Mutex
}

// NewFileLocker creates a locker on path.
func NewFileLocker(path string) *FileLocker {
	return &FileLocker{path: path}
}

func (l *FileLocker) WithLock(ctx context.Context, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
