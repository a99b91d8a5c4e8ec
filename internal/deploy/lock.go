package deploy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"
)

// ErrLocked is returned when another process holds the deploy lock past the
// timeout.
var ErrLocked = errors.New("deploy: lock held by another process")

// staleLockAge is the age after which a lock file is presumed abandoned.
const staleLockAge = 10 * time.Minute

type fileLock struct {
	path string
	file *os.File
}

// acquireLock creates path exclusively, polling until timeout.
func acquireLock(ctx context.Context, path string, timeout time.Duration) (*fileLock, error) {
	deadline := time.Now().Add(timeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			return &fileLock{path: path, file: f}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("deploy: lock: %w", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > staleLockAge {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w (%s)", ErrLocked, path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (l *fileLock) Release() {
	if l.file != nil {
		l.file.Close()
	}
	os.Remove(l.path)
}
