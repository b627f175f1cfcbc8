//go:build unix

package python

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"golang.org/x/sys/unix"
)

// openFIFO creates a named pipe at path and opens it for reading. The pipe
// is opened read-write so that reads never see EOF between writers.
func openFIFO(path string) (*os.File, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("remove stale fifo: %w", err)
	}

	if err := unix.Mkfifo(path, 0o600); err != nil {
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}

	pipe, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("open fifo %s: %w", path, err), os.Remove(path))
	}

	return pipe, nil
}
