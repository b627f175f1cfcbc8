//go:build !linux

package ptrace

import "errors"

func newPlatformBackend() (Backend, error) {
	return nil, errors.New("breakpoint tracing requires linux")
}
