package cmd

import (
	"os"

	m "kcov.dev/pkg/kcov/internal/model"
)

// signalExitCode is used when re-raising the target's fatal signal did not
// terminate us.
const signalExitCode = 128

// exitLike terminates the process the way the traced program terminated.
func exitLike(status m.ExitStatus) {
	if !status.Signaled {
		os.Exit(status.Code)
	}

	raise(status.Signal)
	os.Exit(signalExitCode)
}
