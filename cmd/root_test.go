package cmd

import (
	"bytes"
	"errors"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"kcov.dev/pkg/kcov/internal/domain"
	domainmocks "kcov.dev/pkg/kcov/internal/domain/mocks"
	m "kcov.dev/pkg/kcov/internal/model"
)

// withMockWorkflow runs root with args against a mocked workflow.
func withMockWorkflow(t *testing.T) (*domainmocks.MockWorkflow, *cobra.Command) {
	t.Helper()

	mockWorkflow := domainmocks.NewMockWorkflow(t)

	original := newWorkflow
	newWorkflow = func(*cobra.Command) domain.Workflow {
		return mockWorkflow
	}

	t.Cleanup(func() { newWorkflow = original })

	exitStatus = m.ExitStatus{}
	t.Cleanup(func() { exitStatus = m.ExitStatus{} })

	// Flags are bound to the global viper instance and must not leak.
	t.Cleanup(func() { _ = newRootCmd() })

	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(nil)

	t.Setenv("KCOV_LOG_FILENAME", t.TempDir()+"/kcov.log")

	return mockWorkflow, cmd
}

func TestNewRootCmd(t *testing.T) {
	cmd := newRootCmd()

	assert.Equal(t, "kcov [options] <output-dir> <target> [target-args...]", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.Equal(t, rootLongDescription, cmd.Long)
}

func TestRootCmd_HelpOutput(t *testing.T) {
	cmd := newRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{})

	require.NoError(t, cmd.Execute())
	assert.Contains(t, output.String(), "Usage:")
	assert.Contains(t, output.String(), "--bash-method")
}

func TestRootCmd_RunPassesTargetArguments(t *testing.T) {
	mockWorkflow, cmd := withMockWorkflow(t)

	mockWorkflow.On("Run", mock.Anything, mock.MatchedBy(func(args domain.RunArgs) bool {
		return args.OutDir == m.Path("out") &&
			args.Target == "./prog" &&
			assert.ObjectsAreEqual([]string{"-v", "--clean", "x"}, args.Args) &&
			args.Clean &&
			!args.CollectOnly &&
			assert.ObjectsAreEqual([]string{"first-dir"}, args.Filter.IncludePatterns) &&
			assert.ObjectsAreEqual([]string{"c.sh", "d.sh"}, args.Filter.ExcludePatterns)
	})).Return(m.ExitStatus{Code: 7}, nil)

	cmd.SetArgs([]string{
		"--clean",
		"--include-pattern=first-dir",
		"--exclude-pattern=c.sh,d.sh",
		"out", "./prog", "-v", "--clean", "x",
	})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, m.ExitStatus{Code: 7}, exitStatus)
}

func TestRootCmd_RepeatedPatterns(t *testing.T) {
	mockWorkflow, cmd := withMockWorkflow(t)

	mockWorkflow.On("Run", mock.Anything, mock.MatchedBy(func(args domain.RunArgs) bool {
		return assert.ObjectsAreEqual([]string{"/src", "/lib"}, args.Filter.IncludePaths) &&
			assert.ObjectsAreEqual([]string{"/src/vendor"}, args.Filter.ExcludePaths)
	})).Return(m.ExitStatus{}, nil)

	cmd.SetArgs([]string{"--include-path", "/src", "--include-path", "/lib", "--exclude-path=/src/vendor", "out", "prog"})

	require.NoError(t, cmd.Execute())
}

func TestRootCmd_CollectOnly(t *testing.T) {
	mockWorkflow, cmd := withMockWorkflow(t)

	mockWorkflow.On("Run", mock.Anything, mock.MatchedBy(func(args domain.RunArgs) bool {
		return args.CollectOnly
	})).Return(m.ExitStatus{Signaled: true, Signal: 11}, nil)

	cmd.SetArgs([]string{"--collect-only", "out", "prog"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, m.ExitStatus{Signaled: true, Signal: 11}, exitStatus)
}

func TestRootCmd_ReportOnly(t *testing.T) {
	mockWorkflow, cmd := withMockWorkflow(t)

	mockWorkflow.On("Report", mock.Anything, domain.ReportArgs{
		OutDir: m.Path("out"),
		Target: "prog",
		Filter: domain.FilterConfig{
			IncludePatterns: []string{},
			ExcludePatterns: []string{},
			IncludePaths:    []string{},
			ExcludePaths:    []string{},
		},
	}).Return(nil)

	cmd.SetArgs([]string{"--report-only", "out", "prog"})

	require.NoError(t, cmd.Execute())
}

func TestRootCmd_Merge(t *testing.T) {
	mockWorkflow, cmd := withMockWorkflow(t)

	mockWorkflow.On("Merge", mock.Anything, domain.MergeArgs{
		OutDir: m.Path("merged"),
		Inputs: []m.Path{"a", "b"},
	}).Return(nil)

	cmd.SetArgs([]string{"--merge", "merged", "a", "b"})

	require.NoError(t, cmd.Execute())
}

func TestRootCmd_WorkflowError(t *testing.T) {
	mockWorkflow, cmd := withMockWorkflow(t)

	mockWorkflow.On("Run", mock.Anything, mock.Anything).Return(m.ExitStatus{}, domain.ErrTargetNotFound)

	cmd.SetArgs([]string{"out", "missing"})

	require.ErrorIs(t, cmd.Execute(), domain.ErrTargetNotFound)
}

func TestRootCmd_ConfigFlagsReachViper(t *testing.T) {
	mockWorkflow, cmd := withMockWorkflow(t)

	mockWorkflow.On("Run", mock.Anything, mock.Anything).Return(m.ExitStatus{}, nil)

	cmd.SetArgs([]string{
		"--bash-method=DEBUG",
		"--bash-parse-files-in-dir=/a,/b",
		"--wait-timeout=5s",
		"--exit-first-process",
		"--python-parser=python3.12",
		"out", "prog",
	})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "DEBUG", viper.GetString(bashMethodKey))
	assert.Equal(t, []string{"/a", "/b"}, viper.GetStringSlice(bashParseDirKey))
	assert.Equal(t, 5*time.Second, viper.GetDuration(waitTimeoutKey))
	assert.True(t, viper.GetBool(exitFirstKey))
	assert.Equal(t, "python3.12", viper.GetString(pythonParserKey))
}

func TestRootCmd_InvalidInvocations(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"missing target", []string{"out"}},
		{"merge without inputs", []string{"--merge", "out"}},
		{"report-only with target args", []string{"--report-only", "out", "prog", "extra"}},
		{"conflicting modes", []string{"--merge", "--report-only", "out", "prog"}},
		{"system record", []string{"--system-record", "out", "prog"}},
		{"system report", []string{"--system-report", "out", "prog"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The mock has no expectations: the workflow must not be reached.
			_, cmd := withMockWorkflow(t)
			cmd.SetArgs(tt.args)

			require.Error(t, cmd.Execute())
		})
	}
}

func TestRootCmd_SystemModeError(t *testing.T) {
	_, cmd := withMockWorkflow(t)
	cmd.SetArgs([]string{"--system-record", "out", "prog"})

	assert.True(t, errors.Is(cmd.Execute(), errSystemMode))
}

func TestValidateArgs(t *testing.T) {
	require.NoError(t, validateArgs(modeFlags{}, nil))
	require.NoError(t, validateArgs(modeFlags{}, []string{"out", "prog"}))
	require.NoError(t, validateArgs(modeFlags{merge: true}, []string{"out", "a"}))
	require.Error(t, validateArgs(modeFlags{reportOnly: true}, []string{"out"}))
}

func TestParsePaths(t *testing.T) {
	assert.Equal(t, []m.Path{}, parsePaths(nil))
	assert.Equal(t, []m.Path{"a", "b"}, parsePaths([]string{"a", "b"}))
}

func TestExecute_ProcessLevel_MirrorsExitCode(t *testing.T) {
	if os.Getenv("TEST_EXECUTE_SUBPROCESS") == "1" {
		rootCmd = &cobra.Command{
			Use: "test",
			RunE: func(*cobra.Command, []string) error {
				exitStatus = m.ExitStatus{Code: 42}
				return nil
			},
		}
		rootCmd.SetArgs([]string{})

		Execute()

		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExecute_ProcessLevel_MirrorsExitCode$")
	cmd.Env = append(os.Environ(), "TEST_EXECUTE_SUBPROCESS=1")

	var exitErr *exec.ExitError

	require.ErrorAs(t, cmd.Run(), &exitErr)
	assert.Equal(t, 42, exitErr.ExitCode())
}

func TestExecute_ProcessLevel_ReraisesSignal(t *testing.T) {
	if os.Getenv("TEST_EXECUTE_SUBPROCESS_SIGNAL") == "1" {
		rootCmd = &cobra.Command{
			Use: "test",
			RunE: func(*cobra.Command, []string) error {
				exitStatus = m.ExitStatus{Signaled: true, Signal: 11}
				return nil
			},
		}
		rootCmd.SetArgs([]string{})

		Execute()

		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExecute_ProcessLevel_ReraisesSignal$")
	cmd.Env = append(os.Environ(), "TEST_EXECUTE_SUBPROCESS_SIGNAL=1")

	var exitErr *exec.ExitError

	require.ErrorAs(t, cmd.Run(), &exitErr)
	assert.Equal(t, -1, exitErr.ExitCode(), "state: %s", exitErr.ProcessState)
	assert.Contains(t, exitErr.ProcessState.String(), "segmentation fault")
}

func TestExecute_ProcessLevel_Failure(t *testing.T) {
	if os.Getenv("TEST_EXECUTE_SUBPROCESS_FAIL") == "1" {
		rootCmd = &cobra.Command{
			Use: "test",
			RunE: func(*cobra.Command, []string) error {
				return errors.New("command failed")
			},
		}
		rootCmd.SetArgs([]string{})

		Execute()

		return
	}

	cmd := exec.Command(os.Args[0], "-test.run=^TestExecute_ProcessLevel_Failure$")
	cmd.Env = append(os.Environ(), "TEST_EXECUTE_SUBPROCESS_FAIL=1")
	output, err := cmd.CombinedOutput()

	var exitErr *exec.ExitError

	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 1, exitErr.ExitCode())
	assert.Contains(t, string(output), "command failed")
}
