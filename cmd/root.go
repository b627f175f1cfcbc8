// Package cmd provides the root command and CLI setup for kcov.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"kcov.dev/pkg/kcov/internal/adapter"
	"kcov.dev/pkg/kcov/internal/controller"
	"kcov.dev/pkg/kcov/internal/debuginfo"
	"kcov.dev/pkg/kcov/internal/domain"
	"kcov.dev/pkg/kcov/internal/engine"
	"kcov.dev/pkg/kcov/internal/engine/bash"
	"kcov.dev/pkg/kcov/internal/engine/ptrace"
	"kcov.dev/pkg/kcov/internal/engine/python"
	m "kcov.dev/pkg/kcov/internal/model"
)

// errSystemMode is returned for the whole-system recording options.
var errSystemMode = errors.New("system-wide recording is not supported")

// newWorkflow builds the workflow for a command from the current
// configuration. Tests replace it with a mock.
var newWorkflow = buildWorkflow

// exitStatus is the status of the traced program, mirrored on exit.
var exitStatus m.ExitStatus

// mode flags select what the root command does and are never read from
// the config file.
type modeFlags struct {
	merge        bool
	collectOnly  bool
	reportOnly   bool
	systemRecord bool
	systemReport bool
}

const rootLongDescription = `kcov collects line coverage of a program without recompiling it.

Native ELF binaries are traced with breakpoints, shell scripts through bash
xtrace or a DEBUG trap and Python scripts through a line hook. Coverage of
repeated runs of the same target accumulates in the output directory and all
targets are merged into <output-dir>/kcov-merged.

  kcov [options] <output-dir> <target> [target-args...]
  kcov --merge <output-dir> <input-dir>...
  kcov --report-only <output-dir> <target>`

// rootCmd represents the base command when called without any subcommands.
var rootCmd *cobra.Command

func init() {
	rootCmd = newRootCmd()
	rootCmd.AddCommand(newInitCmd(), newVersionCmd())
}

func newRootCmd() *cobra.Command {
	var modes modeFlags

	cmd := &cobra.Command{
		Use:          "kcov [options] <output-dir> <target> [target-args...]",
		Short:        "Line coverage without recompilation",
		Long:         rootLongDescription,
		SilenceUsage: true,
		Args: func(cmd *cobra.Command, args []string) error {
			return validateArgs(modes, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				return cmd.Help()
			}

			return runRoot(cmd, modes, args)
		},
	}

	// Everything after the target belongs to the target.
	cmd.Flags().SetInterspersed(false)
	configureRootFlags(cmd, &modes)

	return cmd
}

func validateArgs(modes modeFlags, args []string) error {
	switch {
	case len(args) == 0:
		return nil
	case modes.merge && len(args) < 2:
		return errors.New("--merge needs an output directory and at least one input directory")
	case modes.reportOnly && len(args) != 2:
		return errors.New("--report-only needs an output directory and a target")
	case len(args) < 2:
		return errors.New("need an output directory and a target")
	default:
		return nil
	}
}

func configureRootFlags(cmd *cobra.Command, modes *modeFlags) {
	flags := cmd.Flags()

	flags.BoolVar(&modes.merge, mergeFlagName, false, "merge the kcov-merged data of the input directories into the output directory")
	flags.BoolVar(&modes.collectOnly, collectOnlyFlagName, false, "only collect coverage, leave accumulation to a later --report-only")
	flags.BoolVar(&modes.reportOnly, reportOnlyFlagName, false, "accumulate previously collected coverage without running the target")
	flags.BoolVar(&modes.systemRecord, systemRecordFlagName, false, "record coverage of the whole system (unsupported)")
	flags.BoolVar(&modes.systemReport, systemReportFlagName, false, "report whole-system coverage (unsupported)")
	cmd.MarkFlagsMutuallyExclusive(mergeFlagName, collectOnlyFlagName, reportOnlyFlagName)

	flags.Bool(cleanFlagName, viper.GetBool(cleanKey), "discard previously accumulated coverage of the target")
	bindFlagToConfig(flags.Lookup(cleanFlagName), cleanKey)

	flags.StringSlice(includePatternFlagName, viper.GetStringSlice(includePatternKey), "only keep source files whose path contains one of these patterns (comma separated, repeatable)")
	bindFlagToConfig(flags.Lookup(includePatternFlagName), includePatternKey)

	flags.StringSlice(excludePatternFlagName, viper.GetStringSlice(excludePatternKey), "drop source files whose path contains one of these patterns")
	bindFlagToConfig(flags.Lookup(excludePatternFlagName), excludePatternKey)

	flags.StringSlice(includePathFlagName, viper.GetStringSlice(includePathKey), "only keep source files below these directories")
	bindFlagToConfig(flags.Lookup(includePathFlagName), includePathKey)

	flags.StringSlice(excludePathFlagName, viper.GetStringSlice(excludePathKey), "drop source files below these directories")
	bindFlagToConfig(flags.Lookup(excludePathFlagName), excludePathKey)

	flags.Bool(skipSolibsFlagName, viper.GetBool(skipSolibsKey), "do not instrument shared libraries")
	bindFlagToConfig(flags.Lookup(skipSolibsFlagName), skipSolibsKey)

	flags.Bool(exitFirstFlagName, viper.GetBool(exitFirstKey), "stop as soon as the target exits instead of waiting for its children")
	bindFlagToConfig(flags.Lookup(exitFirstFlagName), exitFirstKey)

	flags.Duration(waitTimeoutFlagName, viper.GetDuration(waitTimeoutKey), "how long to keep tracing children after the target exits (0 waits for all)")
	bindFlagToConfig(flags.Lookup(waitTimeoutFlagName), waitTimeoutKey)

	flags.String(bashMethodFlagName, viper.GetString(bashMethodKey), "how bash reports lines: PS4 or DEBUG")
	bindFlagToConfig(flags.Lookup(bashMethodFlagName), bashMethodKey)

	flags.String(bashCommandFlagName, viper.GetString(bashCommandKey), "bash interpreter used for shell scripts")
	bindFlagToConfig(flags.Lookup(bashCommandFlagName), bashCommandKey)

	flags.Bool(bashBasicParserFlagName, viper.GetBool(bashBasicKey), "use the simple static parser for unexecuted shell lines")
	bindFlagToConfig(flags.Lookup(bashBasicParserFlagName), bashBasicKey)

	flags.Bool(bashDontParseFlagName, viper.GetBool(bashDontParseKey), "do not report unexecuted scripts next to the target")
	bindFlagToConfig(flags.Lookup(bashDontParseFlagName), bashDontParseKey)

	flags.StringSlice(bashParseDirFlagName, viper.GetStringSlice(bashParseDirKey), "also report unexecuted scripts in these directories")
	bindFlagToConfig(flags.Lookup(bashParseDirFlagName), bashParseDirKey)

	flags.Bool(bashShFlagName, viper.GetBool(bashShKey), "trace scripts the target runs through sh")
	bindFlagToConfig(flags.Lookup(bashShFlagName), bashShKey)

	flags.String(pythonParserFlagName, viper.GetString(pythonParserKey), "python interpreter used for Python scripts")
	bindFlagToConfig(flags.Lookup(pythonParserFlagName), pythonParserKey)

	flags.Bool(debugFlagName, viper.GetBool(logVerboseKey), "log at debug level")
	bindFlagToConfig(flags.Lookup(debugFlagName), logVerboseKey)

	flags.String(logFileFlagName, viper.GetString(logFilenameKey), "log file")
	bindFlagToConfig(flags.Lookup(logFileFlagName), logFilenameKey)
}

// bindFlagToConfig wires a Cobra flag to a Viper key so config/env values feed the flag.
func bindFlagToConfig(flag *pflag.Flag, key string) {
	if flag == nil {
		cobra.CheckErr(fmt.Errorf("flag for config key %q not found", key))
		return
	}

	cobra.CheckErr(viper.BindPFlag(key, flag))
}

func runRoot(cmd *cobra.Command, modes modeFlags, args []string) error {
	if modes.systemRecord || modes.systemReport {
		return errSystemMode
	}

	configureLogger(viper.GetString(logFilenameKey), viper.GetBool(logVerboseKey))

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	workflow := newWorkflow(cmd)
	outDir := m.Path(args[0])

	switch {
	case modes.merge:
		return workflow.Merge(ctx, domain.MergeArgs{OutDir: outDir, Inputs: parsePaths(args[1:])})
	case modes.reportOnly:
		return workflow.Report(ctx, domain.ReportArgs{
			OutDir: outDir,
			Target: args[1],
			Clean:  viper.GetBool(cleanKey),
			Filter: filterConfig(),
		})
	default:
		status, err := workflow.Run(ctx, domain.RunArgs{
			OutDir:      outDir,
			Target:      args[1],
			Args:        args[2:],
			Clean:       viper.GetBool(cleanKey),
			CollectOnly: modes.collectOnly,
			Filter:      filterConfig(),
		})
		exitStatus = status

		return err
	}
}

func filterConfig() domain.FilterConfig {
	return domain.FilterConfig{
		IncludePatterns: viper.GetStringSlice(includePatternKey),
		ExcludePatterns: viper.GetStringSlice(excludePatternKey),
		IncludePaths:    viper.GetStringSlice(includePathKey),
		ExcludePaths:    viper.GetStringSlice(excludePathKey),
	}
}

func buildWorkflow(cmd *cobra.Command) domain.Workflow {
	fsAdapter := adapter.NewLocalSourceFSAdapter()
	processAdapter := adapter.NewLocalProcessAdapter()
	store := domain.NewStore(adapter.NewReportStore(), adapter.NewLocker(), fsAdapter)
	ui := controller.NewUI(cmd, controller.IsTTY(cmd.ErrOrStderr()))

	engines := []engine.Engine{
		ptrace.NewEngine(ptrace.Config{
			SkipSolibs:       viper.GetBool(skipSolibsKey),
			ExitFirstProcess: viper.GetBool(exitFirstKey),
			WaitTimeout:      viper.GetDuration(waitTimeoutKey),
		}, debuginfo.NewResolver(viper.GetString(debugRootKey))),
		bash.NewEngine(bash.Config{
			Method:             bash.Method(viper.GetString(bashMethodKey)),
			Command:            viper.GetString(bashCommandKey),
			UseBasicParser:     viper.GetBool(bashBasicKey),
			ParseDirs:          viper.GetStringSlice(bashParseDirKey),
			DontParseBinaryDir: viper.GetBool(bashDontParseKey),
			HandleShInvocation: viper.GetBool(bashShKey),
		}, fsAdapter, processAdapter),
		python.NewEngine(python.Config{
			Interpreter: viper.GetString(pythonParserKey),
		}, fsAdapter, processAdapter),
	}

	return domain.NewWorkflow(fsAdapter, store, ui, engines...)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
// On success the process exits the way the traced program did.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)

	stop()

	if err != nil {
		os.Exit(1)
	}

	exitLike(exitStatus)
}

func parsePaths(args []string) []m.Path {
	paths := make([]m.Path, 0, len(args))
	for _, arg := range args {
		paths = append(paths, m.Path(arg))
	}

	return paths
}
