package cmd

import (
	"errors"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"kcov.dev/pkg/kcov/internal/debuginfo"
	"kcov.dev/pkg/kcov/internal/engine/bash"
	"kcov.dev/pkg/kcov/internal/engine/python"
)

const (
	configVersionKey     = "version"
	currentConfigVersion = 1

	configBaseName   = "kcov"
	configFileName   = configBaseName + ".yaml"
	configFolderPath = "."

	cleanFlagName           = "clean"
	mergeFlagName           = "merge"
	collectOnlyFlagName     = "collect-only"
	reportOnlyFlagName      = "report-only"
	includePatternFlagName  = "include-pattern"
	excludePatternFlagName  = "exclude-pattern"
	includePathFlagName     = "include-path"
	excludePathFlagName     = "exclude-path"
	skipSolibsFlagName      = "skip-solibs"
	exitFirstFlagName       = "exit-first-process"
	waitTimeoutFlagName     = "wait-timeout"
	bashMethodFlagName      = "bash-method"
	bashCommandFlagName     = "bash-command"
	bashBasicParserFlagName = "bash-use-basic-parser"
	bashDontParseFlagName   = "bash-dont-parse-binary-dir"
	bashParseDirFlagName    = "bash-parse-files-in-dir"
	bashShFlagName          = "bash-handle-sh-invocation"
	pythonParserFlagName    = "python-parser"
	systemRecordFlagName    = "system-record"
	systemReportFlagName    = "system-report"
	debugFlagName           = "debug"
	logFileFlagName         = "log-file"

	cleanKey          = "clean"
	includePatternKey = "filter.include_pattern"
	excludePatternKey = "filter.exclude_pattern"
	includePathKey    = "filter.include_path"
	excludePathKey    = "filter.exclude_path"
	skipSolibsKey     = "ptrace.skip_solibs"
	exitFirstKey      = "ptrace.exit_first_process"
	waitTimeoutKey    = "ptrace.wait_timeout"
	debugRootKey      = "ptrace.debug_root"
	bashMethodKey     = "bash.method"
	bashCommandKey    = "bash.command"
	bashBasicKey      = "bash.use_basic_parser"
	bashDontParseKey  = "bash.dont_parse_binary_dir"
	bashParseDirKey   = "bash.parse_files_in_dir"
	bashShKey         = "bash.handle_sh_invocation"
	pythonParserKey   = "python.parser"

	envPrefix = "KCOV"

	logFilenameKey   = "log.filename"
	logLevelKey      = "log.level"
	logVerboseKey    = "log.verbose"
	logMaxSizeKey    = "log.max_size"
	logMaxBackupsKey = "log.max_backups"
	logMaxAgeKey     = "log.max_age"
	logCompressKey   = "log.compress"

	defaultLogFilename   = ".kcov.log"
	defaultLogLevel      = int(slog.LevelInfo)
	defaultLogVerbose    = false
	defaultLogMaxSize    = 10
	defaultLogMaxBackups = 3
	defaultLogMaxAge     = 28
	defaultLogCompress   = true
)

var globalLogger *slog.Logger

func init() {
	viper.SetConfigName(configBaseName)
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configFolderPath)
	viper.SetConfigFile(filepath.Join(configFolderPath, configFileName))
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))

	viper.SetDefault(configVersionKey, currentConfigVersion)
	viper.SetDefault(cleanKey, false)
	viper.SetDefault(includePatternKey, []string{})
	viper.SetDefault(excludePatternKey, []string{})
	viper.SetDefault(includePathKey, []string{})
	viper.SetDefault(excludePathKey, []string{})
	viper.SetDefault(skipSolibsKey, false)
	viper.SetDefault(exitFirstKey, false)
	viper.SetDefault(waitTimeoutKey, "0s")
	viper.SetDefault(debugRootKey, debuginfo.DefaultDebugRoot)
	viper.SetDefault(bashMethodKey, string(bash.MethodPS4))
	viper.SetDefault(bashCommandKey, bash.DefaultCommand)
	viper.SetDefault(bashBasicKey, false)
	viper.SetDefault(bashDontParseKey, false)
	viper.SetDefault(bashParseDirKey, []string{})
	viper.SetDefault(bashShKey, false)
	viper.SetDefault(pythonParserKey, python.DefaultInterpreter)

	// Logging defaults (used by config/env and as fallbacks for flags).
	viper.SetDefault(logFilenameKey, defaultLogFilename)
	viper.SetDefault(logLevelKey, defaultLogLevel)
	viper.SetDefault(logVerboseKey, defaultLogVerbose)
	viper.SetDefault(logMaxSizeKey, defaultLogMaxSize)
	viper.SetDefault(logMaxBackupsKey, defaultLogMaxBackups)
	viper.SetDefault(logMaxAgeKey, defaultLogMaxAge)
	viper.SetDefault(logCompressKey, defaultLogCompress)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return
		}

		return
	}
}

func parseSlogLevel(value string, defaultLevel slog.Level) slog.Level {
	level := strings.ToLower(strings.TrimSpace(value))
	if level == "" {
		return defaultLevel
	}

	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}

	// Allow numeric slog levels as well (e.g. -4 for debug).
	if n, err := strconv.Atoi(level); err == nil {
		return slog.Level(n)
	}

	return defaultLevel
}

// configureLogger configures the global slog logger.
//
// By default it logs at Info; if verbose is true it logs at Debug.
func configureLogger(logPath string, verbose bool) {
	if strings.TrimSpace(logPath) == "" {
		logPath = viper.GetString(logFilenameKey)
	}

	if strings.TrimSpace(logPath) == "" {
		logPath = defaultLogFilename
	}

	var logLevel slog.Level
	if verbose {
		logLevel = slog.LevelDebug
	} else {
		logLevel = parseSlogLevel(viper.GetString(logLevelKey), slog.LevelInfo)
	}

	logWriter := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    viper.GetInt(logMaxSizeKey),
		MaxBackups: viper.GetInt(logMaxBackupsKey),
		MaxAge:     viper.GetInt(logMaxAgeKey),
		Compress:   viper.GetBool(logCompressKey),
	}

	handler := slog.NewTextHandler(logWriter, &slog.HandlerOptions{
		AddSource: true,
		Level:     logLevel,
	})

	globalLogger = slog.New(handler)
	slog.SetDefault(globalLogger)
}
