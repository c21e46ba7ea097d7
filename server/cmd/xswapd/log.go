// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
	"github.com/xswap-coordinator/xswapd/dex"
)

// logWriter implements an io.Writer that outputs to both standard output and
// the write-end pipe of an initialized log rotator.
type logWriter struct{}

// Write writes the data in p to standard out and the log rotator.
func (logWriter) Write(p []byte) (n int, err error) {
	if logRotator == nil {
		return os.Stdout.Write(p)
	}
	os.Stdout.Write(p)
	return logRotator.Write(p) // not safe concurrent writes, so only one logWriter{} allowed!
}

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, define it in the subsystemLoggers map.
//
// For packages with package-level loggers, subsystem logging calls should not
// be done before actually setting the logger in parseAndSetDebugLevels.
//
// Loggers should not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by calling
// initLogRotator.
var (
	// logRotator is one of the logging outputs. Use initLogRotator to set it.
	// It should be closed on application shutdown.
	logRotator *rotator.Rotator

	// package main's Logger.
	log = dex.Disabled

	// backendLog is the single slog.Backend every subsystem logger is
	// created from. It writes through logWriter, so nothing should use
	// it before initLogRotator runs.
	backendLog = slog.NewBackend(logWriter{})

	// subsystemLoggers maps each subsystem identifier to its associated logger.
	// init replaces each placeholder with a backend logger;
	// parseAndSetDebugLevels then sets their levels.
	subsystemLoggers = map[string]dex.Logger{
		"MAIN": dex.Disabled,
		"EXCH": dex.Disabled,
		"BOOK": dex.Disabled,
		"UTXO": dex.Disabled,
		"SWAP": dex.Disabled,
		"SNOD": dex.Disabled,
		"RPC":  dex.Disabled,
		"P2P":  dex.Disabled,
		"WAIT": dex.Disabled,
	}
)

func init() {
	log = backendLog.Logger("MAIN")
	subsystemLoggers["MAIN"] = log
	for subsysID := range subsystemLoggers {
		if subsysID == "MAIN" {
			continue
		}
		subsystemLoggers[subsysID] = backendLog.Logger(subsysID)
	}
}

// setLogLevel sets the logging level for provided subsystem. Invalid
// subsystems are silently ignored.
func setLogLevel(subsystemID string, level slog.Level) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}
	logger.SetLevel(level)
	if subsystemID == "MAIN" {
		log.SetLevel(level)
	}
}

// setLogLevels sets the logging level for every registered subsystem.
func setLogLevels(level slog.Level) {
	for id := range subsystemLoggers {
		setLogLevel(id, level)
	}
}

// parseLoggingLevels parses a debug level spec of the form
// "<defaultLevel>" or "<defaultLevel>,<subsystem>=<level>,...".
func parseLoggingLevels(debugLevel string) (slog.Level, map[string]slog.Level, error) {
	levels := make(map[string]slog.Level)

	fields := strings.Split(debugLevel, ",")
	first := fields[0]
	defaultLevel, ok := slog.LevelFromString(first)
	if !ok {
		return 0, nil, fmt.Errorf("invalid debug level %q", first)
	}

	for _, field := range fields[1:] {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return 0, nil, fmt.Errorf("invalid subsystem debug level entry %q", field)
		}
		lvl, ok := slog.LevelFromString(kv[1])
		if !ok {
			return 0, nil, fmt.Errorf("invalid debug level %q for subsystem %s", kv[1], kv[0])
		}
		levels[kv[0]] = lvl
	}

	return defaultLevel, levels, nil
}

// initLogRotator initializes the logging rotater to write logs to logFile and
// create roll files in the same directory.  It must be called before the
// package-global log rotater variables are used.
func initLogRotator(logFile string, maxRolls int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	logRotator, err = rotator.New(logFile, 32*1024, false, maxRolls)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}
}
