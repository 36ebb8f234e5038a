// Package logger exposes a per-subsystem logger registry backed by a single
// shared logs.Backend. Each consuming package declares
// var log, _ = logger.Get(logger.Tags.XXXX) at the top of its main file.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jrick/logrotate/rotator"

	"github.com/duskdag/node/logs"
)

type logWriter struct{}

func (logWriter) Write(p []byte) (int, error) {
	if initiated {
		os.Stdout.Write(p)
		LogRotator.Write(p)
	}
	return len(p), nil
}

type errLogWriter struct{}

func (errLogWriter) Write(p []byte) (int, error) {
	if initiated {
		os.Stdout.Write(p)
		ErrLogRotator.Write(p)
	}
	return len(p), nil
}

var (
	backendLog = logs.NewBackend([]*logs.BackendWriter{
		logs.NewAllLevelsBackendWriter(logWriter{}),
		logs.NewErrorBackendWriter(errLogWriter{}),
	})

	// LogRotator is the primary log output. It must be set via
	// InitLogRotators before any logger writes, and closed on shutdown.
	LogRotator *rotator.Rotator
	// ErrLogRotator receives error-and-above records only.
	ErrLogRotator *rotator.Rotator

	consLog = backendLog.Logger("CONS")
	dagaLog = backendLog.Logger("DAGA")
	diffLog = backendLog.Logger("DIFF")
	txvlLog = backendLog.Logger("TXVL")
	mempLog = backendLog.Logger("MEMP")
	chstLog = backendLog.Logger("CHST")
	storLog = backendLog.Logger("STOR")
	utilLog = backendLog.Logger("UTIL")

	initiated = false
)

// Tags is an enum of the subsystem tags this registry knows about.
var Tags = struct {
	CONS,
	DAGA,
	DIFF,
	TXVL,
	MEMP,
	CHST,
	STOR,
	UTIL string
}{
	CONS: "CONS",
	DAGA: "DAGA",
	DIFF: "DIFF",
	TXVL: "TXVL",
	MEMP: "MEMP",
	CHST: "CHST",
	STOR: "STOR",
	UTIL: "UTIL",
}

var subsystemLoggers = map[string]*logs.Logger{
	Tags.CONS: consLog,
	Tags.DAGA: dagaLog,
	Tags.DIFF: diffLog,
	Tags.TXVL: txvlLog,
	Tags.MEMP: mempLog,
	Tags.CHST: chstLog,
	Tags.STOR: storLog,
	Tags.UTIL: utilLog,
}

// InitLogRotators initializes the logging rotators that write logs to
// logFile and errLogFile. It must be called before LogRotator/ErrLogRotator
// are relied upon; until then writes are dropped rather than buffered.
func InitLogRotators(logFile, errLogFile string) {
	initiated = true
	LogRotator = initLogRotator(logFile)
	ErrLogRotator = initLogRotator(errLogFile)
}

func initLogRotator(logFile string) *rotator.Rotator {
	logDir, _ := filepath.Split(logFile)
	if err := os.MkdirAll(logDir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %s\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(logFile, 10*1024, false, 3)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %s\n", err)
		os.Exit(1)
	}
	return r
}

// SetLogLevel sets the logging level for the given subsystem tag. Unknown
// tags are ignored.
func SetLogLevel(subsystemTag, logLevel string) {
	logger, ok := subsystemLoggers[subsystemTag]
	if !ok {
		return
	}
	level, _ := logs.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets every subsystem logger to the given level.
func SetLogLevels(logLevel string) {
	for tag := range subsystemLoggers {
		SetLogLevel(tag, logLevel)
	}
}

// SupportedSubsystems returns a sorted slice of known subsystem tags.
func SupportedSubsystems() []string {
	tags := make([]string, 0, len(subsystemLoggers))
	for tag := range subsystemLoggers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Get returns the logger for a given subsystem tag, or ok=false if the tag
// is not registered.
func Get(tag string) (l *logs.Logger, ok bool) {
	l, ok = subsystemLoggers[tag]
	return
}
