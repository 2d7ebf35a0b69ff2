package build

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/decred/slog"
	"github.com/jrick/logrotate/rotator"
)

// LogType is an indicator of the general type of the log destination
// compiled into the binary.
type LogType uint8

const (
	// LogTypeNone indicates no logging.
	LogTypeNone LogType = iota

	// LogTypeStdOut all logging is written to stdout.
	LogTypeStdOut

	// LogTypeDefault logs to both stdout and a given io.PipeWriter.
	LogTypeDefault
)

// LogWriter is a stub io.Writer whose concrete Write method is selected at
// build time (see log_default.go and log_filelog.go).
type LogWriter struct {
	// RotatorPipe is the rotator that the default writer also writes to,
	// if non-nil.
	RotatorPipe *rotator.Rotator
}

// RotatingLogWriter maintains the log rotator, the slog backend writing
// through it and all registered subsystem loggers.
type RotatingLogWriter struct {
	logWriter *LogWriter

	backendLog *slog.Backend

	logRotator *rotator.Rotator

	subsystemLoggers map[string]slog.Logger
}

// NewRotatingLogWriter creates a new file rotating log writer.
//
// NOTE: `InitLogRotator` must be called to set up log rotation after creating
// the writer.
func NewRotatingLogWriter() *RotatingLogWriter {
	logWriter := &LogWriter{}
	return &RotatingLogWriter{
		logWriter:        logWriter,
		backendLog:       slog.NewBackend(logWriter),
		subsystemLoggers: make(map[string]slog.Logger),
	}
}

// GenSubLogger creates a new sub logger backed by the rotating writer.
func (r *RotatingLogWriter) GenSubLogger(tag string) slog.Logger {
	return r.backendLog.Logger(tag)
}

// RegisterSubLogger makes a subsystem logger available for level control.
// Registering the same subsystem twice replaces the previous logger.
func (r *RotatingLogWriter) RegisterSubLogger(subsystem string,
	logger slog.Logger) {

	r.subsystemLoggers[subsystem] = logger
}

// InitLogRotator initializes the logging rotator to write logs to logFile and
// create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func (r *RotatingLogWriter) InitLogRotator(logFile string, maxLogFileSize int,
	maxLogFiles int) error {

	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %v", err)
	}
	r.logRotator, err = rotator.New(
		logFile, int64(maxLogFileSize*1024), false, maxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %v", err)
	}

	r.logWriter.RotatorPipe = r.logRotator
	return nil
}

// Close closes the underlying log rotator if it has been created.
func (r *RotatingLogWriter) Close() error {
	if r.logRotator != nil {
		return r.logRotator.Close()
	}
	return nil
}

// SupportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func (r *RotatingLogWriter) SupportedSubsystems() []string {
	subsystems := make([]string, 0, len(r.subsystemLoggers))
	for subsysID := range r.subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	sort.Strings(subsystems)
	return subsystems
}

// SetLogLevel sets the logging level for provided subsystem. Subsystems that
// have not been registered are ignored.
func (r *RotatingLogWriter) SetLogLevel(subsystemID string, logLevel string) {
	logger, ok := r.subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	level, _ := slog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// SetLogLevels sets the log level for all registered subsystem loggers to the
// passed level.
func (r *RotatingLogWriter) SetLogLevels(logLevel string) {
	for subsystemID := range r.subsystemLoggers {
		r.SetLogLevel(subsystemID, logLevel)
	}
}

// ParseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly. An appropriate error is returned if anything is
// invalid.
func (r *RotatingLogWriter) ParseAndSetDebugLevels(level string) error {
	// When the specified string doesn't have any delimiters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(level, ",") && !strings.Contains(level, "=") {
		if _, ok := slog.LevelFromString(level); !ok {
			return fmt.Errorf("the specified debug level [%v] "+
				"is invalid", level)
		}

		r.SetLogLevels(level)
		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(level, ",") {
		if !strings.Contains(logLevelPair, "=") {
			return fmt.Errorf("the specified debug level contains "+
				"an invalid subsystem/level pair [%v]",
				logLevelPair)
		}

		fields := strings.Split(logLevelPair, "=")
		if len(fields) != 2 {
			return fmt.Errorf("the specified debug level has an "+
				"invalid format [%v]", logLevelPair)
		}
		subsysID, logLevel := fields[0], fields[1]

		if _, exists := r.subsystemLoggers[subsysID]; !exists {
			return fmt.Errorf("the specified subsystem [%v] is "+
				"invalid -- supported subsystems %v", subsysID,
				r.SupportedSubsystems())
		}

		if _, ok := slog.LevelFromString(logLevel); !ok {
			return fmt.Errorf("the specified debug level [%v] "+
				"is invalid", logLevel)
		}

		r.SetLogLevel(subsysID, logLevel)
	}

	return nil
}

// NewSubLogger constructs a new subsystem log from the current LogWriter
// implementation. This is primarily intended for use with stdlog, as the
// actual writer is shared amongst all instantiations.
func NewSubLogger(subsystem string,
	genSubLogger func(string) slog.Logger) slog.Logger {

	if genSubLogger != nil {
		return genSubLogger(subsystem)
	}

	return slog.Disabled
}
