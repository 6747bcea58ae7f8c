// util/log.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package util

import (
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger provides a simple logging system with a few different log levels;
// debugging and verbose output may both be suppressed independently.
// Output goes through logrus; each message carries the source location
// of the call as the "src" field.
type Logger struct {
	NErrors int
	mu      sync.Mutex
	l       *logrus.Logger
}

func NewLogger(verbose, debug bool) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{DisableTimestamp: !debug})
	switch {
	case debug:
		l.SetLevel(logrus.DebugLevel)
	case verbose:
		l.SetLevel(logrus.InfoLevel)
	default:
		l.SetLevel(logrus.WarnLevel)
	}
	return &Logger{l: l}
}

// NewLevelLogger returns a Logger for a level name as accepted by
// logrus.ParseLevel ("debug", "info", "warning", ...).
func NewLevelLogger(level string) (*Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	lg := NewLogger(false, false)
	lg.l.SetLevel(lvl)
	lg.l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return lg, nil
}

// LogToFile additionally sends all log output to the given file, which
// is rotated once it grows past maxSizeMB.
func (l *Logger) LogToFile(fn string, maxSizeMB, maxBackups int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lj := &lumberjack.Logger{
		Filename:   fn,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	l.l.SetOutput(io.MultiWriter(os.Stderr, lj))
}

// NewDiscardLogger returns a Logger that drops all output, for tests.
// Errors are still counted.
func NewDiscardLogger() *Logger {
	lg := NewLogger(false, false)
	lg.SetOutput(io.Discard)
	return lg
}

// SetOutput redirects log output; mostly useful for tests.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.l.SetOutput(w)
}

// Errors returns the number of errors reported so far.
func (l *Logger) Errors() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.NErrors
}

func (l *Logger) Print(f string, args ...interface{}) {
	fmt.Printf("%s", ensureNewline(fmt.Sprintf(f, args...)))
}

func (l *Logger) Debug(f string, args ...interface{}) {
	l.emit(logrus.DebugLevel, f, args...)
}

func (l *Logger) Verbose(f string, args ...interface{}) {
	l.emit(logrus.InfoLevel, f, args...)
}

func (l *Logger) Warning(f string, args ...interface{}) {
	l.emit(logrus.WarnLevel, f, args...)
}

func (l *Logger) Error(f string, args ...interface{}) {
	if l != nil {
		l.mu.Lock()
		l.NErrors++
		l.mu.Unlock()
	}
	l.emit(logrus.ErrorLevel, f, args...)
}

func (l *Logger) Fatal(f string, args ...interface{}) {
	if l != nil {
		l.mu.Lock()
		l.NErrors++
		l.mu.Unlock()
	}
	l.emit(logrus.ErrorLevel, f, args...)
	os.Exit(1)
}

// Checks the provided condition and prints a fatal error if it's false.
// The error message includes the source file and line number where the
// check failed.  An optional message specified with printf-style
// formatting may be provided to print with the error message.
func (l *Logger) Check(v bool, msg ...interface{}) {
	if v {
		return
	}

	if len(msg) == 0 {
		l.emit(logrus.ErrorLevel, "Check failed")
	} else {
		f := msg[0].(string)
		l.emit(logrus.ErrorLevel, f, msg[1:]...)
	}
	os.Exit(1)
}

// Similar to Check, CheckError prints a fatal error if the given error is
// non-nil.  It also takes an optional format string.
func (l *Logger) CheckError(err error, msg ...interface{}) {
	if err == nil {
		return
	}

	if len(msg) == 0 {
		l.emit(logrus.ErrorLevel, "Error: %+v", err)
	} else {
		f := msg[0].(string)
		l.emit(logrus.ErrorLevel, f, msg[1:]...)
	}
	os.Exit(1)
}

func (l *Logger) emit(level logrus.Level, f string, args ...interface{}) {
	lg := logrus.StandardLogger()
	if l != nil {
		lg = l.l
	}
	if !lg.IsLevelEnabled(level) {
		return
	}

	// Two levels up the call stack
	_, fn, line, _ := runtime.Caller(2)
	// Last two components of the path
	src := path.Base(path.Dir(fn)) + "/" + path.Base(fn) + fmt.Sprintf(":%d", line)
	msg := strings.TrimSuffix(fmt.Sprintf(f, args...), "\n")
	lg.WithField("src", src).Log(level, msg)
}

func ensureNewline(s string) string {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}
