// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides the leveled logging interface used throughout this
// module. It is a trimmed form of gVisor's pkg/log: the Logger interface
// and the rate-limiting decorator are preserved, but the glog-compatible
// buffer formatting and JSON emitters are not, since nothing in this
// module needs a structured sink.
package log

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"
)

// Level is a log verbosity level.
type Level int32

// Log levels, ordered least to most verbose.
const (
	Warning Level = iota
	Info
	Debug
)

// Logger is the interface satisfied by all loggers in this module.
type Logger interface {
	// Debugf logs at Debug level.
	Debugf(format string, v ...any)

	// Infof logs at Info level.
	Infof(format string, v ...any)

	// Warningf logs at Warning level.
	Warningf(format string, v ...any)

	// IsLogging returns whether level would currently be emitted.
	IsLogging(level Level) bool
}

// stderrLogger writes timestamped lines to os.Stderr, gated by an atomic
// minimum level so callers may lower verbosity without synchronization.
type stderrLogger struct {
	level atomic.Int32
}

var defaultLogger = newStderrLogger(Info)

func newStderrLogger(level Level) *stderrLogger {
	l := &stderrLogger{}
	l.level.Store(int32(level))
	return l
}

// Log returns the default process-wide Logger.
func Log() Logger {
	return defaultLogger
}

// SetLevel adjusts the verbosity of the default logger.
func SetLevel(level Level) {
	defaultLogger.level.Store(int32(level))
}

func (l *stderrLogger) IsLogging(level Level) bool {
	return level <= Level(l.level.Load())
}

func (l *stderrLogger) emit(level Level, tag string, format string, v ...any) {
	if !l.IsLogging(level) {
		return
	}
	fmt.Fprintf(os.Stderr, "%s %s %s\n", time.Now().UTC().Format(time.RFC3339Nano), tag, fmt.Sprintf(format, v...))
}

func (l *stderrLogger) Debugf(format string, v ...any)   { l.emit(Debug, "D", format, v...) }
func (l *stderrLogger) Infof(format string, v ...any)    { l.emit(Info, "I", format, v...) }
func (l *stderrLogger) Warningf(format string, v ...any) { l.emit(Warning, "W", format, v...) }

// Debugf logs to the default logger at Debug level.
func Debugf(format string, v ...any) { defaultLogger.Debugf(format, v...) }

// Infof logs to the default logger at Info level.
func Infof(format string, v ...any) { defaultLogger.Infof(format, v...) }

// Warningf logs to the default logger at Warning level.
func Warningf(format string, v ...any) { defaultLogger.Warningf(format, v...) }
