//
// (C) Copyright 2019-2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package logging

import (
	"io"
	"os"
)

// DefaultLogLevel is the level used by newly created loggers.
const DefaultLogLevel = LogLevelInfo

// NewCommandLineLogger returns a logger configured
// to send non-error output to stdout and error
// output to stderr, without timestamps on info,
// notice and error messages.
func NewCommandLineLogger() *LeveledLogger {
	ll := &LeveledLogger{level: DefaultLogLevel}
	for _, level := range allLevels() {
		dest := io.Writer(os.Stdout)
		if level == LogLevelError {
			dest = os.Stderr
		}
		ll.AddOutput(NewCommandLineOutput(level, dest))
	}
	return ll
}

// NewCombinedLogger returns a logger configured
// to send all output to the supplied io.Writer.
func NewCombinedLogger(prefix string, output io.Writer) *LeveledLogger {
	ll := &LeveledLogger{level: DefaultLogLevel}
	for _, level := range allLevels() {
		ll.AddOutput(NewOutput(level, prefix, output))
	}
	return ll
}

// NewTestLogger returns a logger and a *LogBuffer,
// with the logger configured to send all output into
// the buffer. The logger's level is set to TRACE by default.
func NewTestLogger(prefix string) (*LeveledLogger, *LogBuffer) {
	var buf LogBuffer
	return NewCombinedLogger(prefix, &buf).
		WithLogLevel(LogLevelTrace), &buf
}
