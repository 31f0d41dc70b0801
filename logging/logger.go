//
// (C) Copyright 2019-2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package logging

import (
	"bytes"
	"fmt"
	"sync"
)

type (
	// Logger defines a standard logging interface
	Logger interface {
		EnabledFor(level LogLevel) bool
		Trace(msg string)
		Tracef(format string, args ...interface{})
		Debug(msg string)
		Debugf(format string, args ...interface{})
		Info(msg string)
		Infof(format string, args ...interface{})
		Notice(msg string)
		Noticef(format string, args ...interface{})
		Error(msg string)
		Errorf(format string, args ...interface{})
	}

	// LeveledLogger provides a logging implementation which
	// can emit log messages to multiple destinations with
	// different output formats.
	LeveledLogger struct {
		sync.RWMutex

		level   LogLevel
		outputs [numLevels][]*Output
	}
)

var _ Logger = (*LeveledLogger)(nil)

// SetLevel sets the logger's LogLevel, at or above
// which messages will be emitted.
func (ll *LeveledLogger) SetLevel(newLevel LogLevel) {
	ll.level.Set(newLevel)
}

// Level returns the logger's current LogLevel.
func (ll *LeveledLogger) Level() LogLevel {
	return ll.level.Get()
}

// EnabledFor returns true if the logger is enabled for the
// specified LogLevel.
func (ll *LeveledLogger) EnabledFor(level LogLevel) bool {
	return ll.level.Get() >= level
}

// WithLogLevel allows the logger's LogLevel to be set
// as part of a chained method call.
func (ll *LeveledLogger) WithLogLevel(level LogLevel) *LeveledLogger {
	ll.SetLevel(level)
	return ll
}

// AddOutput adds a destination for messages at the output's level.
func (ll *LeveledLogger) AddOutput(out *Output) {
	if !out.level.valid() {
		return
	}
	ll.Lock()
	defer ll.Unlock()
	ll.outputs[out.level] = append(ll.outputs[out.level], out)
}

// emit must be called directly from the exported level methods so
// that the recorded caller is the one that logged the message.
func (ll *LeveledLogger) emit(level LogLevel, msg string) {
	if !ll.EnabledFor(level) {
		return
	}

	ll.RLock()
	outputs := ll.outputs[level]
	ll.RUnlock()

	for _, out := range outputs {
		out.write(callerDepth, msg)
	}
}

// Trace emits an unformatted message at Trace level.
func (ll *LeveledLogger) Trace(msg string) {
	ll.emit(LogLevelTrace, msg)
}

// Tracef emits a formatted message at Trace level.
func (ll *LeveledLogger) Tracef(format string, args ...interface{}) {
	if ll.EnabledFor(LogLevelTrace) {
		ll.emit(LogLevelTrace, fmt.Sprintf(format, args...))
	}
}

// Debug emits an unformatted message at Debug level.
func (ll *LeveledLogger) Debug(msg string) {
	ll.emit(LogLevelDebug, msg)
}

// Debugf emits a formatted message at Debug level.
func (ll *LeveledLogger) Debugf(format string, args ...interface{}) {
	if ll.EnabledFor(LogLevelDebug) {
		ll.emit(LogLevelDebug, fmt.Sprintf(format, args...))
	}
}

// Info emits an unformatted message at Info level.
func (ll *LeveledLogger) Info(msg string) {
	ll.emit(LogLevelInfo, msg)
}

// Infof emits a formatted message at Info level.
func (ll *LeveledLogger) Infof(format string, args ...interface{}) {
	if ll.EnabledFor(LogLevelInfo) {
		ll.emit(LogLevelInfo, fmt.Sprintf(format, args...))
	}
}

// Notice emits an unformatted message at Notice level.
func (ll *LeveledLogger) Notice(msg string) {
	ll.emit(LogLevelNotice, msg)
}

// Noticef emits a formatted message at Notice level.
func (ll *LeveledLogger) Noticef(format string, args ...interface{}) {
	if ll.EnabledFor(LogLevelNotice) {
		ll.emit(LogLevelNotice, fmt.Sprintf(format, args...))
	}
}

// Error emits an unformatted message at Error level.
func (ll *LeveledLogger) Error(msg string) {
	ll.emit(LogLevelError, msg)
}

// Errorf emits a formatted message at Error level.
func (ll *LeveledLogger) Errorf(format string, args ...interface{}) {
	if ll.EnabledFor(LogLevelError) {
		ll.emit(LogLevelError, fmt.Sprintf(format, args...))
	}
}

// LogBuffer provides a thread-safe wrapper for bytes.Buffer, enough
// to collect test logger output.
type LogBuffer struct {
	sync.Mutex
	buf bytes.Buffer
}

func (lb *LogBuffer) Read(p []byte) (int, error) {
	lb.Lock()
	defer lb.Unlock()
	return lb.buf.Read(p)
}

func (lb *LogBuffer) Write(p []byte) (int, error) {
	lb.Lock()
	defer lb.Unlock()
	return lb.buf.Write(p)
}

func (lb *LogBuffer) String() string {
	lb.Lock()
	defer lb.Unlock()
	return lb.buf.String()
}

// Reset discards the buffered output.
func (lb *LogBuffer) Reset() {
	lb.Lock()
	defer lb.Unlock()
	lb.buf.Reset()
}
