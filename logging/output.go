//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

const (
	// caller -> level method -> emit -> write -> log.Output
	callerDepth = 4

	sourceLogFlags = log.Lmicroseconds | log.Lshortfile
	stdLogFlags    = log.LstdFlags
	emptyLogFlags  = 0
)

// Output writes the messages of a single level to a destination.
type Output struct {
	level LogLevel
	log   *log.Logger
}

// NewOutput returns an output for level. Trace and debug messages
// carry the source location of the caller.
func NewOutput(level LogLevel, prefix string, dest io.Writer) *Output {
	flags := stdLogFlags
	if level >= LogLevelDebug {
		flags = sourceLogFlags
	}

	lp := level.String() + " "
	if prefix != "" && level < LogLevelDebug {
		lp = prefix + " " + lp
	}
	return &Output{
		level: level,
		log:   log.New(dest, lp, flags),
	}
}

// NewCommandLineOutput returns an output without timestamps or level
// tags for info and notice messages, suitable for CLI utilities.
func NewCommandLineOutput(level LogLevel, dest io.Writer) *Output {
	if level >= LogLevelDebug {
		return NewOutput(level, "", dest)
	}

	var prefix string
	if level == LogLevelError {
		prefix = "ERROR: "
	}
	return &Output{
		level: level,
		log:   log.New(dest, prefix, emptyLogFlags),
	}
}

func (o *Output) write(depth int, msg string) {
	if err := o.log.Output(depth, msg); err != nil {
		fmt.Fprintf(os.Stderr, "%s logger output failed: %s\n", o.level, err)
	}
}
