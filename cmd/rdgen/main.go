//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package main

import (
	"io"
	"os"
	"path"

	flags "github.com/jessevdk/go-flags"
	"github.com/pkg/errors"

	"github.com/daos-stack/raid-mirror/config"
	"github.com/daos-stack/raid-mirror/fault"
	"github.com/daos-stack/raid-mirror/logging"
)

type (
	cmdLogger interface {
		setLog(*logging.LeveledLogger)
	}

	logCmd struct {
		log *logging.LeveledLogger
	}

	// cmdConfigSetter is implemented by commands that need the group
	// config.
	cmdConfigSetter interface {
		setConfig(*config.Group)
	}

	cfgCmd struct {
		config *config.Group
	}

	outputSetter interface {
		setOutput(io.Writer)
	}

	outCmd struct {
		out io.Writer
	}
)

func (c *logCmd) setLog(log *logging.LeveledLogger) {
	c.log = log
}

func (c *cfgCmd) setConfig(cfg *config.Group) {
	c.config = cfg
}

func (c *outCmd) setOutput(out io.Writer) {
	c.out = out
}

type cliOptions struct {
	Debug      bool       `short:"d" long:"debug" description:"enable debug output"`
	ConfigPath string     `short:"o" long:"config-path" description:"Group config file path"`
	Width      int        `short:"w" long:"width" description:"Override the configured group width (memory drives only)"`
	Config     configCmd  `command:"config" description:"Print the effective group configuration"`
	Write      writeCmd   `command:"write" alias:"w" description:"Write checksummed blocks to the group"`
	Read       readCmd    `command:"read" alias:"r" description:"Read blocks from the group and validate their checksums"`
	Verify     verifyCmd  `command:"verify" alias:"v" description:"Compare every copy of a range and optionally repair it"`
	Rebuild    rebuildCmd `command:"rebuild" description:"Copy good data over needs-rebuild ranges"`
	Run        runCmd     `command:"run" description:"Run a write, read and verify workload against the group"`
}

func exitWithError(log logging.Logger, err error) {
	cmdName := path.Base(os.Args[0])
	log.Errorf("%s: %v", cmdName, err)
	if fault.HasResolution(err) {
		log.Errorf("%s: %s", cmdName, fault.ShowResolutionFor(err))
	}
	os.Exit(1)
}

func loadConfig(log logging.Logger, opts *cliOptions) (*config.Group, error) {
	cfg := config.Default()
	if opts.ConfigPath != "" {
		if err := cfg.Load(opts.ConfigPath); err != nil {
			return nil, errors.WithMessage(err, "failed to load group configuration")
		}
		log.Debugf("group config loaded from %s", opts.ConfigPath)
	}
	if opts.Width != 0 {
		cfg.WithWidth(opts.Width)
	}
	if err := cfg.Validate(log); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseOpts(args []string, opts *cliOptions, out io.Writer, log *logging.LeveledLogger) error {
	p := flags.NewParser(opts, flags.Default)
	p.Options ^= flags.PrintErrors // Don't allow the library to print errors
	p.CommandHandler = func(cmd flags.Commander, args []string) error {
		if cmd == nil {
			return nil
		}

		if opts.Debug {
			log.WithLogLevel(logging.LogLevelDebug)
			log.Debug("debug output enabled")
		}

		if logCmd, ok := cmd.(cmdLogger); ok {
			logCmd.setLog(log)
		}
		if outCmd, ok := cmd.(outputSetter); ok {
			outCmd.setOutput(out)
		}

		if cfgCmd, ok := cmd.(cmdConfigSetter); ok {
			cfg, err := loadConfig(log, opts)
			if err != nil {
				return err
			}
			cfgCmd.setConfig(cfg)
		}

		return cmd.Execute(args)
	}

	_, err := p.ParseArgs(args)
	return err
}

func main() {
	var opts cliOptions
	log := logging.NewCommandLineLogger()

	if err := parseOpts(os.Args[1:], &opts, os.Stdout, log); err != nil {
		exitWithError(log, err)
	}
}
