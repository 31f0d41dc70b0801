//
// (C) Copyright 2022 Intel Corporation.
//
// SPDX-License-Identifier: BSD-2-Clause-Patent
//

package main

import (
	"fmt"

	"github.com/pkg/errors"
	yaml "gopkg.in/yaml.v2"
)

// configCmd prints the effective group configuration.
type configCmd struct {
	logCmd
	cfgCmd
	outCmd
	Output string `short:"f" long:"file" description:"Also save the configuration to this file"`
}

func (cmd *configCmd) Execute(_ []string) error {
	data, err := yaml.Marshal(cmd.config)
	if err != nil {
		return errors.Wrap(err, "marshal group config")
	}
	fp, err := cmd.config.Fingerprint()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.out, "# geometry fingerprint: %016x\n%s", fp, data)

	if cmd.Output != "" {
		if err := cmd.config.SaveToFile(cmd.Output); err != nil {
			return errors.Wrapf(err, "save config to %s", cmd.Output)
		}
		cmd.log.Infof("group config saved to %s", cmd.Output)
	}
	return nil
}
