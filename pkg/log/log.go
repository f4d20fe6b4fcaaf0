// Copyright 2018-2024 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package log builds the root zerolog logger of the daemons.
package log

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Conf configures the root logger.
type Conf struct {
	Output string `mapstructure:"output"`
	Mode   string `mapstructure:"mode"`
	Level  string `mapstructure:"level"`
}

// ApplyDefaults applies the default values.
func (c *Conf) ApplyDefaults() {
	if c.Output == "" {
		c.Output = "stderr"
	}
	if c.Mode == "" {
		c.Mode = "console"
	}
	if c.Level == "" {
		c.Level = zerolog.InfoLevel.String()
	}
}

// New creates a logger from the given configuration.
func New(c *Conf) (*zerolog.Logger, error) {
	c.ApplyDefaults()

	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return nil, errors.Wrap(err, "log: invalid level "+c.Level)
	}

	var out *os.File
	switch c.Output {
	case "stderr":
		out = os.Stderr
	case "stdout":
		out = os.Stdout
	default:
		out, err = os.OpenFile(c.Output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, errors.Wrap(err, "log: error opening "+c.Output)
		}
	}

	zl := zerolog.New(out).With().Timestamp().Int("pid", os.Getpid()).Logger().Level(level)
	if c.Mode == "console" {
		zl = zl.Output(zerolog.ConsoleWriter{Out: out})
	}
	return &zl, nil
}
