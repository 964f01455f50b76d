// Copyright 2024 LatentFS Authors
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

// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Supported output formats
const (
	FormatText = "text"
	FormatJSON = "json"
)

// Setup applies format and level to the standard logrus logger.
// An empty level means info. "off" discards all output.
func Setup(format, level string, out io.Writer) error {
	formatter, err := NewFormatter(format)
	if err != nil {
		return err
	}
	log.SetFormatter(formatter)

	if strings.EqualFold(level, "off") || strings.EqualFold(level, "none") {
		log.SetOutput(io.Discard)
		return nil
	}
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	if out != nil {
		log.SetOutput(out)
	}
	log.SetLevel(lvl)
	return nil
}

// NewFormatter returns the logrus formatter for a configured format
func NewFormatter(format string) (log.Formatter, error) {
	switch strings.ToLower(format) {
	case "", FormatText, "pretty":
		return &log.TextFormatter{FullTimestamp: true}, nil
	case FormatJSON:
		return &log.JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// ParseLevel maps a level name (case insensitive) to a logrus level
func ParseLevel(level string) (log.Level, error) {
	switch strings.ToLower(level) {
	case "trace":
		return log.TraceLevel, nil
	case "debug":
		return log.DebugLevel, nil
	case "", "info":
		return log.InfoLevel, nil
	case "warn", "warning":
		return log.WarnLevel, nil
	case "error":
		return log.ErrorLevel, nil
	default:
		return log.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}
