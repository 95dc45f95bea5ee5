// Copyright (c) 2024-2026 Shardstore, Inc.
//
// This file is part of Shardstore Object Storage stack
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package logger wraps logrus with the conventions used across the
// shardstore services: one entry per component, structured fields,
// and a process-wide level switch.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

var std = logrus.New()

func init() {
	std.Out = os.Stderr
	std.Formatter = &logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	}
	if lvl, err := logrus.ParseLevel(os.Getenv("SHARDSTORE_LOG_LEVEL")); err == nil {
		std.Level = lvl
	}
}

// Fields is an alias so callers do not import logrus directly.
type Fields = logrus.Fields

// New returns a logging entry tagged with the given component name.
func New(component string) *logrus.Entry {
	return std.WithField("component", component)
}

// SetLevel adjusts the process-wide log level.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	std.Level = lvl
	return nil
}

// FatalIf logs err with msg and exits when err is non-nil. Used only
// during process startup; request paths return errors instead.
func FatalIf(err error, msg string, fields Fields) {
	if err == nil {
		return
	}
	std.WithFields(fields).WithError(err).Fatal(msg)
}
