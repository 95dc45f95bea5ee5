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

package cmd

import (
	"github.com/minio/cli"
)

// Main is the entry point of the shardstore binary.
func Main(args []string) {
	app := cli.NewApp()
	app.Name = "shardstore"
	app.Usage = "S3-compatible distributed object storage engine"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the TOML configuration file",
		},
		cli.StringFlag{
			Name:  "log-level",
			Value: "info",
			Usage: "logging level (debug, info, warn, error)",
		},
	}
	app.Commands = []cli.Command{
		gatewayCmd,
		osdCmd,
		ccsCmd,
		formatCmd,
	}
	if err := app.Run(args); err != nil {
		fatalLog.WithError(err).Fatal("command failed")
	}
}
