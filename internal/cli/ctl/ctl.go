/*
Postconfirm - Challenge/response mail confirmation daemon.
Copyright © 2023-2024 The postconfirm developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package ctl implements the management subcommands operating on the
// sender and stash databases of a configured postconfirm instance.
package ctl

import (
	"fmt"

	"github.com/ietf-svn-conversion/postconfirm"
	"github.com/ietf-svn-conversion/postconfirm/internal/store"
	"github.com/urfave/cli/v2"
)

// openStore reads the configuration referenced by --config and connects to
// the database it describes. The caller is responsible for closing the
// returned store.
func openStore(ctx *cli.Context) (*store.SQL, *postconfirm.Config, error) {
	cfgPath := ctx.String("config")
	if cfgPath == "" {
		return nil, nil, cli.Exit("Error: config is required", 2)
	}

	cfg, err := postconfirm.ReadConfig(cfgPath)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("Error: failed to read config: %v", err), 2)
	}

	if err := postconfirm.InitDirs(); err != nil {
		return nil, nil, err
	}

	s, err := cfg.OpenStore(ctx.Context)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("Error: failed to open store: %v", err), 2)
	}

	return s, cfg, nil
}
