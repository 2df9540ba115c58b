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

package ctl

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ietf-svn-conversion/postconfirm/framework/address"
	postconfirmcli "github.com/ietf-svn-conversion/postconfirm/internal/cli"
	"github.com/urfave/cli/v2"
)

func init() {
	postconfirmcli.AddSubcommand(
		&cli.Command{
			Name:  "stash",
			Usage: "Stashed messages inspection",
			Subcommands: []*cli.Command{
				{
					Name:      "list",
					Usage:     "List messages waiting for confirmation",
					ArgsUsage: "[ADDRESS]",
					Description: `Without arguments all stashed messages are listed. With an
ADDRESS only the messages held for that sender are shown, the same set a
successful confirmation would release.
`,
					Action: stashList,
				},
			},
		})
}

func stashList(ctx *cli.Context) error {
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var filter string
	if addr := ctx.Args().First(); addr != "" {
		filter, _ = address.ForLookup(address.Strip(addr))
	}

	metas, err := s.ListStash(ctx.Context)
	if err != nil {
		return err
	}

	n := 0
	for _, meta := range metas {
		if filter != "" && meta.Sender != filter {
			continue
		}
		n++

		table := "dynamic"
		if meta.Static {
			table = "static"
		}
		fmt.Printf("%d\t%s\t%s\t%s\t%s\n", meta.ID, table, meta.Sender,
			meta.CreatedAt.Format(time.RFC3339), strings.Join(meta.Recipients, ","))
	}

	if n == 0 {
		fmt.Fprintln(os.Stderr, "No stashed messages.")
	}
	return nil
}
