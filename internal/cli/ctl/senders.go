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
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ietf-svn-conversion/postconfirm/framework/address"
	postconfirmcli "github.com/ietf-svn-conversion/postconfirm/internal/cli"
	"github.com/ietf-svn-conversion/postconfirm/internal/cli/clitools"
	"github.com/ietf-svn-conversion/postconfirm/internal/store"
	"github.com/urfave/cli/v2"
)

func init() {
	postconfirmcli.AddSubcommand(
		&cli.Command{
			Name:  "senders",
			Usage: "Sender records management",
			Description: `These commands manipulate the dynamic senders table used by
the postconfirm daemon.

Addresses are folded into the canonical lookup form before being stored
or looked up (lowercased, internationalized domains decoded). The static
overlay written by 'postconfirm static import' is read-only for these
commands but participates in 'senders get' the same way it does when a
message is filtered.
`,
			Subcommands: []*cli.Command{
				{
					Name:  "list",
					Usage: "List sender records",
					Flags: []cli.Flag{
						&cli.BoolFlag{
							Name:    "static",
							Aliases: []string{"s"},
							Usage:   "List the static overlay instead of the dynamic table",
						},
					},
					Action: sendersList,
				},
				{
					Name:      "get",
					Usage:     "Show the effective action for a sender",
					ArgsUsage: "ADDRESS",
					Action:    sendersGet,
				},
				{
					Name:      "set",
					Usage:     "Create or update the dynamic record for a sender",
					ArgsUsage: "ADDRESS ACTION",
					Description: `ACTION is one of accept, reject, discard, confirm.

Stored confirmation references, if any, are replaced.
`,
					Action: sendersSet,
				},
				{
					Name:      "del",
					Usage:     "Delete the dynamic record for a sender",
					ArgsUsage: "ADDRESS",
					Flags: []cli.Flag{
						&cli.BoolFlag{
							Name:    "yes",
							Aliases: []string{"y"},
							Usage:   "Don't ask for confirmation",
						},
					},
					Action: sendersDel,
				},
			},
		})
}

func sendersList(ctx *cli.Context) error {
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var recs []store.SenderRecord
	if ctx.Bool("static") {
		recs, err = s.ListStatic(ctx.Context)
	} else {
		recs, err = s.ListSenders(ctx.Context)
	}
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "No sender records.")
		return nil
	}

	for _, rec := range recs {
		typ := "E"
		if rec.Pattern {
			typ = "P"
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\n", rec.Sender, typ, rec.Action, rec.Source, strings.Join(rec.Refs, ","))
	}
	return nil
}

func sendersGet(ctx *cli.Context) error {
	addr := ctx.Args().First()
	if addr == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}

	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	// Same degradation as the filter itself: unfoldable addresses are
	// looked up lowercased.
	key, _ := address.ForLookup(address.Strip(addr))

	act, refs, err := s.GetAction(ctx.Context, key)
	if err != nil {
		return err
	}

	fmt.Println(act)
	for _, ref := range refs {
		fmt.Println(ref)
	}
	return nil
}

func sendersSet(ctx *cli.Context) error {
	addr := ctx.Args().Get(0)
	actionArg := ctx.Args().Get(1)
	if addr == "" || actionArg == "" {
		return cli.Exit("Error: ADDRESS and ACTION are required", 2)
	}

	act, err := store.ParseAction(actionArg)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Error: %v", err), 2)
	}
	if act == store.ActionUnknown || act == store.ActionExpired {
		return cli.Exit(fmt.Sprintf("Error: %v is computed on lookup and cannot be stored", act), 2)
	}

	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	key, _ := address.ForLookup(address.Strip(addr))

	return s.SetAction(ctx.Context, key, act, nil)
}

func sendersDel(ctx *cli.Context) error {
	addr := ctx.Args().First()
	if addr == "" {
		return cli.Exit("Error: ADDRESS is required", 2)
	}

	if !ctx.Bool("yes") {
		if !clitools.Confirmation("Are you sure you want to delete this sender record?", false) {
			return errors.New("Cancelled")
		}
	}

	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	key, _ := address.ForLookup(address.Strip(addr))

	return s.DeleteSender(ctx.Context, key)
}
