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
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ietf-svn-conversion/postconfirm"
	"github.com/ietf-svn-conversion/postconfirm/framework/address"
	postconfirmcli "github.com/ietf-svn-conversion/postconfirm/internal/cli"
	"github.com/ietf-svn-conversion/postconfirm/internal/store"
	"github.com/urfave/cli/v2"
)

func init() {
	postconfirmcli.AddSubcommand(
		&cli.Command{
			Name:  "static",
			Usage: "Static overlay management",
			Description: `The static senders overlay is built from plain list files
(one address or pattern per line) named by the confirmlist, allowlists,
whitelists, rejectlists, blacklists, allowregex, whiteregex, rejectregex
and blackregex configuration directives.

'static import' replaces the whole overlay with the current file
contents, so removals in the files take effect too. The daemon picks the
new records up immediately for exact matches and on the next pattern
cache rebuild (SIGUSR2 or restart) for patterns.
`,
			Subcommands: []*cli.Command{
				{
					Name:   "import",
					Usage:  "Replace the static overlay with the configured list files",
					Action: staticImport,
				},
				{
					Name:   "list",
					Usage:  "List the static overlay records",
					Action: staticList,
				},
			},
		})
}

func staticImport(ctx *cli.Context) error {
	s, cfg, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	if len(cfg.StaticLists) == 0 {
		return cli.Exit("Error: no list files are configured", 2)
	}

	recs, err := loadStaticLists(cfg.StaticLists)
	if err != nil {
		return err
	}

	if err := s.ReplaceStatic(ctx.Context, recs); err != nil {
		return err
	}

	fmt.Printf("Imported %d records from %d list files.\n", len(recs), len(cfg.StaticLists))
	return nil
}

func staticList(ctx *cli.Context) error {
	s, _, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	recs, err := s.ListStatic(ctx.Context)
	if err != nil {
		return err
	}

	if len(recs) == 0 {
		fmt.Fprintln(os.Stderr, "No static records.")
		return nil
	}

	for _, rec := range recs {
		typ := "E"
		if rec.Pattern {
			typ = "P"
		}
		fmt.Printf("%s\t%s\t%s\t%s\n", rec.Sender, typ, rec.Action, rec.Source)
	}
	return nil
}

// loadStaticLists reads every configured list file into sender records.
// A sender appearing in several files keeps the action of the last file
// mentioning it, which is the order the original file-based setup
// applied its lists in.
func loadStaticLists(lists []postconfirm.StaticList) ([]store.SenderRecord, error) {
	var (
		recs []store.SenderRecord
		// (sender, type) is the primary key of the overlay table.
		seen = make(map[string]int)
	)

	for _, list := range lists {
		entries, err := readListFile(list.Path)
		if err != nil {
			return nil, err
		}

		source := filepath.Base(list.Path)
		for _, entry := range entries {
			rec := store.SenderRecord{
				Sender:  entry,
				Pattern: list.Pattern,
				Action:  list.Action,
				Source:  source,
			}

			if list.Pattern {
				// Uncompilable patterns would be skipped on every lookup,
				// better to refuse them on import.
				if _, err := store.CompileRule(entry, list.Action); err != nil {
					return nil, fmt.Errorf("%s: invalid pattern %q: %w", list.Path, entry, err)
				}
			} else {
				rec.Sender, _ = address.ForLookup(entry)
			}

			key := rec.Sender + "\x00" + fmt.Sprint(rec.Pattern)
			if i, ok := seen[key]; ok {
				recs[i] = rec
				continue
			}
			seen[key] = len(recs)
			recs = append(recs, rec)
		}
	}

	return recs, nil
}

func readListFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		entry := strings.TrimSpace(scanner.Text())
		if entry == "" {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return entries, nil
}
