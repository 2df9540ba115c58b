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

package store

// Operator-facing queries used by the management subcommands. Not part of
// the Store interface the decision pipeline consumes.

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

func recordType(pattern bool) string {
	if pattern {
		return typePattern
	}
	return typeExact
}

// ListSenders returns all rows of the dynamic senders table ordered by
// address.
func (s *SQL) ListSenders(ctx context.Context) ([]SenderRecord, error) {
	return s.listSenders(ctx, "senders")
}

// ListStatic returns all rows of the static overlay table ordered by
// address.
func (s *SQL) ListStatic(ctx context.Context) ([]SenderRecord, error) {
	return s.listSenders(ctx, "senders_static")
}

func (s *SQL) listSenders(ctx context.Context, table string) ([]SenderRecord, error) {
	q := "SELECT sender, type, action, ref, source FROM " + table + " ORDER BY sender, type"
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, wrapErr("list "+table, "", err)
	}
	defer rows.Close()

	var recs []SenderRecord
	for rows.Next() {
		var (
			sender, typ, action string
			ref, source         sql.NullString
		)
		if err := rows.Scan(&sender, &typ, &action, &ref, &source); err != nil {
			return nil, wrapErr("list "+table, "", err)
		}
		recs = append(recs, SenderRecord{
			Sender:  sender,
			Pattern: typ == typePattern,
			Action:  actionOrUnknown(action),
			Refs:    decodeRefs(ref),
			Source:  source.String,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("list "+table, "", err)
	}
	return recs, nil
}

// ReplaceStatic atomically replaces the whole static overlay with the given
// records. This is how list files are imported: the previous content is
// dropped so removals in the files take effect too.
func (s *SQL) ReplaceStatic(ctx context.Context, recs []SenderRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr("replace static", "", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM senders_static"); err != nil {
		return wrapErr("replace static", "", err)
	}

	q := s.rewrite("INSERT INTO senders_static (sender, type, action, ref, source) VALUES (?, ?, ?, ?, ?)")
	for _, rec := range recs {
		_, err := tx.ExecContext(ctx, q,
			rec.Sender, recordType(rec.Pattern), string(rec.Action), encodeRefs(rec.Refs), rec.Source)
		if err != nil {
			return wrapErr("replace static", rec.Sender, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("replace static", "", err)
	}

	s.invalidatePatterns()
	return nil
}

// StashMeta describes one stashed message without its content.
type StashMeta struct {
	ID         int64
	Sender     string
	Recipients []string
	CreatedAt  time.Time
	Static     bool
}

// ListStash returns metadata for all stashed messages, dynamic entries
// first, each group in FIFO order.
func (s *SQL) ListStash(ctx context.Context) ([]StashMeta, error) {
	var metas []StashMeta
	for _, table := range stashTables {
		q := "SELECT id, sender, recipients, created_at FROM " + table + " ORDER BY created_at, id"
		rows, err := s.db.QueryContext(ctx, q)
		if err != nil {
			return nil, wrapErr("list "+table, "", err)
		}

		for rows.Next() {
			var (
				meta      StashMeta
				rcptsJSON string
			)
			if err := rows.Scan(&meta.ID, &meta.Sender, &rcptsJSON, &meta.CreatedAt); err != nil {
				rows.Close()
				return nil, wrapErr("list "+table, "", err)
			}
			if err := json.Unmarshal([]byte(rcptsJSON), &meta.Recipients); err != nil {
				rows.Close()
				return nil, wrapErr("list "+table, "", err)
			}
			meta.Static = table == "stash_static"
			metas = append(metas, meta)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, wrapErr("list "+table, "", err)
		}
		rows.Close()
	}
	return metas, nil
}
