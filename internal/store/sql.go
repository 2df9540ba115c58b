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

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/ietf-svn-conversion/postconfirm/framework/exterrors"
	"github.com/ietf-svn-conversion/postconfirm/framework/hooks"
	"github.com/ietf-svn-conversion/postconfirm/framework/log"
)

// Source value written for records this daemon creates.
const defaultSource = "postconfirm"

// Config describes the database connection for New.
type Config struct {
	// Driver is one of postgres, sqlite3, mysql.
	Driver string

	// Name is the database name. For sqlite3 it is the database file path.
	Name     string
	User     string
	Password string
	Host     string
	Port     string

	// SSLMode is used by the postgres driver only. Empty means disable:
	// the store usually lives next to the MTA.
	SSLMode string

	// ConfirmTTL is the age of the oldest stashed message above which a
	// confirm record reads back as expired. Zero disables expiry.
	ConfirmTTL time.Duration

	Log log.Logger
}

// SQL implements Store on top of database/sql. Safe for concurrent use.
type SQL struct {
	db     *sql.DB
	driver string
	ttl    time.Duration
	log    log.Logger

	// Compiled pattern rules, built lazily, dropped on reload.
	patternsLck sync.RWMutex
	patterns    []PatternRule
	patternsOK  bool
}

// New opens the database connection pool. The schema is not touched, call
// InitSchema for that.
func New(cfg Config) (*SQL, error) {
	dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if cfg.Driver == "sqlite3" {
		// Concurrent writers on one SQLite file fight over the write lock,
		// serialize everything on a single connection instead.
		db.SetMaxOpenConns(1)
	}

	s := &SQL{
		db:     db,
		driver: cfg.Driver,
		ttl:    cfg.ConfirmTTL,
		log:    cfg.Log,
	}

	hooks.AddHook(hooks.EventReload, func() {
		s.invalidatePatterns()
	})

	return s, nil
}

func buildDSN(cfg Config) (string, error) {
	switch cfg.Driver {
	case "postgres":
		parts := make([]string, 0, 6)
		add := func(key, value string) {
			if value != "" {
				parts = append(parts, key+"="+pqQuote(value))
			}
		}
		add("dbname", cfg.Name)
		add("user", cfg.User)
		add("password", cfg.Password)
		add("host", cfg.Host)
		add("port", cfg.Port)
		sslMode := cfg.SSLMode
		if sslMode == "" {
			sslMode = "disable"
		}
		parts = append(parts, "sslmode="+sslMode)
		return strings.Join(parts, " "), nil
	case "sqlite3":
		if cfg.Name == "" {
			return "", errors.New("store: sqlite3 driver requires the database file path in db name")
		}
		return cfg.Name, nil
	case "mysql":
		host := cfg.Host
		if host == "" {
			host = "127.0.0.1"
		}
		port := cfg.Port
		if port == "" {
			port = "3306"
		}
		cred := cfg.User
		if cfg.Password != "" {
			cred += ":" + cfg.Password
		}
		if cred != "" {
			cred += "@"
		}
		// parseTime is needed to scan created_at into time.Time.
		return fmt.Sprintf("%stcp(%s)/%s?parseTime=true", cred, net.JoinHostPort(host, port), cfg.Name), nil
	case "":
		return "", errors.New("store: db driver is not set")
	}
	return "", fmt.Errorf("store: unsupported driver: %s", cfg.Driver)
}

// pqQuote wraps a DSN value in single quotes so spaces and quotes in
// credentials survive the key=value format lib/pq parses.
func pqQuote(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	value = strings.ReplaceAll(value, `'`, `\'`)
	return "'" + value + "'"
}

// rewrite converts ? placeholders into the $N form for the postgres driver.
// sqlite3 and mysql take ? as is.
func (s *SQL) rewrite(query string) string {
	if s.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func wrapErr(op, key string, err error) error {
	if err == nil {
		return nil
	}
	return exterrors.WithTemporary(fmt.Errorf("store: %s: %s: %w", op, key, err), true)
}

// InitSchema creates the four tables (and indexes) when they do not exist
// yet. DDL differs per driver in the auto-increment and timestamp spelling.
func (s *SQL) InitSchema(ctx context.Context) error {
	var stmts []string
	sendersDDL := func(table string) string {
		if s.driver == "mysql" {
			return `CREATE TABLE IF NOT EXISTS ` + table + ` (
				sender VARCHAR(255) NOT NULL,
				type CHAR(1) NOT NULL,
				action VARCHAR(32) NOT NULL,
				ref TEXT,
				source TEXT,
				PRIMARY KEY (sender, type)
			)`
		}
		return `CREATE TABLE IF NOT EXISTS ` + table + ` (
			sender TEXT NOT NULL,
			type CHAR(1) NOT NULL,
			action TEXT NOT NULL,
			ref TEXT,
			source TEXT,
			PRIMARY KEY (sender, type)
		)`
	}
	stashDDL := func(table string) []string {
		switch s.driver {
		case "mysql":
			return []string{`CREATE TABLE IF NOT EXISTS ` + table + ` (
				id BIGINT NOT NULL AUTO_INCREMENT,
				sender VARCHAR(255) NOT NULL,
				recipients TEXT NOT NULL,
				message LONGTEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (id),
				KEY ` + table + `_sender (sender)
			)`}
		case "sqlite3":
			return []string{`CREATE TABLE IF NOT EXISTS ` + table + ` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				sender TEXT NOT NULL,
				recipients TEXT NOT NULL,
				message TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`,
				`CREATE INDEX IF NOT EXISTS ` + table + `_sender ON ` + table + ` (sender)`}
		default:
			return []string{`CREATE TABLE IF NOT EXISTS ` + table + ` (
				id SERIAL PRIMARY KEY,
				sender TEXT NOT NULL,
				recipients TEXT NOT NULL,
				message TEXT NOT NULL,
				created_at TIMESTAMP NOT NULL DEFAULT now()
			)`,
				`CREATE INDEX IF NOT EXISTS ` + table + `_sender ON ` + table + ` (sender)`}
		}
	}

	stmts = append(stmts, sendersDDL("senders"), sendersDDL("senders_static"))
	stmts = append(stmts, stashDDL("stash")...)
	stmts = append(stmts, stashDDL("stash_static")...)

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// Ping verifies the database is reachable. Used on startup so configuration
// problems surface before the endpoint starts accepting sessions.
func (s *SQL) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("store: ping: %w", err)
	}
	return nil
}

func (s *SQL) Close() error {
	return s.db.Close()
}

func (s *SQL) GetAction(ctx context.Context, sender string) (Action, []string, error) {
	dynAct, dynRefs, dynOK, err := s.exactRecord(ctx, "senders", sender)
	if err != nil {
		return ActionUnknown, nil, err
	}
	statAct, statRefs, statOK, err := s.exactRecord(ctx, "senders_static", sender)
	if err != nil {
		return ActionUnknown, nil, err
	}

	if !dynOK && !statOK {
		rules, err := s.Patterns(ctx)
		if err != nil {
			return ActionUnknown, nil, err
		}
		for _, rule := range rules {
			if rule.Match(sender) {
				return rule.Action, nil, nil
			}
		}
		return ActionUnknown, nil, nil
	}

	act := statAct
	if dynOK {
		act = dynAct
	}
	refs := mergeRefs(dynRefs, statRefs)

	if act == ActionConfirm && s.ttl > 0 {
		expired, err := s.confirmExpired(ctx, sender)
		if err != nil {
			return ActionUnknown, nil, err
		}
		if expired {
			act = ActionExpired
		}
	}

	return act, refs, nil
}

func (s *SQL) exactRecord(ctx context.Context, table, sender string) (Action, []string, bool, error) {
	var (
		action string
		ref    sql.NullString
	)
	q := s.rewrite("SELECT action, ref FROM " + table + " WHERE sender = ? AND type = ?")
	err := s.db.QueryRowContext(ctx, q, sender, typeExact).Scan(&action, &ref)
	if err == sql.ErrNoRows {
		return ActionUnknown, nil, false, nil
	}
	if err != nil {
		return ActionUnknown, nil, false, wrapErr("lookup "+table, sender, err)
	}
	return actionOrUnknown(action), decodeRefs(ref), true, nil
}

// confirmExpired reports whether the sender's pending challenge outlived the
// TTL. The senders tables carry no timestamp, the age of the oldest stashed
// message is the age of the challenge.
func (s *SQL) confirmExpired(ctx context.Context, sender string) (bool, error) {
	var oldest time.Time
	q := s.rewrite("SELECT created_at FROM stash WHERE sender = ? ORDER BY created_at, id LIMIT 1")
	err := s.db.QueryRowContext(ctx, q, sender).Scan(&oldest)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, wrapErr("stash age", sender, err)
	}
	return time.Since(oldest) > s.ttl, nil
}

func (s *SQL) SetAction(ctx context.Context, sender string, action Action, refs []string) error {
	var q string
	if s.driver == "mysql" {
		q = "INSERT INTO senders (sender, type, action, ref, source) VALUES (?, ?, ?, ?, ?) " +
			"ON DUPLICATE KEY UPDATE action = VALUES(action), ref = VALUES(ref)"
	} else {
		q = s.rewrite("INSERT INTO senders (sender, type, action, ref, source) VALUES (?, ?, ?, ?, ?) " +
			"ON CONFLICT (sender, type) DO UPDATE SET action = excluded.action, ref = excluded.ref")
	}

	_, err := s.db.ExecContext(ctx, q, sender, typeExact, string(action), encodeRefs(refs), defaultSource)
	return wrapErr("set action", sender, err)
}

// DeleteSender removes the dynamic exact record. Missing records are not an
// error.
func (s *SQL) DeleteSender(ctx context.Context, sender string) error {
	q := s.rewrite("DELETE FROM senders WHERE sender = ? AND type = ?")
	_, err := s.db.ExecContext(ctx, q, sender, typeExact)
	return wrapErr("delete", sender, err)
}

func (s *SQL) Patterns(ctx context.Context) ([]PatternRule, error) {
	s.patternsLck.RLock()
	if s.patternsOK {
		rules := s.patterns
		s.patternsLck.RUnlock()
		return rules, nil
	}
	s.patternsLck.RUnlock()

	s.patternsLck.Lock()
	defer s.patternsLck.Unlock()
	if s.patternsOK {
		return s.patterns, nil
	}

	rules, err := s.loadPatterns(ctx)
	if err != nil {
		return nil, err
	}
	s.patterns = rules
	s.patternsOK = true
	return rules, nil
}

func (s *SQL) loadPatterns(ctx context.Context) ([]PatternRule, error) {
	q := s.rewrite("SELECT sender, action FROM senders WHERE type = ? " +
		"UNION SELECT sender, action FROM senders_static WHERE type = ?")
	rows, err := s.db.QueryContext(ctx, q, typePattern, typePattern)
	if err != nil {
		return nil, wrapErr("patterns", "", err)
	}
	defer rows.Close()

	var rules []PatternRule
	for rows.Next() {
		var expr, action string
		if err := rows.Scan(&expr, &action); err != nil {
			return nil, wrapErr("patterns", "", err)
		}
		rule, err := CompileRule(expr, actionOrUnknown(action))
		if err != nil {
			s.log.Error("skipping unparsable pattern", err, "pattern", expr)
			continue
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("patterns", "", err)
	}

	sort.Slice(rules, func(i, j int) bool {
		return rules[i].Expr < rules[j].Expr
	})
	return rules, nil
}

func (s *SQL) invalidatePatterns() {
	s.patternsLck.Lock()
	s.patterns = nil
	s.patternsOK = false
	s.patternsLck.Unlock()
}

func (s *SQL) Stash(ctx context.Context, sender string, recipients []string, message []byte) (int64, error) {
	blob, err := json.Marshal(recipients)
	if err != nil {
		return 0, wrapErr("stash", sender, err)
	}

	if s.driver == "postgres" {
		var id int64
		q := s.rewrite("INSERT INTO stash (sender, recipients, message) VALUES (?, ?, ?) RETURNING id")
		if err := s.db.QueryRowContext(ctx, q, sender, string(blob), string(message)).Scan(&id); err != nil {
			return 0, wrapErr("stash", sender, err)
		}
		return id, nil
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO stash (sender, recipients, message) VALUES (?, ?, ?)",
		sender, string(blob), string(message))
	if err != nil {
		return 0, wrapErr("stash", sender, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, wrapErr("stash", sender, err)
	}
	return id, nil
}

var stashTables = [2]string{"stash", "stash_static"}

func (s *SQL) Unstash(ctx context.Context, sender string, fn func(recipients []string, message []byte) error) error {
	for _, table := range stashTables {
		entries, err := s.stashEntries(ctx, table, sender)
		if err != nil {
			return err
		}
		for _, ent := range entries {
			if err := fn(ent.recipients, ent.message); err != nil {
				return err
			}
			// Deleted only once the consumer took the entry. An abort above
			// leaves this and all following rows stashed for the next try.
			q := s.rewrite("DELETE FROM " + table + " WHERE id = ?")
			if _, err := s.db.ExecContext(ctx, q, ent.id); err != nil {
				return wrapErr("unstash delete "+table, sender, err)
			}
		}
	}
	return nil
}

type stashRow struct {
	id         int64
	recipients []string
	message    []byte
}

// stashEntries snapshots the sender's rows in FIFO order. The result is
// materialized before any hand-off happens so no read cursor is kept open
// across relay calls or the per-entry deletes.
func (s *SQL) stashEntries(ctx context.Context, table, sender string) ([]stashRow, error) {
	q := s.rewrite("SELECT id, recipients, message FROM " + table + " WHERE sender = ? ORDER BY created_at, id")
	rows, err := s.db.QueryContext(ctx, q, sender)
	if err != nil {
		return nil, wrapErr("unstash "+table, sender, err)
	}
	defer rows.Close()

	var entries []stashRow
	for rows.Next() {
		var (
			id        int64
			rcptsJSON string
			message   string
		)
		if err := rows.Scan(&id, &rcptsJSON, &message); err != nil {
			return nil, wrapErr("unstash "+table, sender, err)
		}
		var rcpts []string
		if err := json.Unmarshal([]byte(rcptsJSON), &rcpts); err != nil {
			return nil, wrapErr("unstash recipients "+table, sender, err)
		}
		entries = append(entries, stashRow{id: id, recipients: rcpts, message: []byte(message)})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapErr("unstash "+table, sender, err)
	}
	return entries, nil
}

func (s *SQL) StashCount(ctx context.Context, sender string) (int, error) {
	total := 0
	for _, table := range stashTables {
		var count int
		q := s.rewrite("SELECT COUNT(*) FROM " + table + " WHERE sender = ?")
		if err := s.db.QueryRowContext(ctx, q, sender).Scan(&count); err != nil {
			return 0, wrapErr("stash count "+table, sender, err)
		}
		total += count
	}
	return total, nil
}
