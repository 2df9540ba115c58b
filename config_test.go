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

package postconfirm

import (
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ietf-svn-conversion/postconfirm/framework/config"
	"github.com/ietf-svn-conversion/postconfirm/framework/log"
	"github.com/ietf-svn-conversion/postconfirm/internal/dropfilter"
	"github.com/ietf-svn-conversion/postconfirm/internal/store"
)

func parseConfigText(t *testing.T, text string) (*Config, error) {
	t.Helper()

	// The log and debug directives write into DefaultLogger.
	defer func(out log.Output, debug bool) {
		log.DefaultLogger.Out = out
		log.DefaultLogger.Debug = debug
	}(log.DefaultLogger.Out, log.DefaultLogger.Debug)

	nodes, err := config.Read(strings.NewReader(text), "test")
	if err != nil {
		t.Fatalf("Unexpected parse failure: %v", err)
	}
	return parseConfig(nodes)
}

const minimalConfig = `db {
	driver sqlite3
	name postconfirm.db
}
admin_address postmaster@example.org
mail_template /etc/postconfirm/confirm.email.mustache
`

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := parseConfigText(t, minimalConfig)
	if err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}

	if !reflect.DeepEqual(cfg.Listen, []string{"tcp://127.0.0.1:1999"}) {
		t.Errorf("Wrong default listen endpoints: %v", cfg.Listen)
	}
	if len(cfg.OpenMetrics) != 0 {
		t.Errorf("OpenMetrics should be disabled by default, got %v", cfg.OpenMetrics)
	}
	if cfg.SMTPHost != "localhost" || cfg.SMTPPort != 25 {
		t.Errorf("Wrong relay defaults: %s:%d", cfg.SMTPHost, cfg.SMTPPort)
	}
	if cfg.RemailSender != "" {
		t.Errorf("remail_sender should default to the null path, got %q", cfg.RemailSender)
	}
	if cfg.ConfirmTTL != 0 {
		t.Errorf("confirm_ttl_seconds should default to 0, got %v", cfg.ConfirmTTL)
	}
	if cfg.BulkRegex != dropfilter.DefaultBulkPattern {
		t.Errorf("Wrong default bulk_regex: %q", cfg.BulkRegex)
	}
	if cfg.AutoSubmittedRegex != dropfilter.DefaultAutoSubmittedPattern {
		t.Errorf("Wrong default auto_submitted_regex: %q", cfg.AutoSubmittedRegex)
	}
	if cfg.DB.Driver != "sqlite3" || cfg.DB.Name != "postconfirm.db" {
		t.Errorf("Wrong db block: %+v", cfg.DB)
	}
	if len(cfg.ChallengeRcpts) != 0 {
		t.Errorf("challenge_rcpt should default to empty, got %v", cfg.ChallengeRcpts)
	}
	if cfg.Auth != (Auth{}) {
		t.Errorf("auth should default to empty, got %+v", cfg.Auth)
	}
	if cfg.Limits == nil {
		t.Error("limits should default to an empty group")
	}
}

func TestParseConfigFull(t *testing.T) {
	cfg, err := parseConfigText(t, `
listen tcp://0.0.0.0:1999 unix://milter.sock
listen tcp://127.0.0.1:2000
openmetrics tcp://127.0.0.1:9749

hostname mx.example.org

db {
	driver postgres
	name postconfirm
	user pc
	password hunter2
	host db.example.org
	port 5432
}

smtp_host mta.example.org
smtp_port 2525
remail_sender bounces@example.org
auth plain relayuser relaypass

admin_address postmaster@example.org
mail_template /etc/postconfirm/confirm.email.mustache
confirm_ttl_seconds 86400

bulk_regex (bulk|junk)
auto_submitted_regex ^auto-

limits {
	all rate 20 1s
	all concurrency 16
	sender rate 10 1m
	stash concurrency 4
}

challenge_rcpt .*@lists\.example\.org
challenge_rcpt announce@example\.org

confirmlist /etc/postconfirm/confirmlist
allowlists /etc/postconfirm/allow1 /etc/postconfirm/allow2
blacklists /etc/postconfirm/deny
blackregex /etc/postconfirm/denyre
`)
	if err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}

	wantListen := []string{"tcp://0.0.0.0:1999", "unix://milter.sock", "tcp://127.0.0.1:2000"}
	if !reflect.DeepEqual(cfg.Listen, wantListen) {
		t.Errorf("Wrong listen endpoints: %v", cfg.Listen)
	}
	if !reflect.DeepEqual(cfg.OpenMetrics, []string{"tcp://127.0.0.1:9749"}) {
		t.Errorf("Wrong openmetrics endpoints: %v", cfg.OpenMetrics)
	}
	if cfg.Hostname != "mx.example.org" {
		t.Errorf("Wrong hostname: %q", cfg.Hostname)
	}

	wantDB := store.Config{
		Driver:   "postgres",
		Name:     "postconfirm",
		User:     "pc",
		Password: "hunter2",
		Host:     "db.example.org",
		Port:     "5432",
	}
	if !reflect.DeepEqual(cfg.DB, wantDB) {
		t.Errorf("Wrong db block: %+v", cfg.DB)
	}

	if cfg.SMTPHost != "mta.example.org" || cfg.SMTPPort != 2525 {
		t.Errorf("Wrong relay endpoint: %s:%d", cfg.SMTPHost, cfg.SMTPPort)
	}
	if cfg.RemailSender != "bounces@example.org" {
		t.Errorf("Wrong remail_sender: %q", cfg.RemailSender)
	}
	if cfg.Auth != (Auth{Username: "relayuser", Password: "relaypass"}) {
		t.Errorf("Wrong auth: %+v", cfg.Auth)
	}
	if cfg.ConfirmTTL != 24*time.Hour {
		t.Errorf("Wrong confirm TTL: %v", cfg.ConfirmTTL)
	}

	wantRcpts := []string{`.*@lists\.example\.org`, `announce@example\.org`}
	if !reflect.DeepEqual(cfg.ChallengeRcpts, wantRcpts) {
		t.Errorf("Wrong challenge_rcpt patterns: %v", cfg.ChallengeRcpts)
	}

	if cfg.Limits == nil {
		t.Error("limits block was not parsed")
	}

	wantLists := []StaticList{
		{Path: "/etc/postconfirm/confirmlist", Action: store.ActionAccept},
		{Path: "/etc/postconfirm/allow1", Action: store.ActionAccept},
		{Path: "/etc/postconfirm/allow2", Action: store.ActionAccept},
		{Path: "/etc/postconfirm/deny", Action: store.ActionReject},
		{Path: "/etc/postconfirm/denyre", Action: store.ActionReject, Pattern: true},
	}
	if !reflect.DeepEqual(cfg.StaticLists, wantLists) {
		t.Errorf("Wrong static lists: %+v", cfg.StaticLists)
	}
}

func TestParseConfigErrors(t *testing.T) {
	check := func(name, text string) {
		t.Helper()
		if _, err := parseConfigText(t, text); err == nil {
			t.Errorf("%s: expected failure", name)
		} else {
			t.Logf("%s: %v", name, err)
		}
	}

	check("missing db", `
admin_address postmaster@example.org
mail_template /etc/postconfirm/confirm.email.mustache
`)
	check("missing admin_address", `
db {
	driver sqlite3
	name postconfirm.db
}
mail_template /etc/postconfirm/confirm.email.mustache
`)
	check("missing db driver", `
db {
	name postconfirm
}
admin_address postmaster@example.org
mail_template /etc/postconfirm/confirm.email.mustache
`)
	check("unknown db driver", `
db {
	driver oracle
	name postconfirm
}
admin_address postmaster@example.org
mail_template /etc/postconfirm/confirm.email.mustache
`)
	check("bad challenge_rcpt pattern", minimalConfig+`challenge_rcpt [invalid
`)
	check("negative ttl", minimalConfig+`confirm_ttl_seconds -5
`)
	check("bad auth form", minimalConfig+`auth login relayuser relaypass
`)
	check("bad limits scope", minimalConfig+`limits {
	bogus rate 1
}
`)
	check("unknown directive", minimalConfig+`no_such_directive yes
`)
	check("listen without arguments", minimalConfig+`listen
`)
}

func TestLogOutputOption(t *testing.T) {
	out, err := LogOutputOption([]string{"off"})
	if err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}
	if _, ok := out.(log.NopOutput); !ok {
		t.Errorf("'off' should map to NopOutput, got %T", out)
	}

	if _, err := LogOutputOption([]string{"off", "stderr"}); err == nil {
		t.Error("'off' combined with other targets should be refused")
	}

	out, err = LogOutputOption([]string{"stderr"})
	if err != nil {
		t.Fatalf("Unexpected failure: %v", err)
	}
	if out == nil {
		t.Error("nil output for stderr target")
	}
}
