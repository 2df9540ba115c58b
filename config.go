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
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/ietf-svn-conversion/postconfirm/framework/config"
	"github.com/ietf-svn-conversion/postconfirm/framework/log"
	"github.com/ietf-svn-conversion/postconfirm/internal/dropfilter"
	"github.com/ietf-svn-conversion/postconfirm/internal/limits"
	"github.com/ietf-svn-conversion/postconfirm/internal/store"
)

// StaticList is one list file feeding the static senders overlay on
// 'static import'. Address lists produce exact records, regex lists
// produce pattern records.
type StaticList struct {
	Path    string
	Action  store.Action
	Pattern bool
}

// Auth is the optional SASL credentials block for the outbound relay.
type Auth struct {
	Username string
	Password string
}

// Config is the parsed top-level configuration file.
type Config struct {
	// Endpoints the milter server listens on, unparsed. Resolved against
	// the runtime directory after InitDirs, hence kept as strings here.
	Listen []string

	// Endpoints for the OpenMetrics HTTP listener. Empty means the
	// listener is not started.
	OpenMetrics []string

	Hostname string

	DB store.Config

	SMTPHost string
	SMTPPort uint

	// RemailSender is the envelope sender of emitted challenges. The
	// empty default means the null reverse-path so challenge bounces do
	// not get challenged themselves.
	RemailSender string

	Auth Auth

	AdminAddress string
	MailTemplate string

	ConfirmTTL time.Duration

	BulkRegex          string
	AutoSubmittedRegex string

	// ChallengeRcpts limits confirmation to recipients matching any of
	// these patterns. Empty means every recipient is protected.
	ChallengeRcpts []string

	StaticLists []StaticList

	Limits *limits.Group
}

// ReadConfig parses and validates the configuration file at path.
//
// Note that the log, debug, state_dir and runtime_dir directives are
// applied to process-wide state as a side effect, the way the server
// expects them. Call InitDirs afterwards to make the directories usable.
func ReadConfig(path string) (*Config, error) {
	nodes, err := config.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(nodes)
}

func parseConfig(nodes []config.Node) (*Config, error) {
	cfg := Config{}

	var ttlSeconds int64

	m := config.NewMap(nil, config.Node{Children: nodes})
	m.String("state_dir", false, false, DefaultStateDirectory, &config.StateDirectory)
	m.String("runtime_dir", false, false, DefaultRuntimeDirectory, &config.RuntimeDirectory)
	m.Custom("log", false, false, defaultLogOutput, logOutput, &log.DefaultLogger.Out)
	m.Bool("debug", false, log.DefaultLogger.Debug, &log.DefaultLogger.Debug)
	m.String("hostname", false, false, "", &cfg.Hostname)
	m.Custom("db", false, true, nil, databaseDirective, &cfg.DB)
	m.String("smtp_host", false, false, "localhost", &cfg.SMTPHost)
	m.UInt("smtp_port", false, false, 25, &cfg.SMTPPort)
	m.String("remail_sender", false, false, "", &cfg.RemailSender)
	m.Custom("auth", false, false, func() (interface{}, error) {
		return Auth{}, nil
	}, authDirective, &cfg.Auth)
	m.String("admin_address", false, true, "", &cfg.AdminAddress)
	m.String("mail_template", false, true, "", &cfg.MailTemplate)
	m.Int64("confirm_ttl_seconds", false, false, 0, &ttlSeconds)
	m.String("bulk_regex", false, false, dropfilter.DefaultBulkPattern, &cfg.BulkRegex)
	m.String("auto_submitted_regex", false, false, dropfilter.DefaultAutoSubmittedPattern, &cfg.AutoSubmittedRegex)
	m.Custom("limits", false, false, func() (interface{}, error) {
		return &limits.Group{}, nil
	}, limitsDirective, &cfg.Limits)

	m.Callback("listen", endpointList(&cfg.Listen))
	m.Callback("openmetrics", endpointList(&cfg.OpenMetrics))

	m.Callback("challenge_rcpt", func(_ *config.Map, node config.Node) error {
		if len(node.Args) != 1 {
			return config.NodeErr(node, "expected exactly one argument")
		}
		if _, err := regexp.Compile(node.Args[0]); err != nil {
			return config.NodeErr(node, "invalid pattern: %v", err)
		}
		cfg.ChallengeRcpts = append(cfg.ChallengeRcpts, node.Args[0])
		return nil
	})

	// List files the static overlay is built from, same set of directives
	// the file-based implementation used. Later files override earlier
	// ones for the same sender.
	staticList := func(action store.Action, pattern bool) func(*config.Map, config.Node) error {
		return func(_ *config.Map, node config.Node) error {
			if len(node.Args) == 0 {
				return config.NodeErr(node, "expected at least 1 argument")
			}
			for _, path := range node.Args {
				cfg.StaticLists = append(cfg.StaticLists, StaticList{
					Path:    path,
					Action:  action,
					Pattern: pattern,
				})
			}
			return nil
		}
	}
	m.Callback("confirmlist", staticList(store.ActionAccept, false))
	m.Callback("allowlists", staticList(store.ActionAccept, false))
	m.Callback("whitelists", staticList(store.ActionAccept, false))
	m.Callback("rejectlists", staticList(store.ActionReject, false))
	m.Callback("blacklists", staticList(store.ActionReject, false))
	m.Callback("allowregex", staticList(store.ActionAccept, true))
	m.Callback("whiteregex", staticList(store.ActionAccept, true))
	m.Callback("rejectregex", staticList(store.ActionReject, true))
	m.Callback("blackregex", staticList(store.ActionReject, true))

	if _, err := m.Process(); err != nil {
		return nil, err
	}

	if ttlSeconds < 0 {
		return nil, errors.New("config: confirm_ttl_seconds cannot be negative")
	}
	cfg.ConfirmTTL = time.Duration(ttlSeconds) * time.Second

	if len(cfg.Listen) == 0 {
		cfg.Listen = []string{"tcp://127.0.0.1:1999"}
	}

	return &cfg, nil
}

func endpointList(out *[]string) func(*config.Map, config.Node) error {
	return func(_ *config.Map, node config.Node) error {
		if len(node.Args) == 0 {
			return config.NodeErr(node, "expected at least 1 argument")
		}
		if len(node.Children) != 0 {
			return config.NodeErr(node, "can't declare block here")
		}
		*out = append(*out, node.Args...)
		return nil
	}
}

func databaseDirective(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) != 0 {
		return nil, config.NodeErr(node, "unexpected arguments")
	}

	var dbCfg store.Config
	block := config.NewMap(m.Globals, node)
	block.Enum("driver", false, true, []string{"postgres", "sqlite3", "mysql"}, "", &dbCfg.Driver)
	block.String("name", false, true, "", &dbCfg.Name)
	block.String("user", false, false, "", &dbCfg.User)
	block.String("password", false, false, "", &dbCfg.Password)
	block.String("host", false, false, "", &dbCfg.Host)
	block.String("port", false, false, "", &dbCfg.Port)
	block.String("sslmode", false, false, "", &dbCfg.SSLMode)
	if _, err := block.Process(); err != nil {
		return nil, err
	}

	return dbCfg, nil
}

func limitsDirective(_ *config.Map, node config.Node) (interface{}, error) {
	return limits.FromNode(node)
}

func authDirective(_ *config.Map, node config.Node) (interface{}, error) {
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare block here")
	}
	if len(node.Args) != 3 || node.Args[0] != "plain" {
		return nil, config.NodeErr(node, "expected 'plain <username> <password>'")
	}
	return Auth{Username: node.Args[1], Password: node.Args[2]}, nil
}

// LogOutputOption is a helper function for the log config directive and the
// --log command line flag.
func LogOutputOption(args []string) (log.Output, error) {
	outs := make([]log.Output, 0, len(args))
	for _, arg := range args {
		switch arg {
		case "stderr":
			outs = append(outs, log.WriterOutput(os.Stderr, false))
		case "stderr_ts":
			outs = append(outs, log.WriterOutput(os.Stderr, true))
		case "syslog":
			syslogOut, err := log.SyslogOutput()
			if err != nil {
				return nil, fmt.Errorf("failed to connect to syslog daemon: %v", err)
			}
			outs = append(outs, syslogOut)
		case "off":
			if len(args) != 1 {
				return nil, errors.New("'off' can't be combined with other log targets")
			}
			return log.NopOutput{}, nil
		default:
			w, err := os.OpenFile(arg, os.O_RDWR|os.O_CREATE|os.O_APPEND, os.ModePerm)
			if err != nil {
				return nil, fmt.Errorf("failed to create log file: %v", err)
			}
			outs = append(outs, log.WriteCloserOutput(w, true))
		}
	}

	if len(outs) == 1 {
		return outs[0], nil
	}
	return log.MultiOutput(outs...), nil
}

func logOutput(m *config.Map, node config.Node) (interface{}, error) {
	if len(node.Args) == 0 {
		return nil, config.NodeErr(node, "expected at least 1 argument")
	}
	if len(node.Children) != 0 {
		return nil, config.NodeErr(node, "can't declare block here")
	}

	return LogOutputOption(node.Args)
}

func defaultLogOutput() (interface{}, error) {
	return log.WriterOutput(os.Stderr, false), nil
}

// OpenStore connects to the configured database, creates missing schema
// objects and verifies the connection. Shared by the server and the
// management subcommands.
func (cfg *Config) OpenStore(ctx context.Context) (*store.SQL, error) {
	dbCfg := cfg.DB
	dbCfg.ConfirmTTL = cfg.ConfirmTTL
	dbCfg.Log = log.Logger{Name: "store", Debug: log.DefaultLogger.Debug}

	s, err := store.New(dbCfg)
	if err != nil {
		return nil, err
	}
	if err := s.Ping(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.InitSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}
