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

// Package store implements the persistent sender-action mapping and the
// message stash on top of an SQL database.
//
// Two tables hold sender records: the dynamic 'senders' table written at
// runtime and the read-only 'senders_static' overlay managed by the operator.
// Exact records from both tables are merged on lookup (dynamic action wins,
// reference sets are unioned). Pattern records (type 'P') are consulted only
// when no exact record exists.
package store

import (
	"context"
	"fmt"
	"regexp"
)

// Action is the per-sender verdict stored in the senders tables.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionReject  Action = "reject"
	ActionDiscard Action = "discard"
	ActionConfirm Action = "confirm"

	// ActionUnknown is returned when no record and no pattern matches. It is
	// never stored.
	ActionUnknown Action = "unknown"

	// ActionExpired is a read-time variant of ActionConfirm for records whose
	// oldest stashed message is older than the configured TTL. It is never
	// stored.
	ActionExpired Action = "expired"
)

// ParseAction converts the string form used in configuration, CLI arguments
// and list files into an Action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionAccept, ActionReject, ActionDiscard, ActionConfirm, ActionUnknown, ActionExpired:
		return Action(s), nil
	}
	return "", fmt.Errorf("invalid action: %s", s)
}

// actionOrUnknown maps the raw column value to an Action, falling back to
// ActionUnknown for values this version does not know about.
func actionOrUnknown(s string) Action {
	act, err := ParseAction(s)
	if err != nil {
		return ActionUnknown
	}
	return act
}

// Record types used in the senders tables.
const (
	typeExact   = "E"
	typePattern = "P"
)

// PatternRule is a compiled pattern record. The expression is matched against
// the whole sender address, case-insensitively.
type PatternRule struct {
	Expr   string
	Action Action

	re *regexp.Regexp
}

// CompileRule compiles expr the way pattern records are evaluated: the match
// is anchored on both sides and case folding is applied.
func CompileRule(expr string, action Action) (PatternRule, error) {
	re, err := regexp.Compile(`(?i)^(?:` + expr + `)$`)
	if err != nil {
		return PatternRule{}, err
	}
	return PatternRule{Expr: expr, Action: action, re: re}, nil
}

func (r PatternRule) Match(sender string) bool {
	return r.re != nil && r.re.MatchString(sender)
}

// SenderRecord is one row of a senders table, as seen by operator tooling.
type SenderRecord struct {
	Sender  string
	Pattern bool
	Action  Action
	Refs    []string
	Source  string
}

// Store is the part of the SQL store the decision pipeline consumes.
//
// All sender arguments are expected to be in the canonical lookup form
// produced by address.ForLookup.
type Store interface {
	// GetAction performs the two-layer merged lookup for an exact sender
	// record, falling back to pattern records. Absent records yield
	// (ActionUnknown, nil, nil).
	GetAction(ctx context.Context, sender string) (Action, []string, error)

	// SetAction upserts the dynamic exact record for the sender, overwriting
	// both the action and the reference set.
	SetAction(ctx context.Context, sender string, action Action, refs []string) error

	// Patterns returns all pattern rules from both tables, compiled, sorted
	// by expression.
	Patterns(ctx context.Context) ([]PatternRule, error)

	// Stash appends a message to the dynamic stash and returns the row id.
	Stash(ctx context.Context, sender string, recipients []string, message []byte) (int64, error)

	// Unstash yields all stashed messages for the sender, dynamic entries
	// first, in FIFO order. Each entry is deleted after fn returns nil for
	// it; an fn error stops the iteration with the current and all following
	// entries left in place.
	Unstash(ctx context.Context, sender string, fn func(recipients []string, message []byte) error) error

	// StashCount reports the number of stashed messages for the sender in
	// both stash tables.
	StashCount(ctx context.Context, sender string) (int, error)
}
