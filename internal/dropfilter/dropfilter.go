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

// Package dropfilter decides whether a message is an auto-generated
// reply or bulk posting that must never receive a challenge. Sending
// challenges to mailing lists or autoresponders creates mail loops.
package dropfilter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// Default expressions, overridable via bulk_regex and
// auto_submitted_regex.
const (
	DefaultBulkPattern          = `(junk|list|bulk|auto_reply)`
	DefaultAutoSubmittedPattern = `^auto-`
)

type rule struct {
	field string
	re    *regexp.Regexp
}

// Filter holds the compiled drop predicates. A message is dropped when
// any predicate matches any instance of its header field.
type Filter struct {
	rules []rule
}

// New compiles the drop predicates. bulkExpr is searched anywhere in the
// Precedence value; autoSubmittedExpr brings its own anchoring and is
// applied to Auto-Submitted. Both match case-insensitively.
func New(bulkExpr, autoSubmittedExpr string) (*Filter, error) {
	f := &Filter{}
	for _, p := range []struct{ field, expr string }{
		{"Precedence", bulkExpr},
		{"Auto-Submitted", autoSubmittedExpr},
	} {
		re, err := regexp.Compile("(?i)" + p.expr)
		if err != nil {
			return nil, fmt.Errorf("dropfilter: %s: %w", p.field, err)
		}
		f.rules = append(f.rules, rule{field: p.field, re: re})
	}
	return f, nil
}

// Drop reports whether the message carrying hdr should be silently
// discarded. Header names are matched case-insensitively; values are
// trimmed before matching.
func (f *Filter) Drop(hdr textproto.Header) bool {
	for _, r := range f.rules {
		fields := hdr.FieldsByKey(r.field)
		for fields.Next() {
			if r.re.MatchString(strings.TrimSpace(fields.Value())) {
				return true
			}
		}
	}
	return false
}
