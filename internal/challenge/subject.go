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

// Package challenge formats, sends and recognizes confirmation requests.
package challenge

import (
	"regexp"
	"strings"
	"unicode"
)

// The leading space survives clients that fold or reflow the subject when
// replying.
const subjectPrefix = " Confirm: ::"

var responseRe = regexp.MustCompile(`(?i)^Confirm: ::([a-f0-9]+)`)

// FormatSubject returns the subject line of a challenge carrying ref.
func FormatSubject(ref string) string {
	return subjectPrefix + ref
}

// ExtractRef pulls the confirmation reference out of a subject line.
// The subject is recognized when, after leading whitespace, it starts
// with the challenge marker. ok is false for anything else, including a
// marker with no hex reference behind it.
func ExtractRef(subject string) (string, bool) {
	m := responseRe.FindStringSubmatch(strings.TrimLeftFunc(subject, unicode.IsSpace))
	if m == nil {
		return "", false
	}
	// The marker matches case-insensitively, so hex digits are folded
	// too. Issued references are always lowercase.
	return strings.ToLower(m[1]), true
}

// IsResponse reports whether subject is a challenge response.
func IsResponse(subject string) bool {
	_, ok := ExtractRef(subject)
	return ok
}
