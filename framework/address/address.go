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

// Package address provides utilities for working with email addresses as
// they appear in the SMTP envelope and in message headers.
package address

import (
	"regexp"
	"strings"
)

var angleAddr = regexp.MustCompile(`^(.*<)?([^>]*)(>.*)?$`)

// Strip reduces an RFC 5321/5322 address form to the bare mailbox.
//
// Surrounding whitespace is removed and, if the string contains an
// angle-bracketed part ("Display Name <box@example.org>", "<box@example.org>"),
// only the content of the brackets is returned. Anything else is returned
// as-is after trimming. Case is preserved; use ForLookup for comparisons.
func Strip(s string) string {
	s = strings.TrimSpace(s)

	groups := angleAddr.FindStringSubmatch(s)
	if groups == nil {
		return s
	}
	return groups[2]
}
