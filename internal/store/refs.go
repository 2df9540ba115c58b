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
	"database/sql"
	"encoding/json"
	"sort"
)

// decodeRefs parses the ref column. The canonical encoding is a JSON array
// of strings; old deployments stored a single bare reference, so anything
// that does not parse as JSON is taken verbatim as a one-element set.
func decodeRefs(raw sql.NullString) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}

	var refs []string
	if err := json.Unmarshal([]byte(raw.String), &refs); err != nil {
		return []string{raw.String}
	}
	if len(refs) == 0 {
		return nil
	}
	return refs
}

// encodeRefs serializes the reference set for the ref column. Empty sets are
// stored as SQL NULL.
func encodeRefs(refs []string) sql.NullString {
	if len(refs) == 0 {
		return sql.NullString{}
	}

	blob, err := json.Marshal(refs)
	if err != nil {
		// []string marshaling cannot fail.
		panic(err)
	}
	return sql.NullString{String: string(blob), Valid: true}
}

// mergeRefs unions two reference sets, returning the result sorted in
// ascending order. nil is returned for an empty union.
func mergeRefs(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(a)+len(b))
	merged := make([]string, 0, len(a)+len(b))
	for _, set := range [2][]string{a, b} {
		for _, ref := range set {
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			merged = append(merged, ref)
		}
	}
	sort.Strings(merged)
	return merged
}
