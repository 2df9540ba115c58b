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

package engine

import (
	"fmt"
	"regexp"
)

// RcptPolicy selects the envelope recipients that are protected by
// confirmation. A message whose recipients all fall outside the policy
// passes through untouched.
type RcptPolicy interface {
	ChallengeRcpts(rcpts []string) []string
}

// AllRecipients protects every recipient.
type AllRecipients struct{}

func (AllRecipients) ChallengeRcpts(rcpts []string) []string { return rcpts }

// RegexpPolicy protects the recipients matching any of the configured
// challenge_rcpt patterns. Like pattern records in the store, the match
// is anchored on both sides and case folding is applied.
type RegexpPolicy struct {
	exprs []*regexp.Regexp
}

func NewRegexpPolicy(patterns []string) (*RegexpPolicy, error) {
	p := &RegexpPolicy{}
	for _, pat := range patterns {
		re, err := regexp.Compile(`(?i)^(?:` + pat + `)$`)
		if err != nil {
			return nil, fmt.Errorf("challenge_rcpt: %s: %w", pat, err)
		}
		p.exprs = append(p.exprs, re)
	}
	return p, nil
}

func (p *RegexpPolicy) ChallengeRcpts(rcpts []string) []string {
	var matched []string
	for _, rcpt := range rcpts {
		for _, re := range p.exprs {
			if re.MatchString(rcpt) {
				matched = append(matched, rcpt)
				break
			}
		}
	}
	return matched
}
