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

package testutils

import (
	"context"

	"github.com/ietf-svn-conversion/postconfirm/internal/store"
)

// StashedMsg is one message held by the test store.
type StashedMsg struct {
	Sender     string
	Recipients []string
	Message    []byte
}

// Store is an in-memory store.Store. Fields may be populated directly
// to set up fixtures and inspected afterwards.
type Store struct {
	Actions map[string]store.Action
	Refs    map[string][]string
	Rules   []store.PatternRule

	// All stashed messages in arrival order, across senders.
	Stashed []StashedMsg

	// Fail, when set, is returned by every operation.
	Fail error
}

func NewStore() *Store {
	return &Store{
		Actions: map[string]store.Action{},
		Refs:    map[string][]string{},
	}
}

func (s *Store) GetAction(_ context.Context, sender string) (store.Action, []string, error) {
	if s.Fail != nil {
		return store.ActionUnknown, nil, s.Fail
	}
	act, ok := s.Actions[sender]
	if !ok {
		for _, r := range s.Rules {
			if r.Match(sender) {
				return r.Action, nil, nil
			}
		}
		return store.ActionUnknown, nil, nil
	}
	return act, s.Refs[sender], nil
}

func (s *Store) SetAction(_ context.Context, sender string, action store.Action, refs []string) error {
	if s.Fail != nil {
		return s.Fail
	}
	s.Actions[sender] = action
	if len(refs) == 0 {
		delete(s.Refs, sender)
	} else {
		s.Refs[sender] = refs
	}
	return nil
}

func (s *Store) Patterns(_ context.Context) ([]store.PatternRule, error) {
	if s.Fail != nil {
		return nil, s.Fail
	}
	return s.Rules, nil
}

func (s *Store) Stash(_ context.Context, sender string, recipients []string, message []byte) (int64, error) {
	if s.Fail != nil {
		return 0, s.Fail
	}
	s.Stashed = append(s.Stashed, StashedMsg{
		Sender:     sender,
		Recipients: recipients,
		Message:    message,
	})
	return int64(len(s.Stashed)), nil
}

func (s *Store) Unstash(_ context.Context, sender string, fn func(recipients []string, message []byte) error) error {
	if s.Fail != nil {
		return s.Fail
	}

	kept := make([]StashedMsg, 0, len(s.Stashed))
	var consumeErr error
	for _, m := range s.Stashed {
		if consumeErr != nil || m.Sender != sender {
			kept = append(kept, m)
			continue
		}
		if err := fn(m.Recipients, m.Message); err != nil {
			// The failed entry and everything after it stay stashed,
			// same as the SQL store.
			consumeErr = err
			kept = append(kept, m)
		}
	}
	s.Stashed = kept
	return consumeErr
}

func (s *Store) StashCount(_ context.Context, sender string) (int, error) {
	if s.Fail != nil {
		return 0, s.Fail
	}
	count := 0
	for _, m := range s.Stashed {
		if m.Sender == sender {
			count++
		}
	}
	return count, nil
}
