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

// Package sender wraps a single envelope sender together with its record
// in the action store.
package sender

import (
	"context"
	"crypto/rand"
	"encoding/hex"

	"github.com/ietf-svn-conversion/postconfirm/framework/address"
	"github.com/ietf-svn-conversion/postconfirm/internal/store"
)

// Sender is one envelope sender as seen by the filter. The (action, refs)
// pair is loaded from the store once and memoized, the object is meant to
// live for a single message.
type Sender struct {
	email string
	key   string
	store store.Store

	loaded bool
	action store.Action
	refs   []string
}

// New creates a Sender for the given address. email should already be
// stripped down to the bare mailbox@domain form (address.Strip); the
// store key is its case-folded form.
func New(st store.Store, email string) *Sender {
	// ForLookup degrades to plain lowercasing for addresses it cannot
	// fold, matching how records are written.
	key, _ := address.ForLookup(email)
	return &Sender{email: email, key: key, store: st}
}

// Email returns the address as it arrived, suitable for display and for
// the reverse-path when stashed mail is released.
func (s *Sender) Email() string { return s.email }

func (s *Sender) load(ctx context.Context) error {
	if s.loaded {
		return nil
	}
	act, refs, err := s.store.GetAction(ctx, s.key)
	if err != nil {
		return err
	}
	s.action, s.refs, s.loaded = act, refs, true
	return nil
}

// Action returns the effective action for the sender.
func (s *Sender) Action(ctx context.Context) (store.Action, error) {
	if err := s.load(ctx); err != nil {
		return store.ActionUnknown, err
	}
	return s.action, nil
}

// Refs returns the outstanding confirmation references, if any.
func (s *Sender) Refs(ctx context.Context) ([]string, error) {
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s.refs, nil
}

// ValidateRef reports whether candidate is one of the confirmation
// references issued to this sender.
func (s *Sender) ValidateRef(ctx context.Context, candidate string) bool {
	if err := s.load(ctx); err != nil {
		return false
	}
	for _, ref := range s.refs {
		if ref == candidate {
			return true
		}
	}
	return false
}

// StashMessage stores the message for later release and moves the sender
// into the confirm state with a freshly issued reference. A sender
// already waiting for confirmation keeps its earlier references next to
// the new one; an expired sender starts over with just the fresh one.
func (s *Sender) StashMessage(ctx context.Context, message []byte, recipients []string) (string, error) {
	act, err := s.Action(ctx)
	if err != nil {
		return "", err
	}

	if _, err := s.store.Stash(ctx, s.key, recipients, message); err != nil {
		return "", err
	}

	ref, err := newRef()
	if err != nil {
		return "", err
	}

	var refs []string
	if act == store.ActionConfirm {
		refs = append(append([]string(nil), s.refs...), ref)
	} else {
		refs = []string{ref}
	}
	if err := s.store.SetAction(ctx, s.key, store.ActionConfirm, refs); err != nil {
		return "", err
	}
	s.action, s.refs = store.ActionConfirm, refs
	return ref, nil
}

// Unstash hands every stashed message for this sender to fn in arrival
// order and, once all of them are gone, marks the sender accepted.
func (s *Sender) Unstash(ctx context.Context, fn func(recipients []string, message []byte) error) error {
	if err := s.store.Unstash(ctx, s.key, fn); err != nil {
		return err
	}
	if err := s.store.SetAction(ctx, s.key, store.ActionAccept, nil); err != nil {
		return err
	}
	s.action, s.refs, s.loaded = store.ActionAccept, nil, true
	return nil
}

func newRef() (string, error) {
	raw := make([]byte, 16)
	_, err := rand.Read(raw)
	return hex.EncodeToString(raw), err
}
