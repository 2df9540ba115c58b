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

// Package engine decides the fate of each message seen by the filter:
// let it pass, reject it, or hold it until the sender confirms.
package engine

import (
	"bytes"
	"context"
	"io"
	"strings"
	"unicode"

	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"
	"github.com/ietf-svn-conversion/postconfirm/framework/log"
	"github.com/ietf-svn-conversion/postconfirm/internal/challenge"
	"github.com/ietf-svn-conversion/postconfirm/internal/dropfilter"
	"github.com/ietf-svn-conversion/postconfirm/internal/sender"
	"github.com/ietf-svn-conversion/postconfirm/internal/store"
)

// Verdict is what the MTA is told to do with the message.
type Verdict int

const (
	VerdictAccept Verdict = iota
	VerdictReject
	VerdictDiscard
)

func (v Verdict) String() string {
	switch v {
	case VerdictAccept:
		return "accept"
	case VerdictReject:
		return "reject"
	case VerdictDiscard:
		return "discard"
	}
	return "invalid"
}

// Relayer reinjects messages into the MTA, bypassing the filter.
type Relayer interface {
	Sendmail(ctx context.Context, from string, rcpts []string, msg io.Reader) error
}

// Challenger sends confirmation requests. Implemented by
// challenge.Emitter.
type Challenger interface {
	Emit(ctx context.Context, req challenge.Request) error
}

// Engine holds everything sessions share. Sessions run concurrently;
// the store and the relay do their own locking.
type Engine struct {
	Store      store.Store
	Relayer    Relayer
	Challenger Challenger
	Filter     *dropfilter.Filter

	// Policy picks the recipients protected by confirmation. nil means
	// all of them.
	Policy RcptPolicy

	Log log.Logger
}

// Session carries one message through the decision tree. It is driven
// from a single goroutine by the protocol adapter.
type Session struct {
	engine *Engine
	log    log.Logger

	id     string
	sender *sender.Sender
	rcpts  []string

	challengeRcpts []string
	subject        string
	action         store.Action
	hdr            textproto.Header
}

// NewSession starts the decision for one message. from and rcpts are
// bare addresses in SMTP order, angle brackets already stripped by the
// adapter.
func (e *Engine) NewSession(from string, rcpts []string) *Session {
	id, err := uuid.NewRandom()
	if err != nil {
		// Session ids only tie log lines together. A dry entropy pool
		// will surface again on reference generation.
		e.Log.Error("session id generation failed", err)
	}
	s := &Session{
		engine: e,
		id:     id.String(),
		sender: sender.New(e.Store, from),
		rcpts:  rcpts,
	}
	s.log = sessionLogger(e.Log, s.id)
	return s
}

// Headers runs the part of the decision tree that needs only the
// envelope and the header. The verdict is final unless needBody is
// true, in which case the adapter has to collect the body and finish
// with Body.
func (s *Session) Headers(ctx context.Context, hdr textproto.Header) (v Verdict, needBody bool) {
	e := s.engine

	s.challengeRcpts = s.policy().ChallengeRcpts(s.rcpts)
	if len(s.challengeRcpts) == 0 {
		return s.verdict(VerdictAccept, "no protected recipients"), false
	}

	s.subject = lastSubject(hdr)
	response := challenge.IsResponse(s.subject)

	// Challenging a mailing list or an autoresponder starts a mail
	// loop, so bulk and auto-submitted mail from unlisted senders is
	// silently dropped instead.
	if e.Filter.Drop(hdr) {
		return s.verdict(VerdictDiscard, "bulk or auto-submitted"), false
	}

	if !response {
		switch act := s.senderAction(ctx); act {
		case store.ActionAccept:
			return s.verdict(VerdictAccept, "sender accepted"), false
		case store.ActionReject:
			return s.verdict(VerdictReject, "sender rejected"), false
		case store.ActionDiscard:
			return s.verdict(VerdictDiscard, "sender discarded"), false
		default:
			// unknown, confirm or expired: the message is held until
			// the sender confirms, and for that we need the body.
			s.action = act
			s.hdr = hdr
			return VerdictAccept, true
		}
	}

	if s.senderAction(ctx) == store.ActionConfirm {
		ref, _ := challenge.ExtractRef(s.subject)
		if !s.sender.ValidateRef(ctx, ref) {
			s.log.Msg("confirmation with unknown reference",
				"sender", s.sender.Email(), "ref", ref)
			return s.verdict(VerdictReject, "bad confirmation reference"), false
		}
		s.release(ctx)
	}
	// Confirmation-shaped mail from senders that are not waiting for
	// one is ordinary mail.
	return s.verdict(VerdictAccept, "challenge response"), false
}

// Body finishes the held-message path with the collected body.
func (s *Session) Body(ctx context.Context, body []byte) Verdict {
	raw, err := reform(s.hdr, body)
	if err != nil {
		// Without the reassembled message there is nothing to hold.
		// Let it through rather than lose it.
		s.log.Error("message reassembly failed", err, "sender", s.sender.Email())
		return s.verdict(VerdictAccept, "reassembly failed")
	}

	ref, err := s.sender.StashMessage(ctx, raw, s.rcpts)
	if err != nil {
		s.log.Error("stash failed, letting the message through", err,
			"sender", s.sender.Email())
		return s.verdict(VerdictAccept, "stash failed")
	}
	stashedMsgs.Inc()
	s.log.Msg("message stashed", "sender", s.sender.Email(), "ref", ref)

	// A sender already waiting on a challenge is not pestered again for
	// every new message.
	if s.action != store.ActionConfirm {
		err := s.engine.Challenger.Emit(ctx, challenge.Request{
			Sender:     s.sender.Email(),
			Subject:    s.subject,
			Recipients: s.challengeRcpts,
			ID:         s.id,
			Ref:        ref,
		})
		if err != nil {
			s.log.Error("challenge failed", err,
				"sender", s.sender.Email(), "ref", ref)
		} else {
			challengesSent.Inc()
		}
	}

	return s.verdict(VerdictDiscard, "held for confirmation")
}

// Abort drops the session. State changes only happen at the end of
// Headers and Body, so there is nothing to undo.
func (s *Session) Abort() {
	s.log.DebugMsg("session aborted", "sender", s.sender.Email())
}

// senderAction is sender.Action with lookup failures degraded: the
// error is logged and the sender treated as unknown, so mail is held
// instead of bounced while the database is down.
func (s *Session) senderAction(ctx context.Context) store.Action {
	act, err := s.sender.Action(ctx)
	if err != nil {
		storeErrors.Inc()
		s.log.Error("action lookup failed, treating sender as unknown", err,
			"sender", s.sender.Email())
		return store.ActionUnknown
	}
	return act
}

// release resends every message held for the sender, oldest first, and
// marks the sender accepted. Failures keep the remaining messages
// stashed; the confirmation itself is still accepted and the sender can
// simply confirm again.
func (s *Session) release(ctx context.Context) {
	released := 0
	err := s.sender.Unstash(ctx, func(rcpts []string, msg []byte) error {
		if err := s.engine.Relayer.Sendmail(ctx, s.sender.Email(), rcpts, bytes.NewReader(msg)); err != nil {
			return err
		}
		released++
		releasedMsgs.Inc()
		return nil
	})
	if err != nil {
		releaseErrors.Inc()
		s.log.Error("release failed, remaining messages kept", err,
			"sender", s.sender.Email(), "released", released)
		return
	}
	s.log.Msg("stashed mail released", "sender", s.sender.Email(), "count", released)
}

func (s *Session) policy() RcptPolicy {
	if s.engine.Policy == nil {
		return AllRecipients{}
	}
	return s.engine.Policy
}

func (s *Session) verdict(v Verdict, why string) Verdict {
	verdicts.WithLabelValues(v.String()).Inc()
	s.log.Msg("verdict", "result", v, "reason", why, "sender", s.sender.Email())
	return v
}

func sessionLogger(l log.Logger, id string) log.Logger {
	fields := make(map[string]interface{}, len(l.Fields)+1)
	for k, v := range l.Fields {
		fields[k] = v
	}
	fields["session"] = id
	l.Fields = fields
	return l
}

// lastSubject returns the value of the last Subject field in source
// order, trimmed of leading whitespace. Real mail has at most one, but
// a milter sees whatever the sender wrote.
func lastSubject(hdr textproto.Header) string {
	var subject string
	for fields := hdr.FieldsByKey("Subject"); fields.Next(); {
		subject = fields.Value()
	}
	return strings.TrimLeftFunc(subject, unicode.IsSpace)
}

// reform rebuilds the wire form of the message from the header captured
// at the header stage and the body that followed it.
func reform(hdr textproto.Header, body []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, hdr); err != nil {
		return nil, err
	}
	buf.Write(body)
	return buf.Bytes(), nil
}
