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

// Package milter implements the MTA-facing endpoint of the daemon, speaking
// the milter protocol. Each message the MTA hands over is run through the
// decision engine and answered with a final accept/reject/discard action,
// the message itself is never modified.
package milter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	nettextproto "net/textproto"

	"github.com/emersion/go-message/textproto"
	"github.com/emersion/go-milter"
	"github.com/ietf-svn-conversion/postconfirm/framework/address"
	"github.com/ietf-svn-conversion/postconfirm/framework/config"
	"github.com/ietf-svn-conversion/postconfirm/framework/log"
	"github.com/ietf-svn-conversion/postconfirm/internal/engine"
	"github.com/ietf-svn-conversion/postconfirm/internal/limits"
	"golang.org/x/sync/errgroup"
)

// Stashed messages are kept whole in memory while the verdict is made.
// Anything bigger than this is not something a confirmation queue should
// hold, the MTA is told to retry later so the operator notices.
const maxMessageSize = 32 * 1024 * 1024

type Endpoint struct {
	engine *engine.Engine
	limits *limits.Group
	log    log.Logger

	listeners []net.Listener
	group     errgroup.Group

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a milter endpoint that obtains a verdict for each message
// from eng. The endpoint takes ownership of lim and closes it on
// shutdown, nil means no limits. Start must be called to actually bind
// the listeners.
func New(eng *engine.Engine, lim *limits.Group, l log.Logger) *Endpoint {
	if lim == nil {
		lim = &limits.Group{}
	}
	e := &Endpoint{
		engine: eng,
		limits: lim,
		log:    l,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Start binds all endpoints and begins accepting milter connections on them.
func (e *Endpoint) Start(addrs []config.Endpoint) error {
	for _, addr := range addrs {
		if addr.IsTLS() {
			return fmt.Errorf("milter: TLS is not supported for the filter socket: %v", addr)
		}
		l, err := net.Listen(addr.Network(), addr.Address())
		if err != nil {
			return fmt.Errorf("milter: %w", err)
		}
		e.log.Printf("listening on %v", addr)
		e.serve(l)
	}
	return nil
}

func (e *Endpoint) serve(l net.Listener) {
	e.listeners = append(e.listeners, l)

	// milter.Server tracks the listeners Serve is called with without any
	// serialization, so every listener gets its own instance.
	serv := &milter.Server{
		NewMilter: func() milter.Milter {
			acceptedConnections.Inc()
			return &session{endp: e}
		},
		// The verdict is the only thing we ever send back.
		Actions:  0,
		Protocol: milter.OptNoConnect | milter.OptNoHelo,
	}

	e.group.Go(func() error {
		if err := serv.Serve(l); err != nil && !errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("milter: %v: %w", l.Addr(), err)
		}
		return nil
	})
}

// Close stops all listeners and waits for the accept loops to return.
// The engine context is canceled, so connections still mid-message get
// a temporary failure and the MTA retries after the restart.
func (e *Endpoint) Close() error {
	for _, l := range e.listeners {
		l.Close()
	}
	e.cancel()
	err := e.group.Wait()
	e.limits.Close()
	return err
}

// session holds the per-connection milter state. The MTA may reuse one
// connection for several messages, so everything message-scoped is reset
// on MAIL FROM.
type session struct {
	endp *Endpoint

	from   string
	rcpts  []string
	fields [][2]string

	decider *engine.Session
	body    bytes.Buffer
}

func (s *session) reset() {
	if s.decider != nil {
		s.decider.Abort()
	}
	s.from = ""
	s.rcpts = nil
	s.fields = nil
	s.decider = nil
	s.body.Reset()
}

func (s *session) Connect(host string, family string, port uint16, addr net.IP, m *milter.Modifier) (milter.Response, error) {
	return milter.RespContinue, nil
}

func (s *session) Helo(name string, m *milter.Modifier) (milter.Response, error) {
	return milter.RespContinue, nil
}

func (s *session) MailFrom(from string, m *milter.Modifier) (milter.Response, error) {
	s.reset()
	s.from = address.Strip(from)
	return milter.RespContinue, nil
}

func (s *session) RcptTo(rcptTo string, m *milter.Modifier) (milter.Response, error) {
	s.rcpts = append(s.rcpts, address.Strip(rcptTo))
	return milter.RespContinue, nil
}

func (s *session) Header(name string, value string, m *milter.Modifier) (milter.Response, error) {
	s.fields = append(s.fields, [2]string{name, value})
	return milter.RespContinue, nil
}

// limitKey is the sender domain the per-domain limits are keyed by. The
// null path and unparsable addresses share the empty key.
func (s *session) limitKey() string {
	norm, err := address.ForLookup(s.from)
	if err != nil {
		return ""
	}
	_, domain, err := address.Split(norm)
	if err != nil {
		return ""
	}
	return domain
}

func (s *session) Headers(h nettextproto.MIMEHeader, m *milter.Modifier) (milter.Response, error) {
	key := s.limitKey()
	if err := s.endp.limits.TakeMsg(s.endp.ctx, key); err != nil {
		s.endp.log.Msg("message limit hit, delaying", "from", s.from, "reason", err)
		limitedMessages.Inc()
		return milter.RespTempFail, nil
	}
	defer s.endp.limits.ReleaseMsg(key)

	// The MIMEHeader passed by the library loses the field order, rebuild
	// the header from the fields as they came in. Add prepends, so go over
	// them back to front.
	hdr := textproto.Header{}
	for i := len(s.fields) - 1; i >= 0; i-- {
		hdr.Add(s.fields[i][0], s.fields[i][1])
	}

	s.decider = s.endp.engine.NewSession(s.from, s.rcpts)
	verdict, needBody := s.decider.Headers(s.endp.ctx, hdr)
	if !needBody {
		resp := response(verdict)
		s.decider = nil
		return resp, nil
	}

	s.body.Reset()
	return milter.RespContinue, nil
}

func (s *session) BodyChunk(chunk []byte, m *milter.Modifier) (milter.Response, error) {
	if s.decider == nil {
		s.endp.log.Msg("body chunk without headers, rejecting", "from", s.from)
		tempFailedMessages.Inc()
		return milter.RespTempFail, nil
	}
	if s.body.Len()+len(chunk) > maxMessageSize {
		s.endp.log.Msg("message too big to stash", "from", s.from, "limit", maxMessageSize)
		s.decider = nil
		tempFailedMessages.Inc()
		return milter.RespTempFail, nil
	}
	s.body.Write(chunk)
	return milter.RespContinue, nil
}

func (s *session) Body(m *milter.Modifier) (milter.Response, error) {
	if s.decider == nil {
		s.endp.log.Msg("end of body without headers, rejecting", "from", s.from)
		tempFailedMessages.Inc()
		return milter.RespTempFail, nil
	}
	if err := s.endp.limits.TakeStash(s.endp.ctx); err != nil {
		s.endp.log.Msg("stash limit hit, delaying", "from", s.from, "reason", err)
		limitedMessages.Inc()
		s.decider = nil
		return milter.RespTempFail, nil
	}
	defer s.endp.limits.ReleaseStash()
	verdict := s.decider.Body(s.endp.ctx, s.body.Bytes())
	s.decider = nil
	return response(verdict), nil
}

func response(v engine.Verdict) milter.Response {
	switch v {
	case engine.VerdictAccept:
		return milter.RespAccept
	case engine.VerdictReject:
		return milter.RespReject
	case engine.VerdictDiscard:
		return milter.RespDiscard
	}
	return milter.RespTempFail
}
