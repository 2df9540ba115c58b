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
	"io"
	"net"
	"testing"

	"github.com/emersion/go-smtp"
)

type SMTPMessage struct {
	From     string
	Opts     smtp.MailOptions
	To       []string
	Data     []byte
	AuthUser string
	AuthPass string
}

// SMTPBackend is a sink for messages submitted over real SMTP.
type SMTPBackend struct {
	Messages        []*SMTPMessage
	MailFromCounter int
	SessionCounter  int

	AuthErr error
	MailErr error
	RcptErr map[string]error
	DataErr error
}

func (be *SMTPBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	be.SessionCounter++
	return &smtpSession{backend: be, msg: &SMTPMessage{}}, nil
}

type smtpSession struct {
	backend  *SMTPBackend
	user     string
	password string
	msg      *SMTPMessage
}

func (s *smtpSession) Reset() {
	s.msg = &SMTPMessage{}
}

func (s *smtpSession) Logout() error {
	return nil
}

func (s *smtpSession) AuthPlain(username, password string) error {
	if s.backend.AuthErr != nil {
		return s.backend.AuthErr
	}
	s.user = username
	s.password = password
	return nil
}

func (s *smtpSession) Mail(from string, opts *smtp.MailOptions) error {
	s.backend.MailFromCounter++

	if s.backend.MailErr != nil {
		return s.backend.MailErr
	}

	s.Reset()
	s.msg.From = from
	if opts != nil {
		s.msg.Opts = *opts
	}
	return nil
}

func (s *smtpSession) Rcpt(to string) error {
	if err := s.backend.RcptErr[to]; err != nil {
		return err
	}

	s.msg.To = append(s.msg.To, to)
	return nil
}

func (s *smtpSession) Data(r io.Reader) error {
	if s.backend.DataErr != nil {
		return s.backend.DataErr
	}

	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.Data = b
	s.msg.AuthUser = s.user
	s.msg.AuthPass = s.password
	s.backend.Messages = append(s.backend.Messages, s.msg)
	return nil
}

type SMTPServerConfigureFunc func(*smtp.Server)

// SMTPServer starts a sink server on addr (use 127.0.0.1:0 for an
// ephemeral port) and returns the backend, the server and the address it
// actually listens on.
func SMTPServer(t *testing.T, addr string, fn ...SMTPServerConfigureFunc) (*SMTPBackend, *smtp.Server, string) {
	t.Helper()

	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	addr = l.Addr().String()

	be := new(SMTPBackend)
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AllowInsecureAuth = true
	for _, f := range fn {
		f(s)
	}

	go func() {
		if err := s.Serve(l); err != nil && err != smtp.ErrServerClosed {
			t.Error(err)
		}
	}()

	// Dial it once to make sure Serve got as far as initializing the
	// server before the test (or its cleanup) touches it.
	testConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	testConn.Close()

	return be, s, addr
}
