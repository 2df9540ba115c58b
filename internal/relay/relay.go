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

// Package relay maintains the SMTP connection used to reinject mail into
// the MTA: challenge requests going out and stashed messages being
// released after confirmation.
package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/ietf-svn-conversion/postconfirm/framework/address"
	"github.com/ietf-svn-conversion/postconfirm/framework/config"
	"github.com/ietf-svn-conversion/postconfirm/framework/exterrors"
	"github.com/ietf-svn-conversion/postconfirm/framework/log"
)

type Config struct {
	// Endpoint of the next-hop MTA, usually tcp://localhost:25.
	Endpoint config.Endpoint

	// Hostname sent in EHLO. Defaults to localhost.localdomain.
	Hostname string

	// StartTLS upgrades the session when the server offers it. Ignored
	// for tls:// endpoints.
	StartTLS  bool
	TLSConfig *tls.Config

	// Username enables SASL PLAIN authentication when non-empty.
	Username string
	Password string

	ConnectTimeout    time.Duration
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration

	Log log.Logger
}

// Relay is a lazily dialed, health-checked SMTP client session shared by
// everything in the daemon that sends mail. Callers are serialized; SMTP
// allows one transaction at a time per connection.
type Relay struct {
	cfg    Config
	dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	mu sync.Mutex
	cl *smtp.Client
}

func New(cfg Config) *Relay {
	if cfg.Hostname == "" {
		cfg.Hostname = "localhost.localdomain"
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{}
	}
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Minute
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	if cfg.SubmissionTimeout == 0 {
		cfg.SubmissionTimeout = 12 * time.Minute
	}
	return &Relay{
		cfg:    cfg,
		dialer: (&net.Dialer{}).DialContext,
	}
}

// Sendmail submits one message. An empty from is sent as the null
// reverse-path. The transaction is attempted once; connection health is
// checked (and the connection re-established) before it starts.
func (r *Relay) Sendmail(ctx context.Context, from string, rcpts []string, msg io.Reader) error {
	if len(rcpts) == 0 {
		return errors.New("relay: no recipients")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	cl, err := r.client(ctx)
	if err != nil {
		return r.wrapClientErr(err)
	}

	if err := r.transact(cl, from, rcpts, msg); err != nil {
		// Return the session to a clean state for the next message. A
		// connection that cannot even RSET is dropped.
		if rstErr := cl.Reset(); rstErr != nil {
			r.drop()
		}
		return r.wrapClientErr(err)
	}
	return nil
}

func (r *Relay) client(ctx context.Context) (*smtp.Client, error) {
	if r.cl != nil {
		if err := r.cl.Noop(); err == nil {
			return r.cl, nil
		}
		// The MTA or a middlebox closed the idle connection.
		r.drop()
	}

	cl, err := r.connect(ctx)
	if err != nil {
		return nil, err
	}
	r.cl = cl
	return cl, nil
}

func (r *Relay) drop() {
	if r.cl != nil {
		r.cl.Close()
		r.cl = nil
	}
}

func (r *Relay) connect(ctx context.Context) (*smtp.Client, error) {
	dialCtx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	conn, err := r.dialer(dialCtx, r.cfg.Endpoint.Network(), r.cfg.Endpoint.Address())
	cancel()
	if err != nil {
		return nil, err
	}

	if r.cfg.Endpoint.IsTLS() {
		cfg := r.cfg.TLSConfig.Clone()
		cfg.ServerName = r.cfg.Endpoint.Host
		conn = tls.Client(conn, cfg)
	}

	cl, err := smtp.NewClient(conn, r.cfg.Endpoint.Host)
	if err != nil {
		conn.Close()
		return nil, err
	}

	cl.CommandTimeout = r.cfg.CommandTimeout
	cl.SubmissionTimeout = r.cfg.SubmissionTimeout

	if err := cl.Hello(r.cfg.Hostname); err != nil {
		cl.Close()
		return nil, err
	}

	if r.cfg.StartTLS && !r.cfg.Endpoint.IsTLS() {
		if ok, _ := cl.Extension("STARTTLS"); ok {
			cfg := r.cfg.TLSConfig.Clone()
			cfg.ServerName = r.cfg.Endpoint.Host
			if err := cl.StartTLS(cfg); err != nil {
				// The QUIT is best-effort, the handshake may have left
				// the connection unusable.
				if quitErr := cl.Quit(); quitErr != nil {
					cl.Close()
				}
				return nil, err
			}
		}
	}

	if r.cfg.Username != "" {
		if err := cl.Auth(sasl.NewPlainClient("", r.cfg.Username, r.cfg.Password)); err != nil {
			cl.Close()
			return nil, err
		}
	}

	return cl, nil
}

func (r *Relay) transact(cl *smtp.Client, from string, rcpts []string, msg io.Reader) error {
	opts := smtp.MailOptions{}

	// Stashed mail is released with its original reverse-path, which may
	// be non-ASCII. Use SMTPUTF8 when the MTA offers it, attempt to
	// convert the addresses otherwise.
	if ok, _ := cl.Extension("SMTPUTF8"); ok && !asciiEnvelope(from, rcpts) {
		opts.UTF8 = true
	}

	if !opts.UTF8 && !address.IsASCII(from) {
		var err error
		if from, err = address.ToASCII(from); err != nil {
			return &exterrors.SMTPError{
				Code:         550,
				EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
				Message:      "SMTPUTF8 is unsupported, cannot convert sender address",
				Err:          err,
			}
		}
	}

	if err := cl.Mail(from, &opts); err != nil {
		return err
	}
	for _, rcpt := range rcpts {
		if !opts.UTF8 && !address.IsASCII(rcpt) {
			var err error
			if rcpt, err = address.ToASCII(rcpt); err != nil {
				return &exterrors.SMTPError{
					Code:         553,
					EnhancedCode: exterrors.EnhancedCode{5, 6, 7},
					Message:      "SMTPUTF8 is unsupported, cannot convert recipient address",
					Err:          err,
				}
			}
		}
		if err := cl.Rcpt(rcpt); err != nil {
			return err
		}
	}

	wc, err := cl.Data()
	if err != nil {
		return err
	}
	if _, err := io.Copy(wc, msg); err != nil {
		return err
	}
	return wc.Close()
}

// RFC 6531 requires SMTPUTF8 to be requested on MAIL FROM to use UTF-8
// anywhere in the transaction, so the whole envelope is considered.
func asciiEnvelope(from string, rcpts []string) bool {
	if !address.IsASCII(from) {
		return false
	}
	for _, rcpt := range rcpts {
		if !address.IsASCII(rcpt) {
			return false
		}
	}
	return true
}

func (r *Relay) wrapClientErr(err error) error {
	if err == nil {
		return nil
	}

	serverName := r.cfg.Endpoint.Host

	switch err := err.(type) {
	case *exterrors.SMTPError:
		return err
	case *smtp.SMTPError:
		return &exterrors.SMTPError{
			Code:         err.Code,
			EnhancedCode: exterrors.EnhancedCode(err.EnhancedCode),
			Message:      err.Message,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
			Err: err,
		}
	case *net.OpError:
		return &exterrors.SMTPError{
			Code:         450,
			EnhancedCode: exterrors.EnhancedCode{4, 4, 2},
			Message:      "Network I/O error",
			Err:          err,
			Misc: map[string]interface{}{
				"remote_addr": err.Addr,
				"io_op":       err.Op,
			},
		}
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": serverName,
		})
	}
}

// Close sends QUIT on the cached session, if any. On QUIT failure the
// connection is closed directly.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cl == nil {
		return nil
	}
	if err := r.cl.Quit(); err != nil {
		r.cfg.Log.Error("QUIT error", r.wrapClientErr(err))
		err = r.cl.Close()
		r.cl = nil
		return err
	}
	r.cl = nil
	return nil
}
