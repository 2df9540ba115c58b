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

package challenge

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/emersion/go-message/textproto"
	"github.com/ietf-svn-conversion/postconfirm/framework/address"
	"github.com/ietf-svn-conversion/postconfirm/framework/log"
)

// Relayer hands a finished message to the next-hop MTA.
type Relayer interface {
	Sendmail(ctx context.Context, from string, rcpts []string, msg io.Reader) error
}

// Request describes one challenge to send.
type Request struct {
	// Sender is the address being challenged, in display form.
	Sender string
	// Subject of the message that triggered the challenge.
	Subject string
	// Recipients that required the challenge; the first one becomes the
	// From of the challenge mail.
	Recipients []string
	// ID is an opaque identifier exposed to the template, usually the
	// session id.
	ID string
	// Ref is the confirmation reference the sender must echo back.
	Ref string
}

// Emitter builds and sends challenge mails.
type Emitter struct {
	// TemplatePath is read on every emission so operators can edit the
	// template without a restart.
	TemplatePath string
	AdminAddress string
	// EnvelopeFrom is the reverse-path of emitted challenges. Empty
	// means the null path, so challenge bounces are not themselves
	// challenged.
	EnvelopeFrom string
	Relayer      Relayer
	Log          log.Logger
}

// Emit renders the template and sends the challenge to req.Sender.
// Senders that would make the challenge loop back (empty address, or the
// challenged address is itself a challenge recipient) are skipped with a
// log line and no error.
func (e *Emitter) Emit(ctx context.Context, req Request) error {
	if len(req.Recipients) == 0 {
		return errors.New("challenge: no recipients")
	}
	if skip, why := e.skip(req); skip {
		e.Log.Msg("skipping challenge", "sender", req.Sender, "reason", why)
		return nil
	}

	text, err := e.render(req)
	if err != nil {
		return fmt.Errorf("challenge: %w", err)
	}

	id, err := msgID(req.Recipients[0])
	if err != nil {
		return fmt.Errorf("challenge: %w", err)
	}

	// Add prepends, so fields go in in reverse of the wire order.
	hdr := textproto.Header{}
	hdr.Add("Subject", FormatSubject(req.Ref))
	hdr.Add("To", req.Sender)
	hdr.Add("From", req.Recipients[0])
	hdr.Add("Content-Transfer-Encoding", "8bit")
	hdr.Add("Content-Type", `text/plain; charset="utf-8"`)
	hdr.Add("MIME-Version", "1.0")
	hdr.Add("Auto-Submitted", "auto-replied")
	hdr.Add("Message-Id", id)
	hdr.Add("Date", time.Now().Format("Mon, 2 Jan 2006 15:04:05 -0700"))

	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, hdr); err != nil {
		return fmt.Errorf("challenge: %w", err)
	}
	buf.WriteString(text)

	if err := e.Relayer.Sendmail(ctx, e.EnvelopeFrom, []string{req.Sender}, bytes.NewReader(buf.Bytes())); err != nil {
		return fmt.Errorf("challenge: %w", err)
	}

	e.Log.Msg("challenge sent", "sender", req.Sender, "ref", req.Ref)
	return nil
}

func (e *Emitter) skip(req Request) (bool, string) {
	if req.Sender == "" {
		return true, "empty sender"
	}
	for _, rcpt := range req.Recipients {
		if address.Equal(req.Sender, rcpt) {
			return true, "sender is a challenge recipient"
		}
	}
	return false, ""
}

func (e *Emitter) render(req Request) (string, error) {
	raw, err := os.ReadFile(e.TemplatePath)
	if err != nil {
		return "", err
	}

	text := expandTemplate(string(raw), map[string]string{
		"subject":           req.Subject,
		"sender_address":    req.Sender,
		"recipient_address": joinAddrs(req.Recipients),
		"admin_address":     e.AdminAddress,
		"id":                req.ID,
	})

	// Template files are LF, the wire wants CRLF.
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\n", "\r\n"), nil
}

// expandTemplate substitutes {{name}} tokens. Tokens without a value are
// left untouched, same as the env expansion in config files.
func expandTemplate(text string, vars map[string]string) string {
	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

func joinAddrs(addrs []string) string {
	return strings.Join(addrs, ", ")
}

func msgID(from string) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	_, domain, err := address.Split(from)
	if err != nil || domain == "" {
		domain = "localhost"
	}
	return "<" + hex.EncodeToString(raw) + "@" + domain + ">", nil
}
