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
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/ietf-svn-conversion/postconfirm/internal/testutils"
)

func testEmitter(t *testing.T, relay *testutils.Relay, template string) *Emitter {
	t.Helper()

	path := filepath.Join(t.TempDir(), "confirm.email.mustache")
	if err := os.WriteFile(path, []byte(template), 0o600); err != nil {
		t.Fatal("write template:", err)
	}
	return &Emitter{
		TemplatePath: path,
		AdminAddress: "postmaster@example.org",
		Relayer:      relay,
		Log:          testutils.Logger(t, "challenge"),
	}
}

func parseMsg(t *testing.T, raw []byte) (textproto.Header, []byte) {
	t.Helper()

	r := bufio.NewReader(bytes.NewReader(raw))
	hdr, err := textproto.ReadHeader(r)
	if err != nil {
		t.Fatal("parse emitted header:", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		t.Fatal("read emitted body:", err)
	}
	return hdr, body
}

func TestEmit(t *testing.T) {
	relay := &testutils.Relay{}
	e := testEmitter(t, relay, "Hello {{sender_address}},\n"+
		"your mail \"{{subject}}\" to {{recipient_address}} is held.\n"+
		"Contact {{admin_address}} quoting {{id}}.\n")

	err := e.Emit(context.Background(), Request{
		Sender:     "Bob@example.org",
		Subject:    "lunch plans",
		Recipients: []string{"list@example.net", "other@example.net"},
		ID:         "session-1",
		Ref:        "deadbeef",
	})
	if err != nil {
		t.Fatal("Emit failed:", err)
	}

	if len(relay.Messages) != 1 {
		t.Fatalf("relayed messages: want 1, got %d", len(relay.Messages))
	}
	msg := relay.Messages[0]
	if msg.From != "" {
		t.Errorf("envelope sender: want null path, got %q", msg.From)
	}
	if !reflect.DeepEqual(msg.Rcpts, []string{"Bob@example.org"}) {
		t.Errorf("envelope recipients: %v", msg.Rcpts)
	}

	hdr, body := parseMsg(t, msg.Body)
	if got := hdr.Get("From"); got != "list@example.net" {
		t.Errorf("From: %q", got)
	}
	if got := hdr.Get("To"); got != "Bob@example.org" {
		t.Errorf("To: %q", got)
	}
	if got := hdr.Get("Auto-Submitted"); got != "auto-replied" {
		t.Errorf("Auto-Submitted: %q", got)
	}
	if got := hdr.Get("MIME-Version"); got != "1.0" {
		t.Errorf("MIME-Version: %q", got)
	}
	if got := hdr.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type: %q", got)
	}
	if got := hdr.Get("Message-Id"); !strings.HasSuffix(got, "@example.net>") {
		t.Errorf("Message-Id: %q", got)
	}
	if got := hdr.Get("Date"); got == "" {
		t.Error("Date header missing")
	}

	ref, ok := ExtractRef(hdr.Get("Subject"))
	if !ok || ref != "deadbeef" {
		t.Errorf("emitted subject does not parse back: %q", hdr.Get("Subject"))
	}

	wantBody := "Hello Bob@example.org,\r\n" +
		"your mail \"lunch plans\" to list@example.net, other@example.net is held.\r\n" +
		"Contact postmaster@example.org quoting session-1.\r\n"
	if string(body) != wantBody {
		t.Errorf("body mismatch:\nwant %q\ngot  %q", wantBody, body)
	}
}

func TestEmit_LoopGuard(t *testing.T) {
	relay := &testutils.Relay{}
	e := testEmitter(t, relay, "hi\n")
	ctx := context.Background()

	err := e.Emit(ctx, Request{
		Sender:     "LIST@example.net",
		Recipients: []string{"list@EXAMPLE.net"},
		Ref:        "aa",
	})
	if err != nil {
		t.Fatal("Emit failed:", err)
	}

	err = e.Emit(ctx, Request{
		Sender:     "",
		Recipients: []string{"list@example.net"},
		Ref:        "aa",
	})
	if err != nil {
		t.Fatal("Emit failed:", err)
	}

	if len(relay.Messages) != 0 {
		t.Errorf("challenge sent despite loop guard: %d messages", len(relay.Messages))
	}
}

func TestEmit_UnknownTokenKept(t *testing.T) {
	relay := &testutils.Relay{}
	e := testEmitter(t, relay, "a {{nope}} b\n")

	err := e.Emit(context.Background(), Request{
		Sender:     "bob@example.org",
		Recipients: []string{"list@example.net"},
		Ref:        "aa",
	})
	if err != nil {
		t.Fatal("Emit failed:", err)
	}

	_, body := parseMsg(t, relay.Messages[0].Body)
	if string(body) != "a {{nope}} b\r\n" {
		t.Errorf("unknown token rewritten: %q", body)
	}
}

func TestEmit_TemplateReadFresh(t *testing.T) {
	relay := &testutils.Relay{}
	e := testEmitter(t, relay, "one\n")
	ctx := context.Background()
	req := Request{
		Sender:     "bob@example.org",
		Recipients: []string{"list@example.net"},
		Ref:        "aa",
	}

	if err := e.Emit(ctx, req); err != nil {
		t.Fatal("Emit failed:", err)
	}
	if err := os.WriteFile(e.TemplatePath, []byte("two\n"), 0o600); err != nil {
		t.Fatal("rewrite template:", err)
	}
	if err := e.Emit(ctx, req); err != nil {
		t.Fatal("Emit failed:", err)
	}

	_, first := parseMsg(t, relay.Messages[0].Body)
	_, second := parseMsg(t, relay.Messages[1].Body)
	if string(first) != "one\r\n" || string(second) != "two\r\n" {
		t.Errorf("template not re-read: %q, %q", first, second)
	}
}

func TestEmit_TemplateMissing(t *testing.T) {
	e := &Emitter{
		TemplatePath: filepath.Join(t.TempDir(), "missing.mustache"),
		Relayer:      &testutils.Relay{},
		Log:          testutils.Logger(t, "challenge"),
	}

	err := e.Emit(context.Background(), Request{
		Sender:     "bob@example.org",
		Recipients: []string{"list@example.net"},
		Ref:        "aa",
	})
	if err == nil {
		t.Error("missing template not reported")
	}
}

func TestEmit_RelayError(t *testing.T) {
	boom := errors.New("connection refused")
	relay := &testutils.Relay{Fail: boom}
	e := testEmitter(t, relay, "hi\n")

	err := e.Emit(context.Background(), Request{
		Sender:     "bob@example.org",
		Recipients: []string{"list@example.net"},
		Ref:        "aa",
	})
	if !errors.Is(err, boom) {
		t.Errorf("relay error not surfaced: %v", err)
	}
}
