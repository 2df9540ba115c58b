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
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/emersion/go-message/textproto"
	"github.com/ietf-svn-conversion/postconfirm/internal/challenge"
	"github.com/ietf-svn-conversion/postconfirm/internal/dropfilter"
	"github.com/ietf-svn-conversion/postconfirm/internal/store"
	"github.com/ietf-svn-conversion/postconfirm/internal/testutils"
)

type testEnv struct {
	store    *testutils.Store
	relay    *testutils.Relay
	eng      *Engine
	template string
}

func testEngine(t *testing.T) *testEnv {
	t.Helper()

	st := testutils.NewStore()
	relay := &testutils.Relay{}

	template := filepath.Join(t.TempDir(), "confirm.email.mustache")
	err := os.WriteFile(template, []byte("Confirm {{sender_address}} writing to {{recipient_address}}\n"), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	filter, err := dropfilter.New(dropfilter.DefaultBulkPattern, dropfilter.DefaultAutoSubmittedPattern)
	if err != nil {
		t.Fatal(err)
	}

	eng := &Engine{
		Store:   st,
		Relayer: relay,
		Challenger: &challenge.Emitter{
			TemplatePath: template,
			AdminAddress: "postmaster@example.org",
			Relayer:      relay,
			Log:          testutils.Logger(t, "challenge"),
		},
		Filter: filter,
		Log:    testutils.Logger(t, "engine"),
	}
	return &testEnv{store: st, relay: relay, eng: eng, template: template}
}

// runMessage pushes one message through a fresh session the way the
// milter adapter does.
func runMessage(t *testing.T, e *Engine, from string, rcpts []string, hdr textproto.Header, body string) Verdict {
	t.Helper()

	sess := e.NewSession(from, rcpts)
	v, needBody := sess.Headers(context.Background(), hdr)
	if !needBody {
		return v
	}
	return sess.Body(context.Background(), []byte(body))
}

// header builds a textproto.Header whose wire order matches the
// argument order. Add prepends, so fields go in back to front.
func header(fields ...[2]string) textproto.Header {
	hdr := textproto.Header{}
	for i := len(fields) - 1; i >= 0; i-- {
		hdr.Add(fields[i][0], fields[i][1])
	}
	return hdr
}

func checkVerdict(t *testing.T, got, want Verdict) {
	t.Helper()
	if got != want {
		t.Fatalf("verdict: got %v, want %v", got, want)
	}
}

func TestListedSenderVerdicts(t *testing.T) {
	for _, tc := range []struct {
		act  store.Action
		want Verdict
	}{
		{store.ActionAccept, VerdictAccept},
		{store.ActionReject, VerdictReject},
		{store.ActionDiscard, VerdictDiscard},
	} {
		t.Run(string(tc.act), func(t *testing.T) {
			env := testEngine(t)
			env.store.Actions["alice@example.com"] = tc.act

			v := runMessage(t, env.eng, "alice@example.com", []string{"list@example.org"},
				header([2]string{"Subject", "hello"}), "body\r\n")

			checkVerdict(t, v, tc.want)
			if len(env.store.Stashed) != 0 {
				t.Errorf("%d messages stashed, want none", len(env.store.Stashed))
			}
			if len(env.relay.Messages) != 0 {
				t.Errorf("%d messages relayed, want none", len(env.relay.Messages))
			}
		})
	}
}

func TestUnknownSenderChallenged(t *testing.T) {
	env := testEngine(t)

	hdr := header(
		[2]string{"From", "bob@example.org"},
		[2]string{"Subject", "hi there"},
	)
	v := runMessage(t, env.eng, "bob@example.org", []string{"list@example.org"}, hdr, "hello\r\n")
	checkVerdict(t, v, VerdictDiscard)

	if len(env.store.Stashed) != 1 {
		t.Fatalf("%d messages stashed, want 1", len(env.store.Stashed))
	}
	held := env.store.Stashed[0]
	if held.Sender != "bob@example.org" {
		t.Errorf("stashed sender: %s", held.Sender)
	}
	if !reflect.DeepEqual(held.Recipients, []string{"list@example.org"}) {
		t.Errorf("stashed recipients: %v", held.Recipients)
	}
	wantMsg := "From: bob@example.org\r\nSubject: hi there\r\n\r\nhello\r\n"
	if string(held.Message) != wantMsg {
		t.Errorf("stashed message:\n%q\nwant:\n%q", held.Message, wantMsg)
	}

	if act := env.store.Actions["bob@example.org"]; act != store.ActionConfirm {
		t.Errorf("sender action: %v, want confirm", act)
	}
	refs := env.store.Refs["bob@example.org"]
	if len(refs) != 1 {
		t.Fatalf("refs: %v, want exactly one", refs)
	}

	if len(env.relay.Messages) != 1 {
		t.Fatalf("%d messages relayed, want the challenge", len(env.relay.Messages))
	}
	ch := env.relay.Messages[0]
	if ch.From != "" {
		t.Errorf("challenge reverse-path: %q, want null path", ch.From)
	}
	if !reflect.DeepEqual(ch.Rcpts, []string{"bob@example.org"}) {
		t.Errorf("challenge recipients: %v", ch.Rcpts)
	}
	if !strings.Contains(string(ch.Body), challenge.FormatSubject(refs[0])) {
		t.Errorf("challenge does not carry the issued reference:\n%s", ch.Body)
	}
	if !strings.Contains(string(ch.Body), "Confirm bob@example.org writing to list@example.org") {
		t.Errorf("challenge body not rendered:\n%s", ch.Body)
	}
}

func TestPendingSenderNotRechallenged(t *testing.T) {
	env := testEngine(t)
	env.store.Actions["bob@example.org"] = store.ActionConfirm
	env.store.Refs["bob@example.org"] = []string{"deadbeef"}

	v := runMessage(t, env.eng, "bob@example.org", []string{"list@example.org"},
		header([2]string{"Subject", "second try"}), "again\r\n")
	checkVerdict(t, v, VerdictDiscard)

	if len(env.store.Stashed) != 1 {
		t.Fatalf("%d messages stashed, want 1", len(env.store.Stashed))
	}
	refs := env.store.Refs["bob@example.org"]
	if len(refs) != 2 || refs[0] != "deadbeef" {
		t.Errorf("refs: %v, want deadbeef plus a fresh one", refs)
	}
	if len(env.relay.Messages) != 0 {
		t.Errorf("%d messages relayed, want no second challenge", len(env.relay.Messages))
	}
}

func TestConfirmationReleasesStash(t *testing.T) {
	env := testEngine(t)
	env.store.Actions["bob@example.org"] = store.ActionConfirm
	env.store.Refs["bob@example.org"] = []string{"deadbeef"}
	env.store.Stashed = []testutils.StashedMsg{
		{Sender: "bob@example.org", Recipients: []string{"list@example.org"}, Message: []byte("first\r\n")},
		{Sender: "bob@example.org", Recipients: []string{"other@example.org"}, Message: []byte("second\r\n")},
	}

	v := runMessage(t, env.eng, "bob@example.org", []string{"list@example.org"},
		header([2]string{"Subject", " Confirm: ::deadbeef"}), "")
	checkVerdict(t, v, VerdictAccept)

	if len(env.relay.Messages) != 2 {
		t.Fatalf("%d messages relayed, want both released", len(env.relay.Messages))
	}
	for i, want := range []testutils.RelayedMsg{
		{From: "bob@example.org", Rcpts: []string{"list@example.org"}, Body: []byte("first\r\n")},
		{From: "bob@example.org", Rcpts: []string{"other@example.org"}, Body: []byte("second\r\n")},
	} {
		if !reflect.DeepEqual(env.relay.Messages[i], want) {
			t.Errorf("released message %d: %+v, want %+v", i, env.relay.Messages[i], want)
		}
	}

	if len(env.store.Stashed) != 0 {
		t.Errorf("%d messages still stashed", len(env.store.Stashed))
	}
	if act := env.store.Actions["bob@example.org"]; act != store.ActionAccept {
		t.Errorf("sender action: %v, want accept", act)
	}
	if refs := env.store.Refs["bob@example.org"]; len(refs) != 0 {
		t.Errorf("refs not cleared: %v", refs)
	}
}

func TestBadReferenceRejected(t *testing.T) {
	env := testEngine(t)
	env.store.Actions["bob@example.org"] = store.ActionConfirm
	env.store.Refs["bob@example.org"] = []string{"deadbeef"}
	env.store.Stashed = []testutils.StashedMsg{
		{Sender: "bob@example.org", Recipients: []string{"list@example.org"}, Message: []byte("first\r\n")},
	}

	v := runMessage(t, env.eng, "bob@example.org", []string{"list@example.org"},
		header([2]string{"Subject", " Confirm: ::beefdead"}), "")
	checkVerdict(t, v, VerdictReject)

	if len(env.store.Stashed) != 1 {
		t.Errorf("%d messages stashed, want the original kept", len(env.store.Stashed))
	}
	if len(env.relay.Messages) != 0 {
		t.Errorf("%d messages relayed, want none", len(env.relay.Messages))
	}
	if act := env.store.Actions["bob@example.org"]; act != store.ActionConfirm {
		t.Errorf("sender action: %v, want confirm kept", act)
	}
}

func TestBulkMailDropped(t *testing.T) {
	env := testEngine(t)

	hdr := header(
		[2]string{"Precedence", "bulk"},
		[2]string{"Subject", "newsletter"},
	)
	v := runMessage(t, env.eng, "news@example.com", []string{"list@example.org"}, hdr, "buy\r\n")
	checkVerdict(t, v, VerdictDiscard)

	if len(env.store.Stashed) != 0 {
		t.Errorf("%d messages stashed, want none", len(env.store.Stashed))
	}
	if len(env.relay.Messages) != 0 {
		t.Errorf("%d messages relayed, want none", len(env.relay.Messages))
	}
	if len(env.store.Actions) != 0 {
		t.Errorf("sender records created: %v", env.store.Actions)
	}
}

func TestResponseFromStrangerAccepted(t *testing.T) {
	env := testEngine(t)

	v := runMessage(t, env.eng, "stranger@example.com", []string{"list@example.org"},
		header([2]string{"Subject", " Confirm: ::deadbeef"}), "")
	checkVerdict(t, v, VerdictAccept)

	if len(env.store.Stashed) != 0 || len(env.relay.Messages) != 0 {
		t.Error("a confirmation-shaped subject from a stranger must be plain mail")
	}
}

func TestDropBeatsConfirmation(t *testing.T) {
	env := testEngine(t)
	env.store.Actions["bob@example.org"] = store.ActionConfirm
	env.store.Refs["bob@example.org"] = []string{"deadbeef"}
	env.store.Stashed = []testutils.StashedMsg{
		{Sender: "bob@example.org", Recipients: []string{"list@example.org"}, Message: []byte("first\r\n")},
	}

	hdr := header(
		[2]string{"Auto-Submitted", "auto-replied"},
		[2]string{"Subject", " Confirm: ::deadbeef"},
	)
	v := runMessage(t, env.eng, "bob@example.org", []string{"list@example.org"}, hdr, "")
	checkVerdict(t, v, VerdictDiscard)

	if len(env.relay.Messages) != 0 {
		t.Errorf("%d messages relayed, auto-replied confirmations must not release", len(env.relay.Messages))
	}
	if len(env.store.Stashed) != 1 {
		t.Errorf("%d messages stashed, want the original kept", len(env.store.Stashed))
	}
}

func TestExpiredSenderRechallenged(t *testing.T) {
	env := testEngine(t)
	env.store.Actions["bob@example.org"] = store.ActionExpired
	env.store.Refs["bob@example.org"] = []string{"abad1dea"}

	v := runMessage(t, env.eng, "bob@example.org", []string{"list@example.org"},
		header([2]string{"Subject", "knocking again"}), "hello\r\n")
	checkVerdict(t, v, VerdictDiscard)

	if len(env.relay.Messages) != 1 {
		t.Fatalf("%d messages relayed, want a fresh challenge", len(env.relay.Messages))
	}
	refs := env.store.Refs["bob@example.org"]
	if len(refs) != 1 || refs[0] == "abad1dea" {
		t.Errorf("refs: %v, want a single fresh reference", refs)
	}
	if act := env.store.Actions["bob@example.org"]; act != store.ActionConfirm {
		t.Errorf("sender action: %v, want confirm", act)
	}
}

func TestUnprotectedRecipientsPass(t *testing.T) {
	env := testEngine(t)
	pol, err := NewRegexpPolicy([]string{`.*@protected\.example`})
	if err != nil {
		t.Fatal(err)
	}
	env.eng.Policy = pol

	v := runMessage(t, env.eng, "stranger@example.com", []string{"open@example.com"},
		header([2]string{"Subject", "hello"}), "body\r\n")
	checkVerdict(t, v, VerdictAccept)

	if len(env.store.Stashed) != 0 || len(env.relay.Messages) != 0 {
		t.Error("mail to unprotected recipients must pass untouched")
	}
}

func TestMixedRecipients(t *testing.T) {
	env := testEngine(t)
	pol, err := NewRegexpPolicy([]string{`.*@protected\.example`})
	if err != nil {
		t.Fatal(err)
	}
	env.eng.Policy = pol

	rcpts := []string{"open@example.com", "team@protected.example"}
	v := runMessage(t, env.eng, "stranger@example.com", rcpts,
		header([2]string{"Subject", "hello"}), "body\r\n")
	checkVerdict(t, v, VerdictDiscard)

	// The whole recipient list is kept for the release, but the
	// challenge speaks for the protected address only.
	if len(env.store.Stashed) != 1 || !reflect.DeepEqual(env.store.Stashed[0].Recipients, rcpts) {
		t.Errorf("stashed: %+v, want all recipients kept", env.store.Stashed)
	}
	if len(env.relay.Messages) != 1 {
		t.Fatalf("%d messages relayed, want the challenge", len(env.relay.Messages))
	}
	body := string(env.relay.Messages[0].Body)
	if !strings.Contains(body, "From: team@protected.example\r\n") {
		t.Errorf("challenge From:\n%s", body)
	}
	if !strings.Contains(body, "writing to team@protected.example") {
		t.Errorf("challenge rendered with unprotected recipients:\n%s", body)
	}
}

func TestStoreDownFailsOpen(t *testing.T) {
	env := testEngine(t)
	env.store.Fail = errors.New("connection refused")

	v := runMessage(t, env.eng, "bob@example.org", []string{"list@example.org"},
		header([2]string{"Subject", "hello"}), "body\r\n")
	checkVerdict(t, v, VerdictAccept)

	if len(env.relay.Messages) != 0 {
		t.Errorf("%d messages relayed with the store down", len(env.relay.Messages))
	}
}

func TestPartialReleaseKeepsRest(t *testing.T) {
	env := testEngine(t)
	env.store.Actions["bob@example.org"] = store.ActionConfirm
	env.store.Refs["bob@example.org"] = []string{"deadbeef"}
	env.store.Stashed = []testutils.StashedMsg{
		{Sender: "bob@example.org", Recipients: []string{"a@example.org"}, Message: []byte("first\r\n")},
		{Sender: "bob@example.org", Recipients: []string{"b@example.org"}, Message: []byte("second\r\n")},
	}
	env.relay.Fail = errors.New("450 try later")
	env.relay.FailAfter = 1

	v := runMessage(t, env.eng, "bob@example.org", []string{"list@example.org"},
		header([2]string{"Subject", " Confirm: ::deadbeef"}), "")

	// The confirmation itself is still fine, the sender can retry.
	checkVerdict(t, v, VerdictAccept)

	if len(env.relay.Messages) != 1 || string(env.relay.Messages[0].Body) != "first\r\n" {
		t.Errorf("relayed: %+v, want just the first message", env.relay.Messages)
	}
	if len(env.store.Stashed) != 1 || string(env.store.Stashed[0].Message) != "second\r\n" {
		t.Errorf("stashed: %+v, want the second message kept", env.store.Stashed)
	}
	if act := env.store.Actions["bob@example.org"]; act != store.ActionConfirm {
		t.Errorf("sender action: %v, want confirm kept for a retry", act)
	}
}

func TestChallengeFailureStillHolds(t *testing.T) {
	env := testEngine(t)
	if err := os.Remove(env.template); err != nil {
		t.Fatal(err)
	}

	v := runMessage(t, env.eng, "bob@example.org", []string{"list@example.org"},
		header([2]string{"Subject", "hello"}), "body\r\n")
	checkVerdict(t, v, VerdictDiscard)

	if len(env.store.Stashed) != 1 {
		t.Errorf("%d messages stashed, want the message held anyway", len(env.store.Stashed))
	}
	if act := env.store.Actions["bob@example.org"]; act != store.ActionConfirm {
		t.Errorf("sender action: %v, want confirm", act)
	}
}

func TestLastSubjectWins(t *testing.T) {
	env := testEngine(t)
	env.store.Actions["bob@example.org"] = store.ActionConfirm
	env.store.Refs["bob@example.org"] = []string{"deadbeef"}
	env.store.Stashed = []testutils.StashedMsg{
		{Sender: "bob@example.org", Recipients: []string{"list@example.org"}, Message: []byte("first\r\n")},
	}

	hdr := header(
		[2]string{"Subject", "Re: whatever"},
		[2]string{"Subject", " Confirm: ::deadbeef"},
	)
	v := runMessage(t, env.eng, "bob@example.org", []string{"list@example.org"}, hdr, "")
	checkVerdict(t, v, VerdictAccept)

	if len(env.relay.Messages) != 1 {
		t.Errorf("%d messages relayed, want the stash released", len(env.relay.Messages))
	}
}

func TestRegexpPolicy(t *testing.T) {
	pol, err := NewRegexpPolicy([]string{`.*@lists\.example`, `board@example\.org`})
	if err != nil {
		t.Fatal(err)
	}

	got := pol.ChallengeRcpts([]string{
		"dev@lists.example",
		"BOARD@EXAMPLE.ORG",
		"bystander@example.com",
		"dev@lists.example.com",
	})
	want := []string{"dev@lists.example", "BOARD@EXAMPLE.ORG"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChallengeRcpts: %v, want %v", got, want)
	}

	if _, err := NewRegexpPolicy([]string{`(`}); err == nil {
		t.Error("expected an error for a broken pattern")
	}
}
