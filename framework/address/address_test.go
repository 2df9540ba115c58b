package address

import (
	"testing"
)

func TestStrip(t *testing.T) {
	test := func(in, wantOut string) {
		t.Helper()

		out := Strip(in)
		if out != wantOut {
			t.Errorf("Strip(%q): want %q, got %q", in, wantOut, out)
		}
	}

	test("box@example.org", "box@example.org")
	test("  box@example.org\t", "box@example.org")
	test("<box@example.org>", "box@example.org")
	test("Some Body <box@example.org>", "box@example.org")
	test("\"Body, Some\" <box@example.org>", "box@example.org")
	test("<>", "")
	test("", "")
	test("MAILER-DAEMON", "MAILER-DAEMON")
	test("Mixed <Case@Example.ORG>", "Case@Example.ORG")
}

func TestSplit(t *testing.T) {
	test := func(addr, wantMbox, wantDomain string, fail bool) {
		t.Helper()

		mbox, domain, err := Split(addr)
		if err != nil && !fail {
			t.Errorf("Split(%q): unexpected error: %v", addr, err)
			return
		}
		if err == nil && fail {
			t.Errorf("Split(%q): expected failure, got none", addr)
			return
		}
		if mbox != wantMbox || domain != wantDomain {
			t.Errorf("Split(%q): want (%q, %q), got (%q, %q)", addr, wantMbox, wantDomain, mbox, domain)
		}
	}

	test("box@example.org", "box", "example.org", false)
	test("box@foo@example.org", "box@foo", "example.org", false)
	test("postmaster", "postmaster", "", false)
	test("POSTMASTER", "POSTMASTER", "", false)
	test("box@", "", "", true)
	test("@example.org", "", "", true)
	test("box", "", "", true)
}
