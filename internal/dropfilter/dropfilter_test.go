package dropfilter

import (
	"testing"

	"github.com/emersion/go-message/textproto"
)

func defaultFilter(t *testing.T) *Filter {
	t.Helper()

	f, err := New(DefaultBulkPattern, DefaultAutoSubmittedPattern)
	if err != nil {
		t.Fatal("compile defaults:", err)
	}
	return f
}

func header(fields ...[2]string) textproto.Header {
	hdr := textproto.Header{}
	for i := len(fields) - 1; i >= 0; i-- {
		hdr.Add(fields[i][0], fields[i][1])
	}
	return hdr
}

func TestDrop_Precedence(t *testing.T) {
	f := defaultFilter(t)

	test := func(value string, want bool) {
		t.Helper()
		if got := f.Drop(header([2]string{"Precedence", value})); got != want {
			t.Errorf("Precedence: %q: want drop=%v, got %v", value, want, got)
		}
	}

	test("bulk", true)
	test("Bulk", true)
	test("list", true)
	test("junk", true)
	test("auto_reply", true)
	test(" bulk ", true)
	// The expression is searched, not anchored.
	test("bulk mail", true)
	test("first-class", false)
	test("", false)
}

func TestDrop_AutoSubmitted(t *testing.T) {
	f := defaultFilter(t)

	test := func(value string, want bool) {
		t.Helper()
		if got := f.Drop(header([2]string{"Auto-Submitted", value})); got != want {
			t.Errorf("Auto-Submitted: %q: want drop=%v, got %v", value, want, got)
		}
	}

	test("auto-replied", true)
	test("auto-generated", true)
	test("AUTO-REPLIED", true)
	test("  auto-replied", true)
	test("no", false)
	// Anchored: "auto-" must start the value.
	test("not-auto-generated", false)
}

func TestDrop_FieldNameCase(t *testing.T) {
	f := defaultFilter(t)

	if !f.Drop(header([2]string{"PRECEDENCE", "bulk"})) {
		t.Error("field name matching is case-sensitive")
	}
	if !f.Drop(header([2]string{"auto-submitted", "auto-replied"})) {
		t.Error("field name matching is case-sensitive")
	}
}

func TestDrop_AnyInstance(t *testing.T) {
	f := defaultFilter(t)

	hdr := header(
		[2]string{"Precedence", "first-class"},
		[2]string{"Precedence", "bulk"},
	)
	if !f.Drop(hdr) {
		t.Error("second header instance not checked")
	}
}

func TestDrop_UnrelatedHeaders(t *testing.T) {
	f := defaultFilter(t)

	hdr := header(
		[2]string{"From", "bob@example.org"},
		[2]string{"Subject", "bulk discounts on lists"},
	)
	if f.Drop(hdr) {
		t.Error("dropped on unrelated headers")
	}

	// Adding headers can only add reasons to drop, never remove them.
	hdr.Add("Precedence", "junk")
	if !f.Drop(hdr) {
		t.Error("drop lost after adding a matching header")
	}
	hdr.Add("X-Extra", "anything")
	if !f.Drop(hdr) {
		t.Error("drop lost after adding an unrelated header")
	}
}

func TestDrop_CustomPatterns(t *testing.T) {
	f, err := New(`(bulk|newsletter)`, `^(auto-|vacation)`)
	if err != nil {
		t.Fatal("compile custom:", err)
	}

	if !f.Drop(header([2]string{"Precedence", "newsletter"})) {
		t.Error("custom bulk pattern ignored")
	}
	if !f.Drop(header([2]string{"Auto-Submitted", "vacation"})) {
		t.Error("custom auto-submitted pattern ignored")
	}
	if f.Drop(header([2]string{"Precedence", "junk"})) {
		t.Error("default pattern still active after override")
	}
}

func TestNew_BadPattern(t *testing.T) {
	if _, err := New(`(unclosed`, DefaultAutoSubmittedPattern); err == nil {
		t.Error("bad bulk pattern accepted")
	}
	if _, err := New(DefaultBulkPattern, `[z-a]`); err == nil {
		t.Error("bad auto-submitted pattern accepted")
	}
}
