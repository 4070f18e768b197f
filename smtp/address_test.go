package smtp

import (
	"errors"
	"testing"
)

func TestParseLocalpart(t *testing.T) {
	good := func(s string, exp Localpart) {
		t.Helper()
		lp, err := ParseLocalpart(s)
		if err != nil {
			t.Fatalf("unexpected error for localpart %q: %v", s, err)
		}
		if lp != exp {
			t.Fatalf("localpart %q: got %q, expected %q", s, lp, exp)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseLocalpart(s)
		if err == nil {
			t.Fatalf("did not see expected error for localpart %q", s)
		}
		if !errors.Is(err, ErrBadLocalpart) {
			t.Fatalf("expected ErrBadLocalpart, got %v", err)
		}
	}

	good("user", "user")
	good("a.b.c", "a.b.c")
	good(`""`, "")
	good(`"a b"`, "a b")
	good(`"a\"b"`, `a"b`)
	good("café", "café") // NFC.
	bad("")
	bad("a..b")
	bad(`"`)
	bad("\x00")
	bad("\"\x01\"")
	bad(`""leftover`)
}

func TestParseAddress(t *testing.T) {
	good := func(s, exp string) {
		t.Helper()
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("unexpected error for address %q: %v", s, err)
		}
		if a.String() != exp {
			t.Fatalf("address %q: got %q, expected %q", s, a.String(), exp)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err == nil {
			t.Fatalf("did not see expected error for address %q", s)
		}
		if !errors.Is(err, ErrBadAddress) {
			t.Fatalf("expected ErrBadAddress, got %v", err)
		}
	}

	good("user@example.com", "user@example.com")
	good("user@EXAMPLE.com", "user@example.com")
	good(`"a@b"@example.com`, `"a@b"@example.com`)
	bad("user@@example.com")
	bad("user")
	bad("@example.com")
	bad("user@")
	bad("\x00@example.com")
}

func TestLocalpartString(t *testing.T) {
	var l = []struct {
		input, expect string
	}{
		{``, `""`},
		{`a.`, `"a."`},
		{`a.b`, `a.b`},
		{"azAZ09!#$%&'*+-/=?^_`{|}~", "azAZ09!#$%&'*+-/=?^_`{|}~"},
		{` `, `" "`},
		{`a"b`, `"a\"b"`},
	}
	for _, e := range l {
		r := Localpart(e.input).String()
		if r != e.expect {
			t.Fatalf("string for %q, expect %q, got %q", e.input, e.expect, r)
		}
	}
}

func TestNormalize(t *testing.T) {
	s, err := NormalizeSender("")
	if err != nil || s != "" {
		t.Fatalf("null sender: got %q %v", s, err)
	}
	_, err = NormalizeRecipients(nil)
	if !errors.Is(err, ErrBadAddress) {
		t.Fatalf("no recipients: got %v, expected ErrBadAddress", err)
	}
	l, err := NormalizeRecipients([]string{"X@D.example", "y@d.example"})
	if err != nil {
		t.Fatalf("normalize recipients: %v", err)
	}
	if l[0] != "X@d.example" || l[1] != "y@d.example" {
		t.Fatalf("got %v", l)
	}
}
