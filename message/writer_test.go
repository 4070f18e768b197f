package message

import (
	"strings"
	"testing"
)

func TestWriter(t *testing.T) {
	check := func(data, exp string) {
		t.Helper()

		b := &strings.Builder{}
		mw := NewWriter(b)
		if _, err := mw.Write([]byte(data)); err != nil {
			t.Fatalf("write for message %q: %s", data, err)
		}
		if b.String() != exp {
			t.Fatalf("got %q, expected %q", b.String(), exp)
		}
		if mw.Size != int64(len(exp)) {
			t.Fatalf("got size %d, expected %d", mw.Size, len(exp))
		}

		// Byte by byte, with a \r at the end of a previous write.
		b = &strings.Builder{}
		mw = NewWriter(b)
		for i := range data {
			if _, err := mw.Write([]byte(data[i : i+1])); err != nil {
				t.Fatalf("write for message %q: %s", data, err)
			}
		}
		if b.String() != exp {
			t.Fatalf("bytewise, got %q, expected %q", b.String(), exp)
		}

		if got := string(NormalizeCRLF([]byte(data))); got != exp {
			t.Fatalf("normalize, got %q, expected %q", got, exp)
		}
	}

	check("", "")
	check("no newline", "no newline")
	check("a\r\nb\r\n", "a\r\nb\r\n")
	check("a\nb\n", "a\r\nb\r\n")
	check("\n\n", "\r\n\r\n")
	check("a\r\n\nb", "a\r\n\r\nb")
	check("a\rb\n", "a\rb\r\n")
}

func TestHas8bit(t *testing.T) {
	b := &strings.Builder{}
	mw := NewWriter(b)
	mw.Write([]byte("ascii\n"))
	if mw.Has8bit {
		t.Fatalf("has8bit for ascii")
	}
	mw.Write([]byte("héllo\n"))
	if !mw.Has8bit {
		t.Fatalf("no has8bit for utf-8")
	}
}

func TestSplitHeader(t *testing.T) {
	check := func(msg, exphdr, expcontent string) {
		t.Helper()
		h, c := SplitHeader([]byte(msg))
		if string(h) != exphdr || string(c) != expcontent {
			t.Fatalf("got %q %q, expected %q %q", h, c, exphdr, expcontent)
		}
	}
	check("Subject: x\r\n\r\nbody\r\n", "Subject: x\r\n\r\n", "body\r\n")
	check("Subject: x\r\n", "Subject: x\r\n", "")
	check("\r\nbody", "\r\n", "body")
	check("", "", "")
}
