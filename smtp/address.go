// Package smtp parses and formats the envelope addresses of records in the
// spool, i.e. the sender and recipients as given in SMTP MAIL FROM and RCPT TO.
package smtp

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/spoold/dns"
)

var (
	ErrBadAddress   = errors.New("invalid email address")
	ErrBadLocalpart = errors.New("invalid localpart")
)

// Localpart is a decoded local part of an email address, before the "@". For
// quoted strings, values do not hold the double quote or escaping backslashes.
type Localpart string

func isatext(c rune) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c > 0x7f:
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
}

// String returns the localpart with quoting and escaping as needed for use in
// SMTP.
func (lp Localpart) String() string {
	dotstr := lp != ""
	for _, atom := range strings.Split(string(lp), ".") {
		if atom == "" || strings.IndexFunc(atom, func(c rune) bool { return !isatext(c) }) >= 0 {
			dotstr = false
			break
		}
	}
	if dotstr {
		return string(lp)
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

// ParseLocalpart parses a dot-string or quoted-string localpart. UTF-8 is
// allowed, and normalized to NFC.
func ParseLocalpart(s string) (Localpart, error) {
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: invalid utf-8", ErrBadLocalpart)
	}
	var lp string
	if strings.HasPrefix(s, `"`) {
		var b strings.Builder
		esc := false
		closed := false
		for i, c := range s[1:] {
			if closed {
				return "", fmt.Errorf("%w: data after closing double quote: %q", ErrBadLocalpart, s[1+i:])
			}
			switch {
			case esc:
				if c < ' ' || c == 0x7f {
					return "", fmt.Errorf("%w: bad escaped character %q", ErrBadLocalpart, c)
				}
				b.WriteRune(c)
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				closed = true
			case c < ' ' || c == 0x7f:
				return "", fmt.Errorf("%w: control character %q", ErrBadLocalpart, c)
			default:
				b.WriteRune(c)
			}
		}
		if !closed {
			return "", fmt.Errorf("%w: missing closing double quote", ErrBadLocalpart)
		}
		lp = b.String()
	} else {
		for _, atom := range strings.Split(s, ".") {
			if atom == "" {
				return "", fmt.Errorf("%w: empty atom", ErrBadLocalpart)
			}
			if i := strings.IndexFunc(atom, func(c rune) bool { return !isatext(c) }); i >= 0 {
				return "", fmt.Errorf("%w: invalid character %q", ErrBadLocalpart, atom[i])
			}
		}
		lp = s
	}
	// Some services use long localparts for generated addresses, we allow up to 128.
	if len(lp) > 128 {
		return "", fmt.Errorf("%w: longer than 128 octets", ErrBadLocalpart)
	}
	return Localpart(norm.NFC.String(lp)), nil
}

// Address is a parsed email address.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

// IsZero returns whether this is the empty address, as used for the null
// reverse path of bounce messages.
func (a Address) IsZero() bool {
	return a == Address{}
}

// String returns the address with quoted localpart when needed and unicode
// domain.
func (a Address) String() string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.Name()
}

// Pack returns the address with an ASCII-only domain, unless utf8 is set.
func (a Address) Pack(utf8 bool) string {
	if a.IsZero() {
		return ""
	}
	if utf8 {
		return a.String()
	}
	return a.Localpart.String() + "@" + a.Domain.ASCII
}

// ParseAddress parses an email address. The domain is the part after the last
// "@", the localpart can contain "@" only when quoted.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '@')
	if i < 0 {
		return Address{}, fmt.Errorf("%w: expected @", ErrBadAddress)
	}
	lp, err := ParseLocalpart(s[:i])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrBadAddress, err)
	}
	if lp == "" && !strings.HasPrefix(s, `""`) {
		return Address{}, fmt.Errorf("%w: empty localpart", ErrBadAddress)
	}
	d, err := dns.ParseDomain(s[i+1:])
	if err != nil {
		return Address{}, fmt.Errorf("%w: %w", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

// NormalizeSender checks an envelope sender, returning its canonical form. The
// empty string is the null sender and returned as is.
func NormalizeSender(s string) (string, error) {
	if s == "" {
		return "", nil
	}
	a, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return a.String(), nil
}

// NormalizeRecipients checks a non-empty list of envelope recipients,
// returning their canonical forms in the original order.
func NormalizeRecipients(l []string) ([]string, error) {
	if len(l) == 0 {
		return nil, fmt.Errorf("%w: no recipients", ErrBadAddress)
	}
	r := make([]string, len(l))
	for i, s := range l {
		a, err := ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("recipient %q: %w", s, err)
		}
		r[i] = a.String()
	}
	return r, nil
}
