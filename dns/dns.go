// Package dns parses and canonicalizes internationalized domain names (IDNA),
// as used in the domains of sender and recipient addresses.
package dns

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

var (
	errTrailingDot = errors.New("dns name has trailing dot")
	errEmpty       = errors.New("empty dns name")
)

// Domain is a domain name with an ASCII representation, and for IDNA
// non-ASCII domains also a unicode representation.
type Domain struct {
	// Lower case, with A-labels (xn--...) for non-ASCII labels.
	ASCII string

	// Name as U-labels. Empty if this is an ASCII-only domain.
	Unicode string
}

// Name returns the unicode name if set, otherwise the ASCII name.
func (d Domain) Name() string {
	if d.Unicode != "" {
		return d.Unicode
	}
	return d.ASCII
}

// String returns a human-readable string, with both the unicode and ASCII name
// for IDNA names.
func (d Domain) String() string {
	if d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode + "/" + d.ASCII
}

// IsZero returns if this is an empty Domain.
func (d Domain) IsZero() bool {
	return d == Domain{}
}

// ParseDomain parses a domain name that can consist of ASCII-only labels or U
// labels (unicode). Names are IDN-canonicalized and lower-cased, so parsed
// names can be compared directly.
func ParseDomain(s string) (Domain, error) {
	if s == "" {
		return Domain{}, errEmpty
	}
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to ascii: %w", err)
	}
	unicode, err := idna.Lookup.ToUnicode(s)
	if err != nil {
		return Domain{}, fmt.Errorf("to unicode: %w", err)
	}
	if ascii == unicode {
		return Domain{ascii, ""}, nil
	}
	return Domain{ascii, unicode}, nil
}
