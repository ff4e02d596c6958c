package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidAddress is returned when a string can't be split into a
// mailbox and an optional display name.
var ErrInvalidAddress = errors.New("invalid email address")

// Address is a mailbox plus an optional display name. Construct one
// directly or with ParseAddress.
type Address struct {
	Mailbox string
	Name    string
}

// ParseAddress splits s, e.g. `"Jane Doe" <jane@example.com>`, into a
// display name and a mailbox.
func ParseAddress(s string) (Address, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return Address{}, fmt.Errorf("%w %q: %v", ErrInvalidAddress, s, err)
	}
	if a.Address == "" {
		return Address{}, fmt.Errorf("%w %q: empty mailbox", ErrInvalidAddress, s)
	}
	return Address{Mailbox: a.Address, Name: a.Name}, nil
}

// ParseAddressList parses a comma-separated list of addresses. An empty
// string is an empty list.
func ParseAddressList(s string) ([]Address, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	l, err := mail.ParseAddressList(s)
	if err != nil {
		return nil, fmt.Errorf("%w list %q: %v", ErrInvalidAddress, s, err)
	}
	r := make([]Address, len(l))
	for i, a := range l {
		r[i] = Address{Mailbox: a.Address, Name: a.Name}
	}
	return r, nil
}

// MustParseAddress is like ParseAddress but panics on error. Meant for
// constants and tests.
func MustParseAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// IsZero reports whether a has no mailbox.
func (a Address) IsZero() bool {
	return a.Mailbox == ""
}

// String formats a for use in a header. Display names with non-ASCII
// characters are RFC 2047 Q-encoded. An address without a display name is
// just the mailbox.
func (a Address) String() string {
	if a.Name == "" {
		return a.Mailbox
	}
	return (&mail.Address{Name: a.Name, Address: a.Mailbox}).String()
}

// Domain returns everything after the last "@" in the mailbox, or an
// empty string if there is none.
func (a Address) Domain() string {
	i := strings.LastIndex(a.Mailbox, "@")
	if i < 0 {
		return ""
	}
	return a.Mailbox[i+1:]
}

// EnvelopeAddr returns the mailbox as it should appear in MAIL FROM and
// RCPT TO, with an internationalized domain converted to punycode. If the
// conversion fails we keep the domain as is and let the server decide.
func (a Address) EnvelopeAddr() string {
	i := strings.LastIndex(a.Mailbox, "@")
	if i < 0 {
		return a.Mailbox
	}
	d, err := idna.ToASCII(a.Mailbox[i+1:])
	if err != nil {
		return a.Mailbox
	}
	return a.Mailbox[:i+1] + d
}

func joinAddresses(l []Address) string {
	s := make([]string, len(l))
	for i, a := range l {
		s[i] = a.String()
	}
	return strings.Join(s, ", ")
}
