package email

import (
	"fmt"
	"strings"

	"github.com/toorop/go-dkim"
)

// DKIMOptions configures signing of built messages. PrivateKey is a
// PEM-encoded RSA key. Headers defaults to the headers the Builder always
// writes.
type DKIMOptions struct {
	Domain     string
	Selector   string
	PrivateKey []byte
	Headers    []string
}

var defaultDKIMHeaders = []string{"from", "to", "subject", "date", "message-id", "mime-version"}

// signDKIM returns raw with a DKIM-Signature header prepended.
func signDKIM(raw []byte, o DKIMOptions) ([]byte, error) {
	so := dkim.NewSigOptions()
	so.PrivateKey = o.PrivateKey
	so.Domain = o.Domain
	so.Selector = o.Selector
	so.Canonicalization = "relaxed/relaxed"
	so.AddSignatureTimestamp = true
	so.Headers = defaultDKIMHeaders
	if len(o.Headers) > 0 {
		so.Headers = make([]string, len(o.Headers))
		for i, h := range o.Headers {
			so.Headers[i] = strings.ToLower(h)
		}
	}

	signed := append([]byte(nil), raw...)
	if err := dkim.Sign(&signed, so); err != nil {
		return nil, fmt.Errorf("can't DKIM-sign the message for %v: %w", o.Domain, err)
	}
	return signed, nil
}
