package smtptest

import (
	"net/mail"
	"strings"
)

// ParseEmail reads a message body as stored by the test server so tests
// can look at its headers.
func ParseEmail(body string) (*mail.Message, error) {
	return mail.ReadMessage(strings.NewReader(body))
}
