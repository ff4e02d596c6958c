package delivery

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a failure recorded in a SendResult.
type ErrorKind int

const (
	// KindRecipientsRefused means the server refused one or more RCPT TO
	// commands. Entries of this kind carry per-recipient detail, except
	// when every recipient was refused.
	KindRecipientsRefused ErrorKind = iota + 1
	// KindSenderRefused means the server refused MAIL FROM, so nobody got
	// the message.
	KindSenderRefused
	// KindProtocolResponse means the server rejected the transmission
	// with some other error response, e.g. to DATA.
	KindProtocolResponse
)

func (k ErrorKind) String() string {
	switch k {
	case KindRecipientsRefused:
		return "recipients refused"
	case KindSenderRefused:
		return "sender refused"
	case KindProtocolResponse:
		return "protocol response error"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// RecipientError is the server's response to one refused recipient.
type RecipientError struct {
	Email   string
	Code    int
	Message string
}

// ReportedError is one failure recorded during a delivery attempt.
type ReportedError struct {
	Kind    ErrorKind
	Code    int // zero for KindRecipientsRefused
	Message string
	// Recipients is only populated for a partial KindRecipientsRefused.
	Recipients []RecipientError
}

func (e ReportedError) Error() string {
	if len(e.PerRecipient()) > 0 {
		s := make([]string, len(e.Recipients))
		for i, r := range e.Recipients {
			s[i] = fmt.Sprintf("%v (%v %v)", r.Email, r.Code, r.Message)
		}
		return fmt.Sprintf("%v: %v", e.Kind, strings.Join(s, ", "))
	}
	if e.Code == 0 {
		return fmt.Sprintf("%v: %v", e.Kind, e.Message)
	}
	return fmt.Sprintf("%v: %v %v", e.Kind, e.Code, e.Message)
}

// PerRecipient returns the per-recipient detail of e, if it has any.
func (e ReportedError) PerRecipient() []RecipientError {
	if e.Kind != KindRecipientsRefused {
		return nil
	}
	return e.Recipients
}

// SendResult describes the outcome of one delivery attempt. Callers need
// to check it even when Send returns a nil error.
type SendResult struct {
	RecipientCount int
	FailedCount    int
	Failures       []ReportedError
}

// AllSucceeded reports whether every recipient was accepted.
func (r SendResult) AllSucceeded() bool {
	return r.FailedCount == 0
}

// AllFailed reports whether no recipient got the message.
func (r SendResult) AllFailed() bool {
	return r.FailedCount == r.RecipientCount
}

// ErrorsByRecipient flattens per-recipient detail from all failures.
// Failures that refer to the whole attempt, e.g. a refused sender or every
// recipient refused, aren't included.
func (r SendResult) ErrorsByRecipient() []RecipientError {
	var l []RecipientError
	for _, f := range r.Failures {
		l = append(l, f.PerRecipient()...)
	}
	return l
}

// ErrorFor returns the first refusal recorded for mailbox. Mailboxes are
// compared case-insensitively.
func (r SendResult) ErrorFor(mailbox string) (RecipientError, bool) {
	for _, e := range r.ErrorsByRecipient() {
		if strings.EqualFold(e.Email, mailbox) {
			return e, true
		}
	}
	return RecipientError{}, false
}
