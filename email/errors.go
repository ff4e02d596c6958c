package email

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingBody means a MessageSpec has neither a text nor an HTML
	// body.
	ErrMissingBody = errors.New("either a text or an HTML body is required")
	// ErrMissingSender means a MessageSpec has neither a From nor a
	// Return-Path address.
	ErrMissingSender = errors.New("either a from or a return path address is required")
	// ErrAttachmentTooLarge is wrapped by an AttachmentReadError when a file
	// exceeds the builder's size limit.
	ErrAttachmentTooLarge = errors.New("attachment exceeds the size limit")
	// ErrLineBreak means a Message-ID or address contains a CR or LF, which
	// would end its header early.
	ErrLineBreak = errors.New("header value contains a line break")
)

// AttachmentReadError is returned by Build when an attachment can't be
// read. Nothing is built, so nothing is sent.
type AttachmentReadError struct {
	Path string
	Err  error
}

func (e *AttachmentReadError) Error() string {
	return fmt.Sprintf("can't read attachment %v: %v", e.Path, e.Err)
}

func (e *AttachmentReadError) Unwrap() error {
	return e.Err
}
