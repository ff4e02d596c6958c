package email

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"time"
	_ "time/tzdata" // Date headers use a fixed zone regardless of the host's zoneinfo
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultTimezone is the zone Date headers are expressed in unless the
// Builder is told otherwise.
const DefaultTimezone = "Europe/Berlin"

// RFC 2045 limits encoded lines to 76 characters
const base64LineLen = 76

const utf8Charset = "utf-8"

// RFC 5322 section 2.1.1: lines SHOULD be at most 78 characters and MUST
// be at most 998, excluding CRLF.
const (
	foldLineLen    = 78
	maxHeaderLine  = 998
	maxEncodedWord = 75 // RFC 2047 section 2
)

// Header is a single caller-supplied header. MessageSpec keeps these in a
// slice so they are written in the order the caller gave them.
type Header struct {
	Name  string
	Value string
}

// MessageSpec is the logical email to build. At least one of TextBody and
// HTMLBody must be non-nil, and at least one of From and ReturnPath must be
// set.
type MessageSpec struct {
	// From is the address shown to readers. If nil, ReturnPath is used.
	From *Address
	// ReturnPath is the envelope sender used in MAIL FROM. If zero, From
	// is used.
	ReturnPath Address
	ReplyTo    *Address

	To  []Address
	Cc  []Address
	Bcc []Address // never written to a header

	Subject  string
	TextBody *string
	HTMLBody *string

	// Attachments are file paths, read when the message is built.
	Attachments []string

	// MessageID overrides the generated Message-ID header.
	MessageID    string
	ExtraHeaders []Header
}

// Recipients returns the SMTP recipient set: To, then Cc, then Bcc.
func (s *MessageSpec) Recipients() []Address {
	r := make([]Address, 0, len(s.To)+len(s.Cc)+len(s.Bcc))
	r = append(r, s.To...)
	r = append(r, s.Cc...)
	return append(r, s.Bcc...)
}

// Sender returns the envelope sender. The return path wins when both it
// and From are set.
func (s *MessageSpec) Sender() Address {
	if !s.ReturnPath.IsZero() {
		return s.ReturnPath
	}
	if s.From != nil {
		return *s.From
	}
	return Address{}
}

// BuiltMessage is a serialized RFC 5322 message along with the envelope
// it should be sent with. It is not modified after Build returns.
type BuiltMessage struct {
	Sender     Address
	Recipients []Address
	MessageID  string

	raw []byte
}

// Bytes returns a copy of the serialized message.
func (m *BuiltMessage) Bytes() []byte {
	return append([]byte(nil), m.raw...)
}

// String returns the serialized message.
func (m *BuiltMessage) String() string {
	return string(m.raw)
}

// Builder turns MessageSpecs into BuiltMessages. Create one with
// NewBuilder. A Builder holds no per-message state, so it can be shared.
type Builder struct {
	logger            zerolog.Logger
	location          *time.Location
	now               func() time.Time
	maxAttachmentSize int64
	dkim              *DKIMOptions
}

// BuilderOption configures a Builder.
type BuilderOption func(*Builder)

// WithLocation sets the zone used for the Date header.
func WithLocation(loc *time.Location) BuilderOption {
	return func(b *Builder) {
		b.location = loc
	}
}

// WithClock replaces time.Now. Used for testing.
func WithClock(now func() time.Time) BuilderOption {
	return func(b *Builder) {
		b.now = now
	}
}

// WithMaxAttachmentSize rejects attachments larger than n bytes. Zero
// means no limit.
func WithMaxAttachmentSize(n int64) BuilderOption {
	return func(b *Builder) {
		b.maxAttachmentSize = n
	}
}

// WithDKIM signs every built message with o.
func WithDKIM(o DKIMOptions) BuilderOption {
	return func(b *Builder) {
		b.dkim = &o
	}
}

// NewBuilder returns a Builder that logs to logger.
func NewBuilder(logger zerolog.Logger, opts ...BuilderOption) *Builder {
	// Not handling the error since the zone is embedded via time/tzdata
	loc, _ := time.LoadLocation(DefaultTimezone)
	b := &Builder{
		logger:   logger,
		location: loc,
		now:      time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

type attachment struct {
	name string
	data []byte
}

// Build serializes spec. ErrMissingBody, ErrMissingSender and ErrLineBreak
// are returned before any file is touched. A file that can't be read results in an
// *AttachmentReadError.
func (b *Builder) Build(spec MessageSpec) (*BuiltMessage, error) {
	if spec.TextBody == nil && spec.HTMLBody == nil {
		return nil, ErrMissingBody
	}
	if spec.Sender().IsZero() {
		return nil, ErrMissingSender
	}
	if err := checkLineBreaks(spec); err != nil {
		return nil, err
	}
	for _, h := range spec.ExtraHeaders {
		if !validHeaderName(h.Name) {
			return nil, fmt.Errorf("invalid header name %q", h.Name)
		}
	}

	atts, err := b.readAttachments(spec.Attachments)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	hw := headerWriter{w: &buf}

	// Each of From, Reply-To and Return-Path replaces the domain we use
	// for a generated Message-ID, so the last one present wins.
	from := spec.ReturnPath
	if spec.From != nil && !spec.From.IsZero() {
		from = *spec.From
	}
	hw.set("From", from.String())
	domain := from.Domain()
	if spec.ReplyTo != nil && !spec.ReplyTo.IsZero() {
		hw.set("Reply-To", spec.ReplyTo.String())
		domain = spec.ReplyTo.Domain()
	}
	if !spec.ReturnPath.IsZero() {
		hw.set("Return-Path", spec.ReturnPath.String())
		domain = spec.ReturnPath.Domain()
	}

	msgID := spec.MessageID
	if msgID == "" {
		if domain == "" {
			domain = "localhost"
		}
		msgID = fmt.Sprintf("<%v@%v>", uuid.NewString(), domain)
	}
	hw.set("Message-ID", msgID)
	b.logger.Debug().Str("messageID", msgID).Msg("set the message ID")

	hw.set("To", joinAddresses(spec.To))
	hw.set("Date", b.now().In(b.location).Format(time.RFC1123Z))
	hw.set("Subject", encodeText("Subject", spec.Subject))
	for _, h := range spec.ExtraHeaders {
		hw.set(h.Name, encodeText(h.Name, h.Value))
	}
	if len(spec.Cc) > 0 {
		hw.set("Cc", joinAddresses(spec.Cc))
	}
	hw.set("MIME-Version", "1.0")

	partCount := len(atts)
	if partCount > 0 {
		partCount = 1
	}
	if spec.TextBody != nil {
		partCount++
	}
	if spec.HTMLBody != nil {
		partCount++
	}

	if partCount == 1 {
		err = writeSinglePart(&hw, &buf, spec)
	} else {
		err = writeMultipart(&hw, &buf, spec, atts)
	}
	if hw.err != nil {
		return nil, hw.err
	}
	if err != nil {
		return nil, fmt.Errorf("can't write the message body: %w", err)
	}

	raw := buf.Bytes()
	if b.dkim != nil {
		raw, err = signDKIM(raw, *b.dkim)
		if err != nil {
			return nil, err
		}
	}

	m := &BuiltMessage{
		Sender:     spec.Sender(),
		Recipients: spec.Recipients(),
		MessageID:  msgID,
		raw:        raw,
	}

	b.logger.Debug().
		Str("from", from.String()).
		Str("sender", m.Sender.Mailbox).
		Int("recipients", len(m.Recipients)).
		Int("parts", partCount).
		Int("attachments", len(atts)).
		Int("size", len(raw)).
		Msg("built a message")

	return m, nil
}

func (b *Builder) readAttachments(paths []string) ([]attachment, error) {
	atts := make([]attachment, 0, len(paths))
	for _, p := range paths {
		if b.maxAttachmentSize > 0 {
			fi, err := os.Stat(p)
			if err != nil {
				return nil, &AttachmentReadError{Path: p, Err: err}
			}
			if fi.Size() > b.maxAttachmentSize {
				return nil, &AttachmentReadError{
					Path: p,
					Err:  fmt.Errorf("%w of %v bytes", ErrAttachmentTooLarge, b.maxAttachmentSize),
				}
			}
		}
		d, err := os.ReadFile(p)
		if err != nil {
			return nil, &AttachmentReadError{Path: p, Err: err}
		}
		atts = append(atts, attachment{
			name: filepath.Base(p),
			data: d,
		})
	}
	return atts, nil
}

func writeSinglePart(hw *headerWriter, w io.Writer, spec MessageSpec) error {
	ct, body := "text/plain", spec.TextBody
	if spec.HTMLBody != nil {
		ct, body = "text/html", spec.HTMLBody
	}
	hw.set("Content-Type", mime.FormatMediaType(ct, map[string]string{"charset": utf8Charset}))
	hw.set("Content-Transfer-Encoding", "quoted-printable")
	hw.end()
	return writeQuotedPrintable(w, *body)
}

func writeMultipart(hw *headerWriter, w io.Writer, spec MessageSpec, atts []attachment) error {
	mw := multipart.NewWriter(w)
	hw.set("Content-Type", mime.FormatMediaType("multipart/mixed", map[string]string{"boundary": mw.Boundary()}))
	hw.end()

	switch {
	case spec.TextBody != nil && spec.HTMLBody != nil:
		// Alternatives go from least to most preferred.
		var alt bytes.Buffer
		aw := multipart.NewWriter(&alt)
		if err := writeTextPart(aw, "text/plain", *spec.TextBody); err != nil {
			return err
		}
		if err := writeTextPart(aw, "text/html", *spec.HTMLBody); err != nil {
			return err
		}
		if err := aw.Close(); err != nil {
			return err
		}
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", mime.FormatMediaType("multipart/alternative", map[string]string{"boundary": aw.Boundary()}))
		pw, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if _, err := pw.Write(alt.Bytes()); err != nil {
			return err
		}
	case spec.TextBody != nil:
		if err := writeTextPart(mw, "text/plain", *spec.TextBody); err != nil {
			return err
		}
	default:
		if err := writeTextPart(mw, "text/html", *spec.HTMLBody); err != nil {
			return err
		}
	}

	for _, a := range atts {
		h := textproto.MIMEHeader{}
		h.Set("Content-Type", "application/octet-stream")
		h.Set("Content-Transfer-Encoding", "base64")
		h.Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": a.name}))
		pw, err := mw.CreatePart(h)
		if err != nil {
			return err
		}
		if err := writeBase64(pw, a.data); err != nil {
			return err
		}
	}

	return mw.Close()
}

func writeTextPart(mw *multipart.Writer, ct string, body string) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", mime.FormatMediaType(ct, map[string]string{"charset": utf8Charset}))
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	return writeQuotedPrintable(pw, body)
}

func writeQuotedPrintable(w io.Writer, body string) error {
	qw := quotedprintable.NewWriter(w)
	if _, err := qw.Write([]byte(body)); err != nil {
		return err
	}
	if err := qw.Close(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > base64LineLen {
		if _, err := io.WriteString(w, enc[:base64LineLen]+"\r\n"); err != nil {
			return err
		}
		enc = enc[base64LineLen:]
	}
	_, err := io.WriteString(w, enc+"\r\n")
	return err
}

// encodeText prepares v for the unstructured header name. It is Q-encoded
// as UTF-8 if it contains anything other than printable ASCII, including CR
// and LF. A run without spaces that couldn't fit on one line even after
// folding is B-encoded in pieces instead, since encoded words can be split
// by whitespace without changing the decoded value.
func encodeText(name, v string) string {
	if e := mime.QEncoding.Encode(utf8Charset, v); e != v {
		return e
	}
	for _, w := range strings.Split(v, " ") {
		if len(name)+2+len(w) > maxHeaderLine {
			return splitEncode(v)
		}
	}
	return v
}

// splitEncode B-encodes v as a series of encoded words, never splitting a
// UTF-8 sequence.
func splitEncode(v string) string {
	const prefix, suffix = "=?" + utf8Charset + "?b?", "?="
	chunk := base64.StdEncoding.DecodedLen(maxEncodedWord - len(prefix) - len(suffix))

	var words []string
	for len(v) > 0 {
		n := len(v)
		if n > chunk {
			n = chunk
			for n > 0 && !utf8.RuneStart(v[n]) {
				n--
			}
		}
		words = append(words, prefix+base64.StdEncoding.EncodeToString([]byte(v[:n]))+suffix)
		v = v[n:]
	}
	return strings.Join(words, " ")
}

// checkLineBreaks rejects values that are written into the header block as
// is, where a CR or LF would start a new header.
func checkLineBreaks(spec MessageSpec) error {
	if strings.ContainsAny(spec.MessageID, "\r\n") {
		return fmt.Errorf("%w: message ID %q", ErrLineBreak, spec.MessageID)
	}
	addrs := []Address{spec.ReturnPath}
	addrs = append(addrs, spec.Recipients()...)
	for _, a := range []*Address{spec.From, spec.ReplyTo} {
		if a != nil {
			addrs = append(addrs, *a)
		}
	}
	for _, a := range addrs {
		if strings.ContainsAny(a.Mailbox, "\r\n") {
			return fmt.Errorf("%w: address %q", ErrLineBreak, a.Mailbox)
		}
	}
	return nil
}

func validHeaderName(n string) bool {
	if n == "" {
		return false
	}
	for _, c := range n {
		if c <= ' ' || c > '~' || c == ':' {
			return false
		}
	}
	return true
}

// headerWriter writes "Name: value" lines and remembers the first error
// so callers can check once.
type headerWriter struct {
	w   io.Writer
	err error
}

// set writes the header, folding at spaces to keep lines within
// foldLineLen where the value allows it. Trailing spaces are dropped.
func (hw *headerWriter) set(name, value string) {
	if hw.err != nil {
		return
	}
	var b strings.Builder
	b.WriteString(name)
	b.WriteString(":")
	n := len(name) + 1
	v := " " + strings.TrimRight(value, " ")
	for len(v) > 0 {
		// Each piece is a run of spaces and the word after it, so a
		// continuation line is never blank.
		i := len(v) - len(strings.TrimLeft(v, " "))
		if j := strings.IndexByte(v[i:], ' '); j >= 0 {
			i += j
		} else {
			i = len(v)
		}
		if n+i > foldLineLen {
			b.WriteString("\r\n")
			n = 0
		}
		b.WriteString(v[:i])
		n += i
		v = v[i:]
	}
	b.WriteString("\r\n")
	_, hw.err = io.WriteString(hw.w, b.String())
}

// end writes the blank line separating headers from the body.
func (hw *headerWriter) end() {
	if hw.err != nil {
		return
	}
	_, hw.err = io.WriteString(hw.w, "\r\n")
}

// ParseSpecHeaders splits "Name: value" strings, e.g. from a command line,
// into Headers.
func ParseSpecHeaders(l []string) ([]Header, error) {
	r := make([]Header, 0, len(l))
	for _, s := range l {
		n, v, ok := strings.Cut(s, ":")
		if !ok || !validHeaderName(strings.TrimSpace(n)) {
			return nil, fmt.Errorf("invalid header %q: expecting \"Name: value\"", s)
		}
		r = append(r, Header{Name: strings.TrimSpace(n), Value: strings.TrimSpace(v)})
	}
	return r, nil
}
