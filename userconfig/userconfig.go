package userconfig

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/alecthomas/units"
	"github.com/rs/zerolog/log"

	"github.com/ptgott/mailreport/delivery"
	"github.com/ptgott/mailreport/email"
	"github.com/ptgott/mailreport/html"

	yaml "gopkg.in/yaml.v2"
)

// Attachments are capped at 10MiB unless the user says otherwise. Most
// relays refuse messages much larger than that anyway.
const defaultMaxAttachmentSize = 10 * units.MiB

// Meta represents all current config options that the application can use,
// i.e., after validation and parsing
type Meta struct {
	Server  delivery.ServerConfig `yaml:"server"`
	Message Message               `yaml:"message"`
	Limits  Limits                `yaml:"limits"`
	DKIM    *DKIM                 `yaml:"dkim"`
	// IANA zone name for the Date header
	Timezone string `yaml:"timezone"`
}

// Message contains the parts of the outgoing message that don't change
// between runs. Addresses are free-form RFC 5322 strings. Entries of the
// to, cc and bcc lists may each hold several comma-separated addresses.
type Message struct {
	From       string   `yaml:"from"`
	ReturnPath string   `yaml:"returnPath"`
	ReplyTo    string   `yaml:"replyTo"`
	To         []string `yaml:"to"`
	Cc         []string `yaml:"cc"`
	Bcc        []string `yaml:"bcc"`
	Subject    string   `yaml:"subject"`
	MessageID  string   `yaml:"messageID"`
	// "Name: value" strings, written in order
	Headers []string `yaml:"headers"`
	// Paths of files holding the bodies. Either may be overridden on the
	// command line.
	TextFile    string   `yaml:"textFile"`
	HTMLFile    string   `yaml:"htmlFile"`
	Attachments []string `yaml:"attachments"`
	// Render the body files as templates, with Vars available as
	// {{ .Vars.name }}.
	Templates bool              `yaml:"templates"`
	Vars      map[string]string `yaml:"vars"`
}

// CheckAndSetDefaults validates m and either returns a copy of m with default
// settings applied or returns an error due to an invalid configuration
func (m *Message) CheckAndSetDefaults() (Message, error) {
	if m.From == "" && m.ReturnPath == "" {
		return Message{}, errors.New("the message needs a \"from\" or \"returnPath\" address")
	}
	for k, v := range map[string]string{
		"from":       m.From,
		"returnPath": m.ReturnPath,
		"replyTo":    m.ReplyTo,
	} {
		if v == "" {
			continue
		}
		if _, err := email.ParseAddress(v); err != nil {
			return Message{}, fmt.Errorf("can't parse the %v address: %w", k, err)
		}
	}

	rcpts := 0
	for k, l := range map[string][]string{
		"to":  m.To,
		"cc":  m.Cc,
		"bcc": m.Bcc,
	} {
		a, err := parseAddressLists(l)
		if err != nil {
			return Message{}, fmt.Errorf("can't parse the %v addresses: %w", k, err)
		}
		rcpts += len(a)
	}
	if rcpts == 0 {
		return Message{}, errors.New("the message needs at least one to, cc or bcc address")
	}

	if _, err := email.ParseSpecHeaders(m.Headers); err != nil {
		return Message{}, err
	}

	if m.TextFile == "" && m.HTMLFile == "" {
		return Message{}, errors.New("must supply a text body, an HTML body, or both")
	}

	return *m, nil
}

// Limits bounds what the user can make us send.
type Limits struct {
	MaxAttachmentSize units.Base2Bytes
}

// UnmarshalYAML parses a user-provided YAML configuration, returning any
// parsing errors.
func (l *Limits) UnmarshalYAML(unmarshal func(interface{}) error) error {
	v := make(map[string]string)
	err := unmarshal(&v)

	if err != nil {
		return fmt.Errorf("can't parse the limits config: %v", err)
	}

	s, ok := v["maxAttachmentSize"]
	if !ok {
		return nil
	}

	b, err := units.ParseBase2Bytes(s)
	if err != nil {
		return fmt.Errorf(
			"can't parse the maximum attachment size %q, e.g. use 10MiB: %v",
			s,
			err,
		)
	}

	l.MaxAttachmentSize = b
	return nil
}

// CheckAndSetDefaults validates l and either returns a copy of l with default
// settings applied or returns an error due to an invalid configuration
func (l *Limits) CheckAndSetDefaults() (Limits, error) {
	n := *l
	if n.MaxAttachmentSize < 0 {
		return Limits{}, errors.New("the maximum attachment size can't be negative")
	}
	if n.MaxAttachmentSize == 0 {
		n.MaxAttachmentSize = defaultMaxAttachmentSize
	}
	return n, nil
}

// DKIM enables signing of outgoing messages.
type DKIM struct {
	Domain         string   `yaml:"domain"`
	Selector       string   `yaml:"selector"`
	PrivateKeyPath string   `yaml:"privateKeyPath"`
	Headers        []string `yaml:"headers"`
}

// CheckAndSetDefaults validates d and either returns a copy of d with default
// settings applied or returns an error due to an invalid configuration
func (d *DKIM) CheckAndSetDefaults() (DKIM, error) {
	if d.Domain == "" || d.Selector == "" {
		return DKIM{}, errors.New("DKIM signing needs both a domain and a selector")
	}
	if d.PrivateKeyPath == "" {
		return DKIM{}, errors.New("DKIM signing needs a privateKeyPath")
	}
	return *d, nil
}

// CheckAndSetDefaults validates m and either returns a copy of m with default
// settings applied or returns an error due to an invalid configuration
func (m *Meta) CheckAndSetDefaults() (Meta, error) {
	c := Meta{}

	s, err := m.Server.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Server = s

	msg, err := m.Message.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Message = msg

	l, err := m.Limits.CheckAndSetDefaults()
	if err != nil {
		return Meta{}, err
	}
	c.Limits = l

	if m.DKIM != nil {
		d, err := m.DKIM.CheckAndSetDefaults()
		if err != nil {
			return Meta{}, err
		}
		c.DKIM = &d
	}

	c.Timezone = m.Timezone
	if c.Timezone == "" {
		c.Timezone = email.DefaultTimezone
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return Meta{}, fmt.Errorf("unknown timezone %q: %w", c.Timezone, err)
	}

	return c, nil
}

// MessageSpec reads the body files named in the config and returns the
// message to build. m should have been through CheckAndSetDefaults.
func (m *Meta) MessageSpec() (email.MessageSpec, error) {
	var s email.MessageSpec
	var err error

	if m.Message.From != "" {
		a, err := email.ParseAddress(m.Message.From)
		if err != nil {
			return email.MessageSpec{}, err
		}
		s.From = &a
	}
	if m.Message.ReplyTo != "" {
		a, err := email.ParseAddress(m.Message.ReplyTo)
		if err != nil {
			return email.MessageSpec{}, err
		}
		s.ReplyTo = &a
	}
	if m.Message.ReturnPath != "" {
		if s.ReturnPath, err = email.ParseAddress(m.Message.ReturnPath); err != nil {
			return email.MessageSpec{}, err
		}
	}
	if s.To, err = parseAddressLists(m.Message.To); err != nil {
		return email.MessageSpec{}, err
	}
	if s.Cc, err = parseAddressLists(m.Message.Cc); err != nil {
		return email.MessageSpec{}, err
	}
	if s.Bcc, err = parseAddressLists(m.Message.Bcc); err != nil {
		return email.MessageSpec{}, err
	}
	if s.ExtraHeaders, err = email.ParseSpecHeaders(m.Message.Headers); err != nil {
		return email.MessageSpec{}, err
	}

	if s.TextBody, err = readBody(m.Message.TextFile); err != nil {
		return email.MessageSpec{}, err
	}
	if s.HTMLBody, err = readBody(m.Message.HTMLFile); err != nil {
		return email.MessageSpec{}, err
	}
	if m.Message.Templates {
		if err := m.renderBodies(&s); err != nil {
			return email.MessageSpec{}, err
		}
	}

	s.Subject = m.Message.Subject
	s.MessageID = m.Message.MessageID
	s.Attachments = m.Message.Attachments
	return s, nil
}

func (m *Meta) renderBodies(s *email.MessageSpec) error {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return fmt.Errorf("unknown timezone %q: %w", m.Timezone, err)
	}
	d := html.ReportData{
		Subject: m.Message.Subject,
		Date:    time.Now().In(loc),
		Vars:    m.Message.Vars,
	}
	if s.TextBody != nil {
		t, err := html.RenderText(*s.TextBody, d)
		if err != nil {
			return fmt.Errorf("can't render %v: %w", m.Message.TextFile, err)
		}
		s.TextBody = &t
	}
	if s.HTMLBody != nil {
		h, err := html.RenderHTML(*s.HTMLBody, d)
		if err != nil {
			return fmt.Errorf("can't render %v: %w", m.Message.HTMLFile, err)
		}
		s.HTMLBody = &h
	}
	return nil
}

// BuilderOptions translates the limits, timezone and DKIM settings into
// options for email.NewBuilder.
func (m *Meta) BuilderOptions() ([]email.BuilderOption, error) {
	loc, err := time.LoadLocation(m.Timezone)
	if err != nil {
		return nil, fmt.Errorf("unknown timezone %q: %w", m.Timezone, err)
	}
	opts := []email.BuilderOption{
		email.WithLocation(loc),
		email.WithMaxAttachmentSize(int64(m.Limits.MaxAttachmentSize)),
	}

	if m.DKIM != nil {
		k, err := os.ReadFile(m.DKIM.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("can't read the DKIM private key: %w", err)
		}
		opts = append(opts, email.WithDKIM(email.DKIMOptions{
			Domain:     m.DKIM.Domain,
			Selector:   m.DKIM.Selector,
			PrivateKey: k,
			Headers:    m.DKIM.Headers,
		}))
	}
	return opts, nil
}

// Parse generates usable configurations from possibly arbitrary user input.
// An error indicates a problem with parsing. Validation happens in
// CheckAndSetDefaults.
func Parse(r io.Reader) (*Meta, error) {
	var m Meta
	err := yaml.NewDecoder(r).Decode(&m)
	if err != nil {
		return &Meta{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}

	if m.Server == (delivery.ServerConfig{}) {
		return &Meta{}, errors.New("must include a \"server\" section")
	}

	if m.Message.From == "" && m.Message.ReturnPath == "" {
		return &Meta{}, errors.New("must include a \"message\" section with a sender")
	}

	if m.DKIM == nil {
		log.Debug().Msg(
			"DKIM signing is disabled",
		)
	}

	return &m, nil

}

func parseAddressLists(l []string) ([]email.Address, error) {
	var r []email.Address
	for _, s := range l {
		a, err := email.ParseAddressList(s)
		if err != nil {
			return nil, err
		}
		r = append(r, a...)
	}
	return r, nil
}

func readBody(path string) (*string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read the message body: %w", err)
	}
	s := string(b)
	return &s, nil
}
