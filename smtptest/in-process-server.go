package smtptest

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/emersion/go-smtp"
)

// messageData includes the envelope, body content and created timestamp
// for an email message, allowing us to inspect message bodies before/after
// a timestamp for correctness.
type messageData struct {
	created time.Time
	Envelope
}

// Envelope is one message as the server received it.
type Envelope struct {
	From string
	To   []string
	Body string
}

// Backend implements smtp.Backend. It's a thin authentication wrapper
// for an InMemoryEmailStore.
type Backend struct {
	*InMemoryEmailStore
	username string
	password string
}

// Login implements smtp.Backend. If the server was created without
// credentials, any non-empty username/password is fine, since we don't want
// to couple this with specific test configurations.
func (be *Backend) Login(_ *smtp.ConnectionState, username string, password string) (smtp.Session, error) {
	if username == "" || password == "" {
		return nil, errors.New("no username or password provided")
	}
	if be.username != "" && (username != be.username || password != be.password) {
		return nil, &smtp.SMTPError{
			Code:         535,
			EnhancedCode: smtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication credentials invalid",
		}
	}
	return be.newSession(), nil
}

// AnonymousLogin implements smtp.Backend. Only allowed when the server
// wasn't given credentials.
func (be *Backend) AnonymousLogin(_ *smtp.ConnectionState) (smtp.Session, error) {
	if be.username != "" {
		return nil, smtp.ErrAuthRequired
	}
	return be.newSession(), nil
}

func (be *Backend) newSession() *session {
	return &session{store: be.InMemoryEmailStore}
}

// session implements smtp.Session for a single connection, collecting the
// envelope until DATA.
type session struct {
	store *InMemoryEmailStore
	from  string
	to    []string
}

// Reset implements smtp.Session.
func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

// Logout implements smtp.Session. No-op here.
func (s *session) Logout() error { return nil }

// Mail implements smtp.Session.
func (s *session) Mail(from string, _ smtp.MailOptions) error {
	if err := s.store.rejection(s.store.senders, from); err != nil {
		return err
	}
	s.from = from
	return nil
}

// Rcpt implements smtp.Session.
func (s *session) Rcpt(to string) error {
	if err := s.store.rejection(s.store.recipients, to); err != nil {
		return err
	}
	s.to = append(s.to, to)
	return nil
}

// Data implements smtp.Session. Stores the email data in memory for
// retrieval at the end of the test.
func (s *session) Data(r io.Reader) error {
	// doubtful we'll get an email this big, but we need a limit
	var maxEmailSize int64 = 100 * units.MiB
	buf, err := io.ReadAll(io.LimitReader(r, maxEmailSize))
	if err != nil {
		return err
	}

	s.store.mu.Lock()
	rej := s.store.data
	s.store.mu.Unlock()
	if rej != nil {
		return rej
	}

	str := &strings.Builder{}
	if _, err := str.Write(buf); err != nil {
		return err
	}
	s.store.saveEmail(Envelope{
		From: s.from,
		To:   append([]string(nil), s.to...),
		Body: str.String(),
	})
	return nil
}

// InMemoryEmailStore retains email bodies in memory for comparison against
// a test's expected output, and decides which commands to refuse.
// Designed to be goroutine safe since we don't know how many goroutines will
// be hitting the server at once.
type InMemoryEmailStore struct {
	mu         *sync.Mutex
	messages   []messageData
	senders    map[string]*smtp.SMTPError
	recipients map[string]*smtp.SMTPError
	data       *smtp.SMTPError
}

// RejectRecipient makes the server answer RCPT TO addr with code and msg.
func (es *InMemoryEmailStore) RejectRecipient(addr string, code int, msg string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.recipients[strings.ToLower(addr)] = newSMTPError(code, msg)
}

// RejectSender makes the server answer MAIL FROM addr with code and msg.
func (es *InMemoryEmailStore) RejectSender(addr string, code int, msg string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.senders[strings.ToLower(addr)] = newSMTPError(code, msg)
}

// RejectData makes the server refuse every message after DATA.
func (es *InMemoryEmailStore) RejectData(code int, msg string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.data = newSMTPError(code, msg)
}

func (es *InMemoryEmailStore) rejection(m map[string]*smtp.SMTPError, addr string) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if e, ok := m[strings.ToLower(addr)]; ok {
		return e
	}
	return nil
}

func newSMTPError(code int, msg string) *smtp.SMTPError {
	return &smtp.SMTPError{
		Code:         code,
		EnhancedCode: smtp.EnhancedCode{code / 100, 0, 0},
		Message:      msg,
	}
}

// InProcessServer is an SMTP server that runs in the same process as the
// test suite, letting us inspect sent emails. You must initialize this
// via NewInProcessServer
type InProcessServer struct {
	*smtp.Server
	// Kept alongside the *smtp.Server so tests can reach the stored
	// messages and rejection rules. Otherwise, we're stuck with
	// *smtp.Server.Backend, which just leaves us with the Backend interface
	// methods.
	*InMemoryEmailStore
	listener net.Listener
	stats    *connStats
}

// Options configures an InProcessServer. The zero value is a plain server
// that accepts anonymous senders.
type Options struct {
	// Paths to a key and certificate to offer STARTTLS with. The cert
	// should be a root cert, e.g. from GenerateTLSFiles.
	KeyPath  string
	CertPath string
	// Require AUTH with these credentials.
	Username string
	Password string
}

// NewInProcessServer creates an InProcessServer listening on a random
// local port, including configuring its SMTP server to store incoming
// messages in memory.
func NewInProcessServer(opts Options) *InProcessServer {
	is := &InMemoryEmailStore{
		mu:         &sync.Mutex{},
		messages:   []messageData{},
		senders:    map[string]*smtp.SMTPError{},
		recipients: map[string]*smtp.SMTPError{},
	}

	srv := smtp.NewServer(&Backend{
		InMemoryEmailStore: is,
		username:           opts.Username,
		password:           opts.Password,
	})

	srv.Domain = "localhost"
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	// Strict is undocumented, but it looks like it enforces <address> syntax
	// in messages:
	// https://github.com/emersion/go-smtp/blob/f92bf7f1a25777bcdaa28a142b1cd1a54b74c8f4/conn.go#L321-L325
	srv.Strict = true

	// Without TLS there is no way to protect AUTH, so allow it in the
	// clear. With TLS, clients must upgrade first.
	srv.AllowInsecureAuth = opts.CertPath == ""

	if opts.CertPath != "" {
		cert, err := tls.LoadX509KeyPair(opts.CertPath, opts.KeyPath)

		// No way to carry on without a cert, so we panic. We're in a test
		// suite, so this should be fine.
		if err != nil {
			panic(err)
		}

		srv.TLSConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
		}
	}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}

	stats := &connStats{}
	return &InProcessServer{
		Server:             srv,
		InMemoryEmailStore: is,
		listener:           &trackingListener{Listener: l, stats: stats},
		stats:              stats,
	}
}

// saveEmail stores the envelope in memory along with a timestamp created
// just prior to saving
func (es *InMemoryEmailStore) saveEmail(e Envelope) {
	es.mu.Lock()
	defer es.mu.Unlock()

	es.messages = append(es.messages, messageData{
		created:  time.Now(),
		Envelope: e,
	})

}

// Start starts the test server. Blocking.
func (is *InProcessServer) Start() error {
	// Not using ListenAndServeTLS--the client should upgrade the connection
	// to TLS
	return is.Server.Serve(is.listener)
}

// Close shuts down the test server daemon. You must initialize a new
// InProcessServer instead of restarting this one.
func (is *InProcessServer) Close() {
	is.Server.Close()
}

// RetrieveEmails returns a slice of all message bodies (as strings)
// sent after epoch nanoseconds t
// Satisfies smtptest.Server but isn't expected to return an error.
func (es *InMemoryEmailStore) RetrieveEmails(t int64) ([]string, error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	r := make([]string, 0, len(es.messages))
	for _, m := range es.messages {
		if m.created.UnixNano() >= t {
			r = append(r, m.Body)
		}
	}
	return r, nil
}

// Envelopes returns every message received so far, oldest first.
func (es *InMemoryEmailStore) Envelopes() []Envelope {
	es.mu.Lock()
	defer es.mu.Unlock()
	r := make([]Envelope, len(es.messages))
	for i, m := range es.messages {
		r[i] = m.Envelope
	}
	return r
}

// Address returns the host:port of the test SMTP server.
func (is *InProcessServer) Address() string {
	return is.listener.Addr().String()
}
