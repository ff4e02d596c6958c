package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ptgott/mailreport/email"
	"github.com/ptgott/mailreport/smtptest"
)

func startServer(t *testing.T, opts smtptest.Options) *smtptest.InProcessServer {
	t.Helper()
	srv := smtptest.NewInProcessServer(opts)
	go func(srv *smtptest.InProcessServer) {
		srv.Start()
	}(srv)
	t.Cleanup(srv.Close)
	return srv
}

func configFor(t *testing.T, srv smtptest.Server) ServerConfig {
	t.Helper()
	host, port, err := net.SplitHostPort(srv.Address())
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	c := ServerConfig{
		Host:    host,
		Port:    p,
		Timeout: 10 * time.Second,
	}
	checked, err := c.CheckAndSetDefaults()
	require.NoError(t, err)
	return checked
}

// assertSessionClosed checks that every connection made to srv has been
// closed and, unless quits is negative, that the client sent QUIT that many
// times. QUIT isn't visible to the server once the session uses TLS.
func assertSessionClosed(t *testing.T, srv *smtptest.InProcessServer, quits int) {
	t.Helper()
	assert.Eventually(t, func() bool {
		opened, closed := srv.Connections()
		return opened > 0 && opened == closed
	}, 5*time.Second, 10*time.Millisecond, "the client left a connection open")
	if quits >= 0 {
		assert.Equal(t, quits, srv.Quits(), "unexpected number of QUIT commands")
	}
}

func buildMessage(t *testing.T, spec email.MessageSpec) *email.BuiltMessage {
	t.Helper()
	m, err := email.NewBuilder(zerolog.Nop()).Build(spec)
	require.NoError(t, err)
	return m
}

func textSpec(to ...string) email.MessageSpec {
	body := "hi"
	spec := email.MessageSpec{
		ReturnPath: email.MustParseAddress("reports@example.com"),
		Subject:    "test",
		TextBody:   &body,
	}
	for _, a := range to {
		spec.To = append(spec.To, email.MustParseAddress(a))
	}
	return spec
}

func TestSendAllAccepted(t *testing.T) {
	srv := startServer(t, smtptest.Options{})
	s := NewSession(configFor(t, srv), zerolog.Nop())
	m := buildMessage(t, textSpec("a@x.com", "b@x.com"))

	out, res, err := s.Send(context.Background(), m)
	require.NoError(t, err)

	assert.Equal(t, m.String(), out)
	assert.Equal(t, 2, res.RecipientCount)
	assert.Equal(t, 0, res.FailedCount)
	assert.True(t, res.AllSucceeded())
	assert.False(t, res.AllFailed())
	assert.Empty(t, res.Failures)

	env := srv.Envelopes()
	require.Len(t, env, 1)
	assert.Equal(t, "reports@example.com", env[0].From)
	assert.Equal(t, []string{"a@x.com", "b@x.com"}, env[0].To)

	msg, err := smtptest.ParseEmail(env[0].Body)
	require.NoError(t, err)
	assert.Equal(t, m.MessageID, msg.Header.Get("Message-ID"))
	assertSessionClosed(t, srv, 1)
}

func TestSendPartialFailure(t *testing.T) {
	srv := startServer(t, smtptest.Options{})
	srv.RejectRecipient("b@x.com", 550, "mailbox unavailable")
	s := NewSession(configFor(t, srv), zerolog.Nop())

	_, res, err := s.Send(context.Background(), buildMessage(t, textSpec("a@x.com", "b@x.com")))
	require.NoError(t, err)

	assert.Equal(t, 2, res.RecipientCount)
	assert.Equal(t, 1, res.FailedCount)
	assert.False(t, res.AllSucceeded())
	assert.False(t, res.AllFailed())

	e, ok := res.ErrorFor("b@x.com")
	require.True(t, ok)
	assert.Equal(t, 550, e.Code)
	assert.Equal(t, "mailbox unavailable", e.Message)

	_, ok = res.ErrorFor("a@x.com")
	assert.False(t, ok)

	require.Len(t, res.Failures, 1)
	assert.Equal(t, KindRecipientsRefused, res.Failures[0].Kind)

	// The accepted recipient still got it
	env := srv.Envelopes()
	require.Len(t, env, 1)
	assert.Equal(t, []string{"a@x.com"}, env[0].To)
	assertSessionClosed(t, srv, 1)
}

func TestSendSomeOfManyRefused(t *testing.T) {
	rcpts := []string{"r0@x.com", "r1@x.com", "r2@x.com", "r3@x.com", "r4@x.com"}

	for n := 1; n < len(rcpts); n++ {
		t.Run(fmt.Sprintf("%v of %v refused", n, len(rcpts)), func(t *testing.T) {
			srv := startServer(t, smtptest.Options{})
			refused := rcpts[len(rcpts)-n:]
			for _, r := range refused {
				srv.RejectRecipient(r, 551, "user not local")
			}

			s := NewSession(configFor(t, srv), zerolog.Nop())
			_, res, err := s.Send(context.Background(), buildMessage(t, textSpec(rcpts...)))
			require.NoError(t, err)

			assert.Equal(t, len(rcpts), res.RecipientCount)
			assert.Equal(t, n, res.FailedCount)
			assert.False(t, res.AllSucceeded())
			assert.False(t, res.AllFailed())
			assert.Len(t, res.ErrorsByRecipient(), n)
			for _, r := range rcpts {
				e, ok := res.ErrorFor(r)
				assert.Equal(t, contains(refused, r), ok, r)
				if ok {
					assert.Equal(t, 551, e.Code)
				}
			}
		})
	}
}

func contains(l []string, s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}

func TestSendTotalFailure(t *testing.T) {
	testCases := []struct {
		description string
		setup       func(*smtptest.InProcessServer)
		kind        ErrorKind
		code        int
	}{
		{
			description: "all recipients refused",
			setup: func(s *smtptest.InProcessServer) {
				s.RejectRecipient("a@x.com", 550, "mailbox unavailable")
				s.RejectRecipient("b@x.com", 550, "mailbox unavailable")
			},
			kind: KindRecipientsRefused,
		},
		{
			description: "sender refused",
			setup: func(s *smtptest.InProcessServer) {
				s.RejectSender("reports@example.com", 553, "sender address rejected")
			},
			kind: KindSenderRefused,
			code: 553,
		},
		{
			description: "data refused",
			setup: func(s *smtptest.InProcessServer) {
				s.RejectData(554, "message looks like spam")
			},
			kind: KindProtocolResponse,
			code: 554,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			srv := startServer(t, smtptest.Options{})
			tc.setup(srv)
			s := NewSession(configFor(t, srv), zerolog.Nop())

			_, res, err := s.Send(context.Background(), buildMessage(t, textSpec("a@x.com", "b@x.com")))
			require.NoError(t, err, "refusals are reported in the result")

			assert.Equal(t, 2, res.RecipientCount)
			assert.Equal(t, res.RecipientCount, res.FailedCount)
			assert.True(t, res.AllFailed())
			assert.False(t, res.AllSucceeded())
			require.Len(t, res.Failures, 1)
			assert.Equal(t, tc.kind, res.Failures[0].Kind)
			assert.Equal(t, tc.code, res.Failures[0].Code)
			assert.Empty(t, res.ErrorsByRecipient(), "total failures carry no per-recipient detail")
			_, found := res.ErrorFor("a@x.com")
			assert.False(t, found)

			assert.Empty(t, srv.Envelopes())
			assertSessionClosed(t, srv, 1)
		})
	}
}

func TestSendBccOnlyInEnvelope(t *testing.T) {
	srv := startServer(t, smtptest.Options{})
	s := NewSession(configFor(t, srv), zerolog.Nop())

	spec := textSpec("a@x.com")
	spec.Cc = []email.Address{email.MustParseAddress("c@x.com")}
	spec.Bcc = []email.Address{email.MustParseAddress("Hidden <hidden@y.com>")}

	_, res, err := s.Send(context.Background(), buildMessage(t, spec))
	require.NoError(t, err)
	assert.Equal(t, 3, res.RecipientCount)

	env := srv.Envelopes()
	require.Len(t, env, 1)
	assert.Equal(t, []string{"a@x.com", "c@x.com", "hidden@y.com"}, env[0].To)
	assert.NotContains(t, env[0].Body, "hidden@y.com")
}

func TestSendAuth(t *testing.T) {
	testCases := []struct {
		description string
		username    string
		password    string
		wantAuthErr bool
	}{
		{
			description: "right credentials",
			username:    "myuser",
			password:    "mypassword",
		},
		{
			description: "wrong password",
			username:    "myuser",
			password:    "nope",
			wantAuthErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			srv := startServer(t, smtptest.Options{
				Username: "myuser",
				Password: "mypassword",
			})
			cfg := configFor(t, srv)
			cfg.Username = tc.username
			cfg.Password = tc.password
			s := NewSession(cfg, zerolog.Nop())

			_, res, err := s.Send(context.Background(), buildMessage(t, textSpec("a@x.com")))
			if tc.wantAuthErr {
				assert.ErrorIs(t, err, ErrAuthenticationFailed)
				assert.Empty(t, res.Failures, "AUTH failures aren't delivery outcomes")
				assert.Empty(t, srv.Envelopes())
				assertSessionClosed(t, srv, 1)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.AllSucceeded())
			assert.Len(t, srv.Envelopes(), 1)
			assertSessionClosed(t, srv, 1)
		})
	}
}

func TestSendStartTLS(t *testing.T) {
	key, cert, err := smtptest.GenerateTLSFiles(t)
	require.NoError(t, err)

	testCases := []struct {
		description   string
		skipVerify    bool
		caCertFile    string
		shouldBeError bool
	}{
		{
			description: "self-signed cert with verification skipped",
			skipVerify:  true,
		},
		{
			description:   "self-signed cert with verification",
			shouldBeError: true,
		},
		{
			description: "self-signed cert trusted as a root",
			caCertFile:  cert,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			srv := startServer(t, smtptest.Options{
				KeyPath:  key,
				CertPath: cert,
				Username: "myuser",
				Password: "mypassword",
			})
			cfg := configFor(t, srv)
			cfg.StartTLS = true
			cfg.SkipCertVerification = tc.skipVerify
			cfg.CACertFile = tc.caCertFile
			cfg.Username = "myuser"
			cfg.Password = "mypassword"
			s := NewSession(cfg, zerolog.Nop())

			_, res, err := s.Send(context.Background(), buildMessage(t, textSpec("a@x.com")))
			if tc.shouldBeError {
				assert.Error(t, err)
				assert.NotErrorIs(t, err, ErrAuthenticationFailed)
				assert.Empty(t, srv.Envelopes())
				assertSessionClosed(t, srv, -1)
				return
			}
			require.NoError(t, err)
			assert.True(t, res.AllSucceeded())
			assert.Len(t, srv.Envelopes(), 1)
			assertSessionClosed(t, srv, -1)
		})
	}
}

func TestSendNoRecipients(t *testing.T) {
	// Nothing listens here. We must fail before dialing.
	s := NewSession(ServerConfig{Host: "127.0.0.1", Port: 1, HeloName: "localhost"}, zerolog.Nop())
	m := buildMessage(t, textSpec())

	_, res, err := s.Send(context.Background(), m)
	assert.ErrorIs(t, err, ErrNoRecipients)
	assert.Equal(t, 0, res.RecipientCount)
}

func TestSendConnectionErrors(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().(*net.TCPAddr)
	// Free the port so dialing it fails
	require.NoError(t, l.Close())

	s := NewSession(ServerConfig{Host: "127.0.0.1", Port: addr.Port, HeloName: "localhost"}, zerolog.Nop())
	_, _, err = s.Send(context.Background(), buildMessage(t, textSpec("a@x.com")))
	assert.Error(t, err)

	srv := startServer(t, smtptest.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = NewSession(configFor(t, srv), zerolog.Nop()).Send(ctx, buildMessage(t, textSpec("a@x.com")))
	assert.Error(t, err)
	assert.Empty(t, srv.Envelopes())
}

func TestSendDebugTrace(t *testing.T) {
	srv := startServer(t, smtptest.Options{
		Username: "myuser",
		Password: "mypassword",
	})
	cfg := configFor(t, srv)
	cfg.Username = "myuser"
	cfg.Password = "mypassword"

	var buf bytes.Buffer
	s := NewSession(cfg, zerolog.New(&buf).Level(zerolog.InfoLevel))

	_, _, err := s.Send(context.Background(), buildMessage(t, textSpec("a@x.com")))
	require.NoError(t, err)
	assert.NotContains(t, buf.String(), "smtp trace", "tracing is off by default")

	buf.Reset()
	_, _, err = s.Send(context.Background(), buildMessage(t, textSpec("a@x.com")), WithDebug())
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, "smtp trace")
	assert.Contains(t, out, "MAIL FROM:<reports@example.com>")
	assert.Contains(t, out, "AUTH PLAIN ***")
	// base64("\x00myuser\x00mypassword")
	assert.NotContains(t, out, "AG15dXNlcgBteXBhc3N3b3Jk")

	// The config turns it on for every send
	buf.Reset()
	cfg.Debug = true
	_, _, err = NewSession(cfg, zerolog.New(&buf)).Send(context.Background(), buildMessage(t, textSpec("a@x.com")))
	require.NoError(t, err)
	assert.True(t, strings.Contains(buf.String(), "RCPT TO:<a@x.com>"))
}
