package delivery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/ptgott/mailreport/email"
)

var (
	// ErrAuthenticationFailed wraps whatever the server said when it
	// rejected our credentials.
	ErrAuthenticationFailed = errors.New("SMTP authentication failed")
	// ErrNoRecipients is returned before connecting if there is nobody to
	// send to.
	ErrNoRecipients = errors.New("no recipients to send to")
)

// Session delivers messages to the server described by its ServerConfig.
// Each call to Send or Deliver is a single attempt on a fresh connection
// that is closed before the call returns. Don't run two sends on the same
// Session at once.
type Session struct {
	cfg    ServerConfig
	logger zerolog.Logger
}

// NewSession returns a Session for cfg. cfg should already have been
// through CheckAndSetDefaults.
func NewSession(cfg ServerConfig, logger zerolog.Logger) *Session {
	return &Session{
		cfg:    cfg,
		logger: logger.With().Str("server", cfg.Address()).Logger(),
	}
}

type sendOptions struct {
	debug bool
}

// SendOption changes the behavior of a single send.
type SendOption func(*sendOptions)

// WithDebug logs the SMTP conversation for this send even if the
// ServerConfig doesn't ask for it.
func WithDebug() SendOption {
	return func(o *sendOptions) {
		o.debug = true
	}
}

// Send delivers m to its envelope recipients. It returns the serialized
// message for the caller's records along with the outcome.
func (s *Session) Send(ctx context.Context, m *email.BuiltMessage, opts ...SendOption) (string, SendResult, error) {
	res, err := s.Deliver(ctx, m.Bytes(), m.Sender, m.Recipients, opts...)
	return m.String(), res, err
}

// Deliver performs one SMTP transaction for msg.
//
// Refusals from the server during the transaction don't produce an error.
// They are recorded in the SendResult instead: if only some recipients are
// refused, FailedCount is the number refused; if the sender or all
// recipients are refused, or the server rejects the message data, every
// recipient counts as failed. An error is returned for anything that stops
// us from getting that far, e.g. a failed dial, TLS handshake or AUTH.
func (s *Session) Deliver(ctx context.Context, msg []byte, sender email.Address, rcpts []email.Address, opts ...SendOption) (SendResult, error) {
	var o sendOptions
	for _, f := range opts {
		f(&o)
	}

	if len(rcpts) == 0 {
		return SendResult{}, ErrNoRecipients
	}
	if sender.IsZero() {
		return SendResult{}, email.ErrMissingSender
	}
	res := SendResult{RecipientCount: len(rcpts)}

	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	c, stop, err := s.connect(ctx, o.debug || s.cfg.Debug)
	if err != nil {
		return res, err
	}
	defer func() {
		s.close(c)
		stop()
	}()

	if err := c.Hello(s.cfg.HeloName); err != nil {
		return res, fmt.Errorf("EHLO was not accepted: %w", err)
	}

	if s.cfg.StartTLS {
		tc, err := s.cfg.TLSConfig()
		if err != nil {
			return res, err
		}
		// The client issues EHLO again once the handshake is done.
		if err := c.StartTLS(tc); err != nil {
			return res, fmt.Errorf("can't upgrade the connection with STARTTLS: %w", err)
		}
		s.logger.Debug().Msg("upgraded the connection to TLS")
	}

	if s.cfg.AuthEnabled() {
		if err := c.Auth(sasl.NewPlainClient("", s.cfg.Username, s.cfg.Password)); err != nil {
			return res, fmt.Errorf("%w as %v: %w", ErrAuthenticationFailed, s.cfg.Username, err)
		}
		s.logger.Debug().Str("username", s.cfg.Username).Msg("authenticated")
	}

	if err := c.Mail(sender.EnvelopeAddr(), nil); err != nil {
		return s.totalFailure(res, KindSenderRefused, err)
	}

	var refused []RecipientError
	for _, r := range rcpts {
		err := c.Rcpt(r.EnvelopeAddr())
		if err == nil {
			continue
		}
		var se *smtp.SMTPError
		if !errors.As(err, &se) {
			return res, fmt.Errorf("RCPT TO %v: %w", r.Mailbox, err)
		}
		s.logger.Debug().
			Str("recipient", r.Mailbox).
			Int("code", se.Code).
			Str("reply", se.Message).
			Msg("recipient refused")
		refused = append(refused, RecipientError{
			Email:   r.Mailbox,
			Code:    se.Code,
			Message: se.Message,
		})
	}

	if len(refused) == len(rcpts) {
		// The transaction is open with nowhere to send it, so abandon it
		// before QUIT.
		if err := c.Reset(); err != nil {
			s.logger.Debug().Err(err).Msg("RSET failed")
		}
		// Nobody got the message, so this is recorded like any other total
		// failure, without the per-recipient replies.
		res.FailedCount = res.RecipientCount
		res.Failures = []ReportedError{{
			Kind:    KindRecipientsRefused,
			Message: fmt.Sprintf("all %v recipients were refused", len(rcpts)),
		}}
		mb := make([]string, len(refused))
		for i, r := range refused {
			mb[i] = r.Email
		}
		s.logger.Error().
			Int("recipients", res.RecipientCount).
			Strs("refused", mb).
			Msg("the server refused every recipient")
		return res, nil
	}

	w, err := c.Data()
	if err != nil {
		return s.totalFailure(res, KindProtocolResponse, err)
	}
	if _, err := w.Write(msg); err != nil {
		w.Close()
		return res, fmt.Errorf("can't write the message data: %w", err)
	}
	// The server's verdict on the message arrives when the data is closed.
	if err := w.Close(); err != nil {
		return s.totalFailure(res, KindProtocolResponse, err)
	}

	if len(refused) > 0 {
		res.FailedCount = len(refused)
		res.Failures = append(res.Failures, ReportedError{
			Kind:       KindRecipientsRefused,
			Message:    fmt.Sprintf("%v of %v recipients were refused", len(refused), len(rcpts)),
			Recipients: refused,
		})
		s.logger.Warn().
			Int("recipients", res.RecipientCount).
			Int("failed", res.FailedCount).
			Msg("sent the message, but some recipients were refused")
		return res, nil
	}

	s.logger.Info().
		Int("recipients", res.RecipientCount).
		Int("size", len(msg)).
		Msg("sent the message")
	return res, nil
}

// totalFailure records err as the single failure of an attempt nobody
// received. Errors that aren't SMTP replies are returned as is.
func (s *Session) totalFailure(res SendResult, kind ErrorKind, err error) (SendResult, error) {
	var se *smtp.SMTPError
	if !errors.As(err, &se) {
		return res, fmt.Errorf("%v: %w", kind, err)
	}
	res.FailedCount = res.RecipientCount
	res.Failures = []ReportedError{{
		Kind:    kind,
		Code:    se.Code,
		Message: se.Message,
	}}
	s.logger.Error().
		Str("kind", kind.String()).
		Int("code", se.Code).
		Str("reply", se.Message).
		Msg("the server rejected the message")
	return res, nil
}

// connect dials the server and reads its greeting. Until stop is called,
// cancelling ctx aborts any I/O in progress.
func (s *Session) connect(ctx context.Context, debug bool) (c *smtp.Client, stop func() bool, err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.cfg.Address())
	if err != nil {
		return nil, nil, fmt.Errorf("can't connect to the SMTP server: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			conn.Close()
			return nil, nil, err
		}
	}
	stop = context.AfterFunc(ctx, func() {
		// Unblocks reads and writes. The connection is closed by the
		// caller as usual.
		conn.SetDeadline(time.Unix(1, 0))
	})

	c, err = smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		stop()
		conn.Close()
		return nil, nil, fmt.Errorf("no greeting from the SMTP server: %w", err)
	}
	if debug {
		c.DebugWriter = traceWriter{logger: s.logger}
	}
	s.logger.Debug().Msg("connected")
	return c, stop, nil
}

// close ends the session with QUIT, or by dropping the connection if the
// server doesn't answer.
func (s *Session) close(c *smtp.Client) {
	if err := c.Quit(); err != nil {
		s.logger.Debug().Err(err).Msg("QUIT failed, closing the connection")
		c.Close()
		return
	}
	s.logger.Debug().Msg("closed the session")
}
