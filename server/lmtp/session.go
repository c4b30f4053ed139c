package lmtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"github.com/migadu/sievevm/helpers"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/metrics"
	"github.com/migadu/sievevm/server/delivery"
	"github.com/migadu/sievevm/sieve"
)

var (
	errInvalidSender = &smtp.SMTPError{
		Code:         553,
		EnhancedCode: smtp.EnhancedCode{5, 1, 7},
		Message:      "Invalid sender",
	}
	errNoSuchUser = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user here",
	}
	errTooManyRecipients = &smtp.SMTPError{
		Code:         452,
		EnhancedCode: smtp.EnhancedCode{4, 5, 3},
		Message:      "Too many recipients",
	}
	errLocalFailure = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Requested action aborted: local error in processing",
	}
)

func newSessionID() string {
	return uuid.NewString()
}

// LMTPSession represents a single LMTP session.
type LMTPSession struct {
	backend    *LMTPServerBackend
	conn       *smtp.Conn
	ctx        context.Context
	cancel     context.CancelFunc
	id         string
	remoteIP   string
	startTime  time.Time
	sender     string
	recipients []*Recipient
}

// Log writes a session-scoped debug line.
func (s *LMTPSession) Log(format string, args ...any) {
	logger.Debug("LMTP: "+fmt.Sprintf(format, args...), "name", s.backend.name, "session", s.id)
}

func recordCommand(command string, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	metrics.LMTPCommands.WithLabelValues(command, status).Inc()
}

func (s *LMTPSession) Mail(from string, opts *smtp.MailOptions) (err error) {
	defer func() { recordCommand("MAIL", err) }()

	s.Log("processing MAIL FROM command: %s", from)
	if from != "" {
		if local, domain := helpers.SplitEmailAddress(from); local == "" || domain == "" {
			s.Log("invalid from address: %s", from)
			return errInvalidSender
		}
	}
	s.sender = from
	return nil
}

func (s *LMTPSession) Rcpt(to string, opts *smtp.RcptOptions) (err error) {
	defer func() { recordCommand("RCPT", err) }()

	if s.backend.maxRecipients > 0 && len(s.recipients) >= s.backend.maxRecipients {
		return errTooManyRecipients
	}
	rcpt, err := s.backend.directory.Lookup(s.ctx, to)
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			s.Log("user not found for address: %s", to)
			return errNoSuchUser
		}
		logger.Warn("LMTP: recipient lookup failed", "name", s.backend.name, "session", s.id, "rcpt", to, "error", err)
		return errLocalFailure
	}
	s.recipients = append(s.recipients, rcpt)
	s.Log("recipient accepted: %s", to)
	return nil
}

// Data delivers to every recipient and returns the first failure. The
// server calls LMTPData instead; Data serves clients of the plain session
// interface.
func (s *LMTPSession) Data(r io.Reader) error {
	var first error
	err := s.LMTPData(r, statusFunc(func(rcpt string, err error) {
		if first == nil {
			first = err
		}
	}))
	if err != nil {
		return err
	}
	return first
}

type statusFunc func(rcpt string, err error)

func (f statusFunc) SetStatus(rcpt string, err error) {
	f(rcpt, err)
}

// LMTPData reads the message once and delivers it to each accepted
// recipient, reporting one status per recipient.
func (s *LMTPSession) LMTPData(r io.Reader, status smtp.StatusCollector) (err error) {
	defer func() { recordCommand("DATA", err) }()

	raw, err := io.ReadAll(r)
	if err != nil {
		s.Log("failed to read message: %v", err)
		return err
	}
	for _, rcpt := range s.recipients {
		rerr := s.deliver(rcpt, raw)
		label := "success"
		if rerr != nil {
			label = "tempfail"
		}
		metrics.LMTPRecipients.WithLabelValues(label).Inc()
		status.SetStatus(rcpt.Address, rerr)
	}
	return nil
}

func (s *LMTPSession) deliver(rcpt *Recipient, raw []byte) error {
	prog, err := s.backend.programs.Load(rcpt.ProgramPath)
	if err != nil {
		// A broken program must not lose mail; deliver with the
		// administrator scripts and the implicit keep.
		logger.Warn("LMTP: ignoring unusable user program", "name", s.backend.name, "rcpt", rcpt.Address, "path", rcpt.ProgramPath, "error", err)
		prog = nil
	}

	d := s.backend.delivery.WithStore(rcpt.Store)
	res, err := d.DeliverMessage(s.ctx, delivery.RecipientInfo{
		User: rcpt.Address,
		Envelope: sieve.Envelope{
			From:   s.sender,
			To:     rcpt.Address,
			OrigTo: rcpt.Address,
		},
	}, raw, prog)
	if res != nil && res.Success {
		return nil
	}
	logger.Warn("LMTP: delivery failed", "name", s.backend.name, "session", s.id, "rcpt", rcpt.Address, "error", err)
	return errLocalFailure
}

func (s *LMTPSession) Reset() {
	s.sender = ""
	s.recipients = nil
	s.Log("session reset")
}

func (s *LMTPSession) Logout() error {
	s.cancel()
	s.backend.activeConnections.Add(-1)
	metrics.LMTPConnectionsCurrent.Dec()
	s.Log("session closed after %s", time.Since(s.startTime).Round(time.Millisecond))
	return nil
}
