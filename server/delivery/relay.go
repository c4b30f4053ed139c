package delivery

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/migadu/sievevm/config"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/circuitbreaker"
	"github.com/migadu/sievevm/pkg/metrics"
	"github.com/migadu/sievevm/pkg/retry"
	"github.com/migadu/sievevm/sieve"
)

// RelayError wraps an error with information about whether it's permanent or temporary.
// Permanent errors (5xx SMTP codes) should not be retried.
// Temporary errors (4xx SMTP codes, network errors) can be retried.
type RelayError struct {
	Err       error
	Permanent bool
}

func (e *RelayError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// IsPermanentError checks if an error is a permanent failure (5xx SMTP error).
// Network and connection errors are temporary.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var relayErr *RelayError
	if errors.As(err, &relayErr) {
		return relayErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// IsTemporary reports whether another attempt may succeed.
func IsTemporary(err error) bool {
	return err != nil && !IsPermanentError(err) && !errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen)
}

// SMTPTransport sends redirects, vacation replies and reject notices
// through an SMTP relay. Temporary failures are retried within one Send;
// a circuit breaker stops hammering a relay that keeps failing.
type SMTPTransport struct {
	Host        string
	Hostname    string // EHLO name
	UseTLS      bool
	UseStartTLS bool
	TLSVerify   bool
	TLSCertFile string // Client certificate for mTLS (optional)
	TLSKeyFile  string
	Timeout     time.Duration

	Retry          retry.Policy
	CircuitBreaker *circuitbreaker.CircuitBreaker
}

// NewSMTPTransport creates the transport described by the relay section.
func NewSMTPTransport(cfg config.RelayConfig, hostname string) (*SMTPTransport, error) {
	if !cfg.IsSMTP() {
		return nil, fmt.Errorf("relay type %q is not smtp", cfg.Type)
	}
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, err
	}
	cbTimeout, err := cfg.GetCircuitBreakerTimeout()
	if err != nil {
		return nil, err
	}
	initial, maxInterval, err := cfg.Retry.GetIntervals()
	if err != nil {
		return nil, err
	}

	threshold := uint32(cfg.GetCircuitBreakerThreshold())
	settings := circuitbreaker.DefaultSettings("smtp_relay")
	settings.MaxRequests = uint32(cfg.GetCircuitBreakerMaxRequests())
	settings.Timeout = cbTimeout
	settings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		return counts.ConsecutiveFailures >= threshold
	}
	// A 5xx reply means the relay is up and answering.
	settings.IsSuccessful = func(err error) bool {
		return err == nil || IsPermanentError(err)
	}
	cb := circuitbreaker.NewCircuitBreaker(settings)

	policy := retry.DefaultPolicy()
	policy.InitialInterval = initial
	policy.MaxInterval = maxInterval
	policy.MaxRetries = cfg.Retry.GetMaxRetries()
	policy.Retryable = IsTemporary
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Debug("SMTP Relay: retrying", "host", cfg.SMTPHost, "attempt", attempt, "delay", delay, "error", err)
	}

	return &SMTPTransport{
		Host:        cfg.SMTPHost,
		Hostname:    hostname,
		UseTLS:      cfg.SMTPTLS,
		UseStartTLS: cfg.SMTPUseStartTLS,
		TLSVerify:   cfg.SMTPTLSVerify,
		TLSCertFile: cfg.SMTPTLSCertFile,
		TLSKeyFile:  cfg.SMTPTLSKeyFile,
		Timeout:     timeout,

		Retry:          policy,
		CircuitBreaker: cb,
	}, nil
}

// Send delivers msg to every recipient. Permanent relay errors come back as
// StatusFailure, everything else as StatusTempFailure.
func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if t.Host == "" {
		return sieve.Errorf(sieve.StatusTempFailure, "SMTP relay host not configured")
	}
	start := time.Now()

	err := t.Retry.Do(ctx, func(ctx context.Context) error {
		if t.CircuitBreaker == nil {
			return t.send(ctx, from, to, msg)
		}
		err := t.CircuitBreaker.Do(ctx, func(ctx context.Context) error {
			return t.send(ctx, from, to, msg)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
			logger.Warn("SMTP Relay: circuit breaker is open, skipping delivery", "host", t.Host)
			metrics.RelayDeliveries.WithLabelValues("circuit_breaker_open").Inc()
			return retry.Stop(err)
		}
		return err
	})

	metrics.RelayDeliveryDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		metrics.RelayDeliveries.WithLabelValues("success").Inc()
		return nil
	case IsPermanentError(err):
		metrics.RelayDeliveries.WithLabelValues("permanent_failure").Inc()
		return sieve.Wrap(sieve.StatusFailure, err)
	default:
		metrics.RelayDeliveries.WithLabelValues("temporary_failure").Inc()
		return sieve.Wrap(sieve.StatusTempFailure, err)
	}
}

func (t *SMTPTransport) tlsConfig() (*tls.Config, error) {
	host, _, err := net.SplitHostPort(t.Host)
	if err != nil {
		host = t.Host
	}
	tlsConfig := &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !t.TLSVerify,
	}
	if t.TLSCertFile != "" && t.TLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(t.TLSCertFile, t.TLSKeyFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

func (t *SMTPTransport) dial(ctx context.Context) (*smtp.Client, error) {
	tlsConfig, err := t.tlsConfig()
	if err != nil {
		// Certificate loading errors are configuration errors
		return nil, &RelayError{Err: fmt.Errorf("failed to load client certificate: %w", err), Permanent: true}
	}

	dialer := &net.Dialer{Timeout: t.Timeout}
	var conn net.Conn
	if t.UseTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsConfig}).DialContext(ctx, "tcp", t.Host)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", t.Host)
	}
	if err != nil {
		return nil, &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay: %w", err)}
	}
	if t.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(t.Timeout))
	}

	var c *smtp.Client
	if t.UseStartTLS {
		c, err = smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, &RelayError{Err: fmt.Errorf("failed to start TLS with SMTP relay: %w", err), Permanent: IsPermanentError(err)}
		}
	} else {
		c = smtp.NewClient(conn)
	}
	if t.Hostname != "" {
		if err := c.Hello(t.Hostname); err != nil {
			c.Close()
			return nil, &RelayError{Err: fmt.Errorf("EHLO rejected: %w", err), Permanent: IsPermanentError(err)}
		}
	}
	return c, nil
}

func (t *SMTPTransport) send(ctx context.Context, from string, to []string, msg []byte) error {
	c, err := t.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Mail(from, nil); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to set sender: %w", err), Permanent: IsPermanentError(err)}
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt, nil); err != nil {
			return &RelayError{Err: fmt.Errorf("failed to set recipient %s: %w", rcpt, err), Permanent: IsPermanentError(err)}
		}
	}

	wc, err := c.Data()
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to start data: %w", err), Permanent: IsPermanentError(err)}
	}
	if _, err := wc.Write(msg); err != nil {
		_ = wc.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := wc.Close(); err != nil {
		return &RelayError{Err: fmt.Errorf("failed to close data writer: %w", err), Permanent: IsPermanentError(err)}
	}

	// The message is accepted at this point.
	if err := c.Quit(); err != nil {
		logger.Warn("SMTP Relay: failed to send QUIT", "error", err)
	}
	return nil
}
