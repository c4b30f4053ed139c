package config

import (
	"fmt"
	"time"

	"github.com/migadu/sievevm/helpers"
)

// RelayConfig defines the SMTP relay used to send redirects, vacation
// replies and reject notices.
type RelayConfig struct {
	// Type of relay: "smtp", or empty when no relay is configured
	Type string `toml:"type"`

	SMTPHost        string `toml:"smtp_host"`          // SMTP server address (e.g., "smtp.example.com:587")
	SMTPTLS         bool   `toml:"smtp_tls"`           // Use implicit TLS
	SMTPTLSVerify   bool   `toml:"smtp_tls_verify"`    // Verify TLS certificates (default: true)
	SMTPUseStartTLS bool   `toml:"smtp_use_starttls"`  // Use STARTTLS instead of direct TLS
	SMTPTLSCertFile string `toml:"smtp_tls_cert_file"` // Client certificate for mTLS (optional)
	SMTPTLSKeyFile  string `toml:"smtp_tls_key_file"`  // Client key for mTLS (optional)
	Timeout         string `toml:"timeout"`            // Dial and command timeout (default: "30s")

	// Retries of temporary failures within one delivery ([relay.retry])
	Retry RelayRetryConfig `toml:"retry"`

	CircuitBreakerThreshold   int    `toml:"circuit_breaker_threshold"`    // Consecutive failures before opening circuit (default: 5)
	CircuitBreakerTimeout     string `toml:"circuit_breaker_timeout"`      // Recovery test interval (default: "30s")
	CircuitBreakerMaxRequests int    `toml:"circuit_breaker_max_requests"` // Max requests in half-open state (default: 3)
}

// RelayRetryConfig bounds the retries of one relay send.
type RelayRetryConfig struct {
	MaxRetries      int    `toml:"max_retries"`      // Retries after the first attempt (default: 2)
	InitialInterval string `toml:"initial_interval"` // First backoff delay (default: "500ms")
	MaxInterval     string `toml:"max_interval"`     // Backoff ceiling (default: "5s")
}

// IsConfigured returns true if the relay is configured
func (r *RelayConfig) IsConfigured() bool {
	return r.Type != ""
}

// IsSMTP returns true if this is an SMTP relay
func (r *RelayConfig) IsSMTP() bool {
	return r.Type == "smtp"
}

// Validate checks the relay section.
func (r *RelayConfig) Validate() error {
	if !r.IsConfigured() {
		return nil
	}
	if !r.IsSMTP() {
		return fmt.Errorf("relay.type %q is not supported", r.Type)
	}
	if r.SMTPHost == "" {
		return fmt.Errorf("relay.smtp_host is required for an smtp relay")
	}
	if r.SMTPTLS && r.SMTPUseStartTLS {
		return fmt.Errorf("relay: smtp_tls and smtp_use_starttls are mutually exclusive")
	}
	if (r.SMTPTLSCertFile == "") != (r.SMTPTLSKeyFile == "") {
		return fmt.Errorf("relay: smtp_tls_cert_file and smtp_tls_key_file must be set together")
	}
	if _, err := r.GetTimeout(); err != nil {
		return fmt.Errorf("relay.timeout: %w", err)
	}
	if _, err := r.GetCircuitBreakerTimeout(); err != nil {
		return fmt.Errorf("relay.circuit_breaker_timeout: %w", err)
	}
	if _, _, err := r.Retry.GetIntervals(); err != nil {
		return fmt.Errorf("relay.retry: %w", err)
	}
	return nil
}

// GetTimeout parses the relay timeout
func (r *RelayConfig) GetTimeout() (time.Duration, error) {
	if r.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(r.Timeout)
}

// GetCircuitBreakerThreshold returns the circuit breaker failure threshold with default
func (r *RelayConfig) GetCircuitBreakerThreshold() int {
	if r.CircuitBreakerThreshold <= 0 {
		return 5 // Default: open after 5 consecutive failures
	}
	return r.CircuitBreakerThreshold
}

// GetCircuitBreakerTimeout returns the circuit breaker timeout with default
func (r *RelayConfig) GetCircuitBreakerTimeout() (time.Duration, error) {
	if r.CircuitBreakerTimeout == "" {
		return 30 * time.Second, nil // Default: 30s
	}
	return helpers.ParseDuration(r.CircuitBreakerTimeout)
}

// GetCircuitBreakerMaxRequests returns the max requests in half-open state with default
func (r *RelayConfig) GetCircuitBreakerMaxRequests() int {
	if r.CircuitBreakerMaxRequests <= 0 {
		return 3 // Default: allow 3 requests in half-open
	}
	return r.CircuitBreakerMaxRequests
}

// GetMaxRetries returns the retry count with default. A negative value
// disables retries.
func (q *RelayRetryConfig) GetMaxRetries() int {
	switch {
	case q.MaxRetries < 0:
		return 0
	case q.MaxRetries == 0:
		return 2
	}
	return q.MaxRetries
}

// GetIntervals parses the backoff bounds.
func (q *RelayRetryConfig) GetIntervals() (initial, ceiling time.Duration, err error) {
	initial, ceiling = 500*time.Millisecond, 5*time.Second
	if q.InitialInterval != "" {
		if initial, err = helpers.ParseDuration(q.InitialInterval); err != nil {
			return 0, 0, err
		}
	}
	if q.MaxInterval != "" {
		if ceiling, err = helpers.ParseDuration(q.MaxInterval); err != nil {
			return 0, 0, err
		}
	}
	if ceiling < initial {
		ceiling = initial
	}
	return initial, ceiling, nil
}
