package config

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	cpu, err := cfg.Sieve.GetMaxCPUTime()
	require.NoError(t, err)
	assert.Zero(t, cpu, "unlimited by default")
	assert.Equal(t, 32, cfg.Sieve.GetMaxActions())
	assert.Equal(t, 4, cfg.Sieve.GetMaxRedirects())
	assert.Equal(t, 65536, cfg.Sieve.GetMaxStringLength())
	assert.Equal(t, "INBOX", cfg.Sieve.GetKeepMailbox())

	min, def, max, err := cfg.Sieve.GetVacationPeriods()
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, min)
	assert.Equal(t, 7*24*time.Hour, def)
	assert.Equal(t, 90*24*time.Hour, max)

	ddef, dmax, err := cfg.Sieve.GetDuplicatePeriods()
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, ddef)
	assert.Equal(t, 7*24*time.Hour, dmax)
}

func TestSieveConfig_ZeroValueDefaults(t *testing.T) {
	var s SieveConfig
	assert.Equal(t, 32, s.GetMaxActions())
	assert.Equal(t, "INBOX", s.GetKeepMailbox())
	cpu, err := s.GetMaxCPUTime()
	require.NoError(t, err)
	assert.Zero(t, cpu)
}

func TestSieveConfig_ExtensionEnabled(t *testing.T) {
	var all SieveConfig
	assert.True(t, all.ExtensionEnabled("vacation"))

	some := SieveConfig{Extensions: []string{"fileinto", "IMAP4Flags"}}
	assert.True(t, some.ExtensionEnabled("fileinto"))
	assert.True(t, some.ExtensionEnabled("imap4flags"))
	assert.False(t, some.ExtensionEnabled("vacation"))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad cpu time", func(c *Config) { c.Sieve.MaxCPUTime = "soon" }, "max_cpu_time"},
		{"cpu time in days", func(c *Config) { c.Sieve.MaxCPUTime = "1d" }, ""},
		{"negative actions", func(c *Config) { c.Sieve.MaxActions = -1 }, "max_actions"},
		{"redirects above actions", func(c *Config) { c.Sieve.MaxActions = 2; c.Sieve.MaxRedirects = 3 }, "max_redirects"},
		{"vacation default below min", func(c *Config) { c.Sieve.VacationDefaultPeriod = "1h" }, "vacation periods"},
		{"vacation bad max", func(c *Config) { c.Sieve.VacationMaxPeriod = "x" }, "vacation_max_period"},
		{"duplicate default above max", func(c *Config) { c.Sieve.DuplicateDefaultPeriod = "8d" }, "duplicate_default_period"},
		{"unknown storage", func(c *Config) { c.Storage.Type = "s3" }, "storage.type"},
		{"maildir without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"bad cleanup interval", func(c *Config) { c.Duplicates.CleanupInterval = "often" }, "cleanup_interval"},
		{"relay without host", func(c *Config) { c.Relay.Type = "smtp" }, "smtp_host"},
		{"http relay", func(c *Config) { c.Relay.Type = "http" }, "relay.type"},
		{"lmtp without addr", func(c *Config) { c.LMTP.Start = true; c.LMTP.Addr = "" }, "lmtp.addr"},
		{"lmtp tls without cert", func(c *Config) { c.LMTP.Start = true; c.LMTP.TLS = true }, "lmtp.tls"},
		{"lmtp bad network", func(c *Config) { c.LMTP.Start = true; c.LMTP.TrustedNetworks = []string{"10.0.0.1"} }, "trusted_networks"},
		{"lmtp disabled ignores networks", func(c *Config) { c.LMTP.TrustedNetworks = []string{"bogus"} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestRelayConfig_Validate(t *testing.T) {
	base := RelayConfig{Type: "smtp", SMTPHost: "smtp.example.com:587", SMTPUseStartTLS: true}
	require.NoError(t, base.Validate())

	both := base
	both.SMTPTLS = true
	assert.ErrorContains(t, both.Validate(), "mutually exclusive")

	certOnly := base
	certOnly.SMTPTLSCertFile = "/etc/ssl/client.pem"
	assert.ErrorContains(t, certOnly.Validate(), "must be set together")

	badRetry := base
	badRetry.Retry.InitialInterval = "later"
	assert.ErrorContains(t, badRetry.Validate(), "relay.retry")
}

func TestRelayConfig_CircuitBreakerDefaults(t *testing.T) {
	var r RelayConfig
	assert.Equal(t, 5, r.GetCircuitBreakerThreshold())
	assert.Equal(t, 3, r.GetCircuitBreakerMaxRequests())
	timeout, err := r.GetCircuitBreakerTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)

	r = RelayConfig{CircuitBreakerThreshold: 10, CircuitBreakerTimeout: "1m", CircuitBreakerMaxRequests: 1}
	assert.Equal(t, 10, r.GetCircuitBreakerThreshold())
	assert.Equal(t, 1, r.GetCircuitBreakerMaxRequests())
	timeout, err = r.GetCircuitBreakerTimeout()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, timeout)
}

func TestRelayRetryConfig(t *testing.T) {
	var q RelayRetryConfig
	assert.Equal(t, 2, q.GetMaxRetries())
	initial, max, err := q.GetIntervals()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, initial)
	assert.Equal(t, 5*time.Second, max)

	q = RelayRetryConfig{MaxRetries: -1, InitialInterval: "10s", MaxInterval: "1s"}
	assert.Zero(t, q.GetMaxRetries())
	initial, max, err = q.GetIntervals()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, initial)
	assert.Equal(t, 10*time.Second, max, "ceiling never below the first delay")
}

func TestWarnUnusedConfigOptions(t *testing.T) {
	tests := []struct {
		name         string
		mutate       func(c *Config)
		wantWarnings []string
	}{
		{
			name: "no relay with responding extensions",
			mutate: func(c *Config) {
				c.Sieve.Hostname = "mx.example.com"
				c.Sieve.Postmaster = "postmaster@example.com"
			},
			wantWarnings: []string{"without a relay"},
		},
		{
			name: "tls without relay",
			mutate: func(c *Config) {
				c.Sieve.Hostname = "mx.example.com"
				c.Sieve.Extensions = []string{"fileinto"}
				c.Relay.SMTPUseStartTLS = true
			},
			wantWarnings: []string{"relay TLS options"},
		},
		{
			name: "complete",
			mutate: func(c *Config) {
				c.Sieve.Hostname = "mx.example.com"
				c.Sieve.Postmaster = "postmaster@example.com"
				c.Relay = RelayConfig{Type: "smtp", SMTPHost: "smtp.example.com:25"}
			},
		},
		{
			name: "reject without postmaster",
			mutate: func(c *Config) {
				c.Relay = RelayConfig{Type: "smtp", SMTPHost: "smtp.example.com:25"}
			},
			wantWarnings: []string{"postmaster", "hostname"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(&cfg)

			var warnings []string
			cfg.WarnUnusedConfigOptions(func(format string, args ...interface{}) {
				warnings = append(warnings, fmt.Sprintf(format, args...))
			})

			if len(tt.wantWarnings) == 0 {
				assert.Empty(t, warnings)
				return
			}
			all := strings.Join(warnings, " ")
			for _, want := range tt.wantWarnings {
				assert.Contains(t, all, want)
			}
		})
	}
}

func TestStorageConfig_UserHome(t *testing.T) {
	s := StorageConfig{Path: "/var/mail", UserScript: "sieve/active.svbc"}

	home, err := s.UserHome("Bob@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, "/var/mail/example.com/bob", home)
	assert.Equal(t, "/var/mail/example.com/bob/sieve/active.svbc", s.UserScriptPath(home))

	for _, bad := range []string{"bob", "@example.com", "../x@example.com", "bob@..", "a/b@example.com"} {
		_, err := s.UserHome(bad)
		assert.Error(t, err, bad)
	}

	s.UserScript = "/etc/sievevm/global.svbc"
	assert.Equal(t, "/etc/sievevm/global.svbc", s.UserScriptPath(home))
	s.UserScript = ""
	assert.Empty(t, s.UserScriptPath(home))
}

func TestLMTPConfig_TrustedNetworks(t *testing.T) {
	var l LMTPConfig
	assert.Equal(t, DefaultTrustedNetworks, l.GetTrustedNetworks())
	l.TrustedNetworks = []string{"192.0.2.0/24"}
	assert.Equal(t, []string{"192.0.2.0/24"}, l.GetTrustedNetworks())
}
