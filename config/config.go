package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"time"

	"github.com/migadu/sievevm/helpers"
)

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output"` // Log output: "stderr", "stdout", "syslog", or file path
	Format string `toml:"format"` // Log format: "json" or "console"
	Level  string `toml:"level"`  // Log level: "debug", "info", "warn", "error"
}

// SieveConfig holds the interpreter limits, the extension set and the
// script chain of a delivery.
type SieveConfig struct {
	MaxCPUTime      string   `toml:"max_cpu_time"`      // CPU time per execution, "0" means unlimited
	CumulativeCPU   bool     `toml:"cumulative_cpu"`    // Apply max_cpu_time to the whole script chain
	MaxActions      int      `toml:"max_actions"`       // Actions per result
	MaxRedirects    int      `toml:"max_redirects"`     // Redirects per result
	MaxStringLength int      `toml:"max_string_length"` // Catenated string cap in bytes
	MaxLoopDepth    int      `toml:"max_loop_depth"`    // Nested foreverypart loops
	Extensions      []string `toml:"extensions"`        // Enabled extensions, empty enables all

	KeepMailbox string `toml:"keep_mailbox"` // Target of the implicit keep
	Postmaster  string `toml:"postmaster"`   // Sender of reject notices
	Hostname    string `toml:"hostname"`     // Used in notices and generated Message-IDs

	VacationMinPeriod     string `toml:"vacation_min_period"`
	VacationDefaultPeriod string `toml:"vacation_default_period"`
	VacationMaxPeriod     string `toml:"vacation_max_period"`

	DuplicateDefaultPeriod string `toml:"duplicate_default_period"`
	DuplicateMaxPeriod     string `toml:"duplicate_max_period"`

	Before  []string `toml:"before"`  // Compiled programs run before the user script
	After   []string `toml:"after"`   // Compiled programs run after the user script
	Discard string   `toml:"discard"` // Compiled program run for discarded messages
}

// StorageConfig selects the mail store used for fileinto and keep.
type StorageConfig struct {
	Type string `toml:"type"` // "maildir"
	Path string `toml:"path"` // Root of the per-user homes, <path>/<domain>/<localpart>

	UserScript string `toml:"user_script"` // Compiled user program, relative to the home
	AutoCreate bool   `toml:"auto_create"` // Create missing homes on first delivery
}

// LMTPConfig holds the LMTP delivery listener configuration.
type LMTPConfig struct {
	Start           bool     `toml:"start"`
	Addr            string   `toml:"addr"`
	MaxConnections  int      `toml:"max_connections"`  // Maximum concurrent connections, 0 is unlimited
	MaxMessageSize  int64    `toml:"max_message_size"` // Maximum size for incoming messages in bytes
	MaxRecipients   int      `toml:"max_recipients"`
	TrustedNetworks []string `toml:"trusted_networks"` // CIDR blocks allowed to connect
	TLS             bool     `toml:"tls"`
	TLSUseStartTLS  bool     `toml:"tls_use_starttls"`
	TLSCertFile     string   `toml:"tls_cert_file"`
	TLSKeyFile      string   `toml:"tls_key_file"`
	Debug           bool     `toml:"debug"`
}

// DuplicatesConfig holds the duplicate/vacation tracking database.
type DuplicatesConfig struct {
	Path            string `toml:"path"`             // SQLite database file, empty keeps tracking in memory
	CleanupInterval string `toml:"cleanup_interval"` // How often expired entries are purged
}

// MetricsConfig holds metrics server configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
	Path    string `toml:"path"`
}

// Config holds all configuration for the application.
type Config struct {
	Logging    LoggingConfig    `toml:"logging"`
	Sieve      SieveConfig      `toml:"sieve"`
	Relay      RelayConfig      `toml:"relay"`
	LMTP       LMTPConfig       `toml:"lmtp"`
	Storage    StorageConfig    `toml:"storage"`
	Duplicates DuplicatesConfig `toml:"duplicates"`
	Metrics    MetricsConfig    `toml:"metrics"`
}

// NewDefaultConfig creates a Config struct with default values.
func NewDefaultConfig() Config {
	return Config{
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Sieve: SieveConfig{
			MaxCPUTime:             "0",
			MaxActions:             32,
			MaxRedirects:           4,
			MaxStringLength:        65536,
			MaxLoopDepth:           4,
			KeepMailbox:            "INBOX",
			VacationMinPeriod:      "1d",
			VacationDefaultPeriod:  "7d",
			VacationMaxPeriod:      "90d",
			DuplicateDefaultPeriod: "12h",
			DuplicateMaxPeriod:     "7d",
		},
		Relay: RelayConfig{
			SMTPTLSVerify: true,
		},
		LMTP: LMTPConfig{
			Addr:           "127.0.0.1:24",
			MaxConnections: 100,
			MaxMessageSize: 50 * 1024 * 1024,
			MaxRecipients:  100,
		},
		Storage: StorageConfig{
			Type:       "maildir",
			Path:       "/var/mail/sievevm",
			UserScript: "sieve/active.svbc",
		},
		Duplicates: DuplicatesConfig{
			CleanupInterval: "1h",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
			Path:    "/metrics",
		},
	}
}

// GetMaxCPUTime parses the CPU time limit. Zero means unlimited.
func (s *SieveConfig) GetMaxCPUTime() (time.Duration, error) {
	if s.MaxCPUTime == "" {
		return 0, nil
	}
	return helpers.ParseDuration(s.MaxCPUTime)
}

// GetMaxActions returns the action limit with default
func (s *SieveConfig) GetMaxActions() int {
	if s.MaxActions <= 0 {
		return 32
	}
	return s.MaxActions
}

// GetMaxRedirects returns the redirect limit with default
func (s *SieveConfig) GetMaxRedirects() int {
	if s.MaxRedirects < 0 {
		return 4
	}
	return s.MaxRedirects
}

// GetMaxStringLength returns the catenated string cap with default
func (s *SieveConfig) GetMaxStringLength() int {
	if s.MaxStringLength <= 0 {
		return 65536
	}
	return s.MaxStringLength
}

// GetKeepMailbox returns the implicit keep target with default
func (s *SieveConfig) GetKeepMailbox() string {
	if s.KeepMailbox == "" {
		return "INBOX"
	}
	return s.KeepMailbox
}

func durationOr(value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	return helpers.ParseDuration(value)
}

// GetVacationPeriods parses the vacation period bounds.
func (s *SieveConfig) GetVacationPeriods() (minPeriod, defPeriod, maxPeriod time.Duration, err error) {
	if minPeriod, err = durationOr(s.VacationMinPeriod, 24*time.Hour); err != nil {
		return 0, 0, 0, fmt.Errorf("vacation_min_period: %w", err)
	}
	if defPeriod, err = durationOr(s.VacationDefaultPeriod, 7*24*time.Hour); err != nil {
		return 0, 0, 0, fmt.Errorf("vacation_default_period: %w", err)
	}
	if maxPeriod, err = durationOr(s.VacationMaxPeriod, 90*24*time.Hour); err != nil {
		return 0, 0, 0, fmt.Errorf("vacation_max_period: %w", err)
	}
	return minPeriod, defPeriod, maxPeriod, nil
}

// GetDuplicatePeriods parses the duplicate tracking periods.
func (s *SieveConfig) GetDuplicatePeriods() (defPeriod, maxPeriod time.Duration, err error) {
	if defPeriod, err = durationOr(s.DuplicateDefaultPeriod, 12*time.Hour); err != nil {
		return 0, 0, fmt.Errorf("duplicate_default_period: %w", err)
	}
	if maxPeriod, err = durationOr(s.DuplicateMaxPeriod, 7*24*time.Hour); err != nil {
		return 0, 0, fmt.Errorf("duplicate_max_period: %w", err)
	}
	return defPeriod, maxPeriod, nil
}

// ExtensionEnabled reports whether name is in the enabled list. An empty
// list enables every extension.
func (s *SieveConfig) ExtensionEnabled(name string) bool {
	if len(s.Extensions) == 0 {
		return true
	}
	for _, ext := range s.Extensions {
		if strings.EqualFold(ext, name) {
			return true
		}
	}
	return false
}

// DefaultTrustedNetworks are used when lmtp.trusted_networks is empty.
var DefaultTrustedNetworks = []string{
	"127.0.0.0/8",
	"::1/128",
	"10.0.0.0/8",
	"172.16.0.0/12",
	"192.168.0.0/16",
}

// GetTrustedNetworks returns the configured networks or the private defaults.
func (l *LMTPConfig) GetTrustedNetworks() []string {
	if len(l.TrustedNetworks) == 0 {
		return DefaultTrustedNetworks
	}
	return l.TrustedNetworks
}

// UserHome returns the home directory of address below the storage root,
// or an error when the address cannot name a directory.
func (s *StorageConfig) UserHome(address string) (string, error) {
	local, domain := helpers.SplitEmailAddress(address)
	if local == "" || domain == "" {
		return "", fmt.Errorf("invalid address %q", address)
	}
	for _, part := range []string{local, domain} {
		if part == "." || part == ".." || strings.ContainsAny(part, "/\\\x00") {
			return "", fmt.Errorf("invalid address %q", address)
		}
	}
	return filepath.Join(s.Path, domain, local), nil
}

// UserScriptPath returns the compiled user program path inside home, or
// an empty string when user scripts are disabled.
func (s *StorageConfig) UserScriptPath(home string) string {
	if s.UserScript == "" {
		return ""
	}
	if filepath.IsAbs(s.UserScript) {
		return s.UserScript
	}
	return filepath.Join(home, s.UserScript)
}

// GetCleanupInterval parses the duplicate purge interval
func (d *DuplicatesConfig) GetCleanupInterval() (time.Duration, error) {
	if d.CleanupInterval == "" {
		return time.Hour, nil
	}
	return helpers.ParseDuration(d.CleanupInterval)
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	s := &c.Sieve
	if _, err := s.GetMaxCPUTime(); err != nil {
		return fmt.Errorf("sieve.max_cpu_time: %w", err)
	}
	if s.MaxActions < 0 {
		return fmt.Errorf("sieve.max_actions must not be negative")
	}
	if s.MaxRedirects < 0 {
		return fmt.Errorf("sieve.max_redirects must not be negative")
	}
	if s.MaxActions > 0 && s.MaxRedirects > s.MaxActions {
		return fmt.Errorf("sieve.max_redirects (%d) exceeds sieve.max_actions (%d)", s.MaxRedirects, s.MaxActions)
	}
	vmin, vdef, vmax, err := s.GetVacationPeriods()
	if err != nil {
		return fmt.Errorf("sieve.%w", err)
	}
	if vmin > vmax || vdef < vmin || vdef > vmax {
		return fmt.Errorf("sieve: vacation periods must satisfy min <= default <= max (got %s, %s, %s)", vmin, vdef, vmax)
	}
	ddef, dmax, err := s.GetDuplicatePeriods()
	if err != nil {
		return fmt.Errorf("sieve.%w", err)
	}
	if ddef > dmax {
		return fmt.Errorf("sieve: duplicate_default_period %s exceeds duplicate_max_period %s", ddef, dmax)
	}

	switch c.Storage.Type {
	case "", "maildir":
		if c.Storage.Type == "maildir" && c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for maildir storage")
		}
	default:
		return fmt.Errorf("storage.type %q is not supported", c.Storage.Type)
	}

	if c.LMTP.Start {
		if c.LMTP.Addr == "" {
			return fmt.Errorf("lmtp.addr is required when lmtp.start is set")
		}
		if c.LMTP.TLS && (c.LMTP.TLSCertFile == "" || c.LMTP.TLSKeyFile == "") {
			return fmt.Errorf("lmtp.tls requires tls_cert_file and tls_key_file")
		}
		for _, cidr := range c.LMTP.TrustedNetworks {
			if _, _, err := net.ParseCIDR(cidr); err != nil {
				return fmt.Errorf("lmtp.trusted_networks: %w", err)
			}
		}
	}

	if _, err := c.Duplicates.GetCleanupInterval(); err != nil {
		return fmt.Errorf("duplicates.cleanup_interval: %w", err)
	}
	return c.Relay.Validate()
}

// WarnUnusedConfigOptions logs warnings for options that have no effect
// with the rest of the configuration.
func (c *Config) WarnUnusedConfigOptions(logger func(format string, args ...interface{})) {
	if !c.Relay.IsConfigured() {
		if c.Relay.SMTPUseStartTLS || c.Relay.SMTPTLS {
			logger("WARNING: relay TLS options are set, but no relay type is configured")
		}
		if c.Sieve.ExtensionEnabled("vacation") || c.Sieve.ExtensionEnabled("reject") {
			logger("WARNING: vacation and reject are enabled without a relay; their messages cannot be sent")
		}
	}
	if c.Sieve.Postmaster == "" && c.Sieve.ExtensionEnabled("reject") {
		logger("WARNING: reject is enabled, but 'postmaster' is not set")
	}
	if c.Sieve.Hostname == "" {
		logger("WARNING: 'hostname' is not set; generated Message-IDs use localhost")
	}
	if !c.LMTP.TLS && c.LMTP.TLSUseStartTLS {
		logger("WARNING: lmtp 'tls_use_starttls' has no effect without 'tls'")
	}
	if !c.Metrics.Enabled && (c.Metrics.Addr != "" && c.Metrics.Addr != ":9090") {
		logger("WARNING: metrics 'addr' is configured, but metrics are disabled")
	}
}
