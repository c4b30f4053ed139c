package delivery

import (
	"fmt"

	"github.com/migadu/sievevm/config"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/sieve/extensions"
	"github.com/migadu/sievevm/sieve/interp"
)

// Services are the long-lived dependencies shared by every delivery of a
// process: the extension registry, the outbound relay and the duplicate
// tracker.
type Services struct {
	Registry   *interp.Registry
	Transport  sieve.Transport // nil when no relay is configured
	Duplicates *SQLiteDuplicateTracker
}

// NewServices builds the services described by cfg.
func NewServices(cfg *config.Config) (*Services, error) {
	reg, err := extensions.NewRegistry(cfg.Sieve)
	if err != nil {
		return nil, err
	}
	s := &Services{Registry: reg}

	if cfg.Relay.IsConfigured() {
		transport, err := NewSMTPTransport(cfg.Relay, cfg.Sieve.Hostname)
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		s.Transport = transport
	} else {
		logger.Debug("Sieve: no relay configured, redirect and notices are unavailable")
	}

	if s.Duplicates, err = NewSQLiteDuplicateTracker(cfg.Duplicates.Path); err != nil {
		return nil, fmt.Errorf("duplicates: %w", err)
	}
	return s, nil
}

// NewDeliveryContext wires a DeliveryContext over these services.
func (s *Services) NewDeliveryContext(cfg *config.Config, store sieve.MailStore) (*DeliveryContext, error) {
	return NewDeliveryContext(cfg, s.Registry, store, s.Transport, s.Duplicates)
}

func (s *Services) Close() error {
	if s.Duplicates != nil {
		return s.Duplicates.Close()
	}
	return nil
}
