package lmtp

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/migadu/sievevm/config"
	"github.com/migadu/sievevm/sieve"
	"github.com/migadu/sievevm/server/delivery"
)

// ErrUnknownUser is returned by a Directory for addresses it does not
// serve.
var ErrUnknownUser = errors.New("no such user")

// Recipient is an accepted RCPT TO: the mailbox owner, their store and the
// location of their compiled program.
type Recipient struct {
	Address     string
	Store       sieve.MailStore
	ProgramPath string // empty when the user has no program
}

// Directory resolves recipient addresses.
type Directory interface {
	Lookup(ctx context.Context, address string) (*Recipient, error)
}

// MaildirDirectory serves every user with a home below the storage root.
// The maildir lives in <home>/Maildir.
type MaildirDirectory struct {
	cfg      config.StorageConfig
	hostname string
}

// NewMaildirDirectory returns a directory over the configured storage root.
func NewMaildirDirectory(cfg config.StorageConfig, hostname string) *MaildirDirectory {
	return &MaildirDirectory{cfg: cfg, hostname: hostname}
}

func (d *MaildirDirectory) Lookup(ctx context.Context, address string) (*Recipient, error) {
	home, err := d.cfg.UserHome(address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownUser, err)
	}
	if _, err := os.Stat(home); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		if !d.cfg.AutoCreate {
			return nil, ErrUnknownUser
		}
		if err := os.MkdirAll(home, 0o700); err != nil {
			return nil, fmt.Errorf("failed to create home for %s: %w", address, err)
		}
	}
	return &Recipient{
		Address:     address,
		Store:       delivery.NewMaildirStore(filepath.Join(home, "Maildir"), d.hostname),
		ProgramPath: d.cfg.UserScriptPath(home),
	}, nil
}
