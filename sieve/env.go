package sieve

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MailStore opens mailboxes for storing the message. Implementations decide
// how mailbox names map to storage.
type MailStore interface {
	// Open starts a store transaction on mailbox. When create is set a
	// missing mailbox is created, otherwise consts.ErrMailboxNotFound is
	// returned for it.
	Open(ctx context.Context, mailbox string, create bool) (StoreTx, error)
	MailboxExists(ctx context.Context, mailbox string) (bool, error)
}

// StoreTx is one pending save. Nothing is visible to mail clients until
// Commit succeeds.
type StoreTx interface {
	Save(ctx context.Context, msg []byte, flags []string) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Transport sends outbound messages (redirects, auto-replies, rejections).
// An empty from means the null return path.
type Transport interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// DuplicateTracker remembers hashed keys for a period of time. It backs the
// vacation response interval and the duplicate test.
type DuplicateTracker interface {
	Check(ctx context.Context, key []byte) (bool, error)
	Mark(ctx context.Context, key []byte, expires time.Time) error
}

// ExecEnv is the capability surface the embedding application supplies to
// actions. Actions only touch it from their start/execute/commit/rollback
// hooks.
type ExecEnv struct {
	Store      MailStore
	Transport  Transport
	Duplicates DuplicateTracker

	User       string // address of the mailbox owner
	Postmaster string
	Hostname   string

	// Now is used for expiry computations; time.Now when nil.
	Now func() time.Time
}

func (e *ExecEnv) Time() time.Time {
	if e == nil || e.Now == nil {
		return time.Now()
	}
	return e.Now()
}

// PostmasterAddress falls back to postmaster@hostname.
func (e *ExecEnv) PostmasterAddress() string {
	if e.Postmaster != "" {
		return e.Postmaster
	}
	if e.Hostname != "" {
		return "postmaster@" + e.Hostname
	}
	return "postmaster"
}

// IsUser reports whether addr is the mailbox owner's address.
func (e *ExecEnv) IsUser(addr string) bool {
	return e.User != "" && strings.EqualFold(strings.TrimSpace(addr), e.User)
}

// Location identifies where in a script an action was issued.
type Location struct {
	Script string
	Line   int
}

func (l Location) String() string {
	if l.Line == 0 {
		return l.Script
	}
	return fmt.Sprintf("%s:%d", l.Script, l.Line)
}
