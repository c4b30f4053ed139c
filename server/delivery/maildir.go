package delivery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/google/uuid"

	"github.com/migadu/sievevm/consts"
	"github.com/migadu/sievevm/helpers"
	"github.com/migadu/sievevm/logger"
	"github.com/migadu/sievevm/pkg/metrics"
	"github.com/migadu/sievevm/sieve"
)

var maildirSubdirs = []string{"tmp", "new", "cur"}

// MaildirStore stores messages in a Maildir++ tree. INBOX is the root
// maildir and always exists; other mailboxes are dot folders below it.
type MaildirStore struct {
	Root     string
	Hostname string // part of unique file names

	mu sync.Mutex // serializes mailbox creation
}

func NewMaildirStore(root, hostname string) *MaildirStore {
	if hostname == "" {
		hostname = "localhost"
	}
	return &MaildirStore{Root: root, Hostname: hostname}
}

func (s *MaildirStore) folderPath(mailbox string) (string, error) {
	folder, err := helpers.MaildirFolder(mailbox)
	if err != nil {
		return "", fmt.Errorf("%w: %v", consts.ErrNotPermitted, err)
	}
	return filepath.Join(s.Root, folder), nil
}

func isMaildir(dir string) bool {
	for _, sub := range maildirSubdirs {
		if fi, err := os.Stat(filepath.Join(dir, sub)); err != nil || !fi.IsDir() {
			return false
		}
	}
	return true
}

func isInbox(mailbox string) bool {
	return strings.EqualFold(mailbox, consts.MailboxInbox)
}

// MailboxExists reports whether mailbox has a maildir.
func (s *MaildirStore) MailboxExists(ctx context.Context, mailbox string) (bool, error) {
	if isInbox(mailbox) {
		return true, nil
	}
	dir, err := s.folderPath(mailbox)
	if err != nil {
		return false, nil
	}
	return isMaildir(dir), nil
}

// Create makes the maildir of mailbox and its parents.
func (s *MaildirStore) Create(mailbox string) error {
	dir, err := s.folderPath(mailbox)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range maildirSubdirs {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return fmt.Errorf("creating maildir %s: %w", mailbox, err)
		}
	}
	if !isInbox(mailbox) {
		// Maildir++ marks folders with an empty maildirfolder file.
		f, err := os.OpenFile(filepath.Join(dir, "maildirfolder"), os.O_CREATE|os.O_WRONLY, 0600)
		if err != nil {
			return fmt.Errorf("creating maildir %s: %w", mailbox, err)
		}
		f.Close()
	}
	return nil
}

// Mailboxes lists the mailboxes present under the root, INBOX first.
func (s *MaildirStore) Mailboxes() ([]string, error) {
	entries, err := os.ReadDir(s.Root)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || len(name) < 2 || name[0] != '.' || name == ".." {
			continue
		}
		if isMaildir(filepath.Join(s.Root, name)) {
			names = append(names, strings.ReplaceAll(name[1:], ".", helpers.MailboxSeparator))
		}
	}
	sort.Strings(names)
	return append([]string{consts.MailboxInbox}, names...), nil
}

// Open starts a store transaction on mailbox.
func (s *MaildirStore) Open(ctx context.Context, mailbox string, create bool) (sieve.StoreTx, error) {
	dir, err := s.folderPath(mailbox)
	if err != nil {
		return nil, err
	}
	if !isMaildir(dir) {
		if !create && !isInbox(mailbox) {
			return nil, fmt.Errorf("%w: %s", consts.ErrMailboxNotFound, mailbox)
		}
		if err := s.Create(mailbox); err != nil {
			return nil, err
		}
		logger.Info("Maildir: created mailbox", "mailbox", mailbox)
	}
	return &maildirTx{store: s, mailbox: mailbox, dir: dir}, nil
}

type pendingFile struct {
	tmp   string
	final string
}

type maildirTx struct {
	store   *MaildirStore
	mailbox string
	dir     string
	pending []pendingFile
	done    bool
}

// uniqueName follows the time.unique.host convention.
func (s *MaildirStore) uniqueName(now time.Time) string {
	host := strings.NewReplacer("/", "\\057", ":", "\\072").Replace(s.Hostname)
	return fmt.Sprintf("%d.%s.%s", now.Unix(), uuid.NewString(), host)
}

// infoSuffix encodes the system flags Maildir can represent. Keywords have
// no standard Maildir form and are dropped.
func infoSuffix(flags []string) string {
	var letters []byte
	for _, f := range flags {
		switch imap.Flag(f) {
		case imap.FlagDraft:
			letters = append(letters, 'D')
		case imap.FlagFlagged:
			letters = append(letters, 'F')
		case imap.FlagAnswered:
			letters = append(letters, 'R')
		case imap.FlagSeen:
			letters = append(letters, 'S')
		case imap.FlagDeleted:
			letters = append(letters, 'T')
		}
	}
	if len(letters) == 0 {
		return ""
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return ":2," + string(letters)
}

func (tx *maildirTx) Save(ctx context.Context, msg []byte, flags []string) error {
	if tx.done {
		return fmt.Errorf("maildir transaction on %s already finished", tx.mailbox)
	}
	name := tx.store.uniqueName(time.Now())
	tmp := filepath.Join(tx.dir, "tmp", name)
	if err := os.WriteFile(tmp, msg, 0600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing message to %s: %w", tx.mailbox, err)
	}

	final := filepath.Join(tx.dir, "new", name)
	if suffix := infoSuffix(flags); suffix != "" {
		final = filepath.Join(tx.dir, "cur", name+suffix)
	}
	tx.pending = append(tx.pending, pendingFile{tmp: tmp, final: final})
	return nil
}

// Commit moves the saved messages from tmp into new or cur.
func (tx *maildirTx) Commit(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	for i, p := range tx.pending {
		if err := os.Rename(p.tmp, p.final); err != nil {
			for _, rest := range tx.pending[i:] {
				os.Remove(rest.tmp)
			}
			metrics.MailboxStores.WithLabelValues("failure").Inc()
			return fmt.Errorf("delivering message to %s: %w", tx.mailbox, err)
		}
		metrics.MailboxStores.WithLabelValues("success").Inc()
		logger.Debug("Maildir: delivered message", "mailbox", tx.mailbox, "file", filepath.Base(p.final))
	}
	return nil
}

// Rollback removes the files that were never committed.
func (tx *maildirTx) Rollback(ctx context.Context) error {
	if tx.done {
		return nil
	}
	tx.done = true
	var firstErr error
	for _, p := range tx.pending {
		if err := os.Remove(p.tmp); err != nil && !errors.Is(err, os.ErrNotExist) && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
