package testutils

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/migadu/sievevm/consts"
	"github.com/migadu/sievevm/sieve"
)

// StoredMessage is a message saved into a MockMailStore.
type StoredMessage struct {
	Mailbox string
	Raw     []byte
	Flags   []string
}

// MockMailStore implements sieve.MailStore in memory. Saves become visible
// on commit only.
type MockMailStore struct {
	mu        sync.Mutex
	mailboxes map[string][]StoredMessage
	errors    map[string]error // mailbox -> error to simulate failures
	commits   int
	rollbacks int
}

// NewMockMailStore creates a store with the given mailboxes. INBOX always
// exists.
func NewMockMailStore(mailboxes ...string) *MockMailStore {
	m := &MockMailStore{
		mailboxes: map[string][]StoredMessage{"INBOX": nil},
		errors:    make(map[string]error),
	}
	for _, name := range mailboxes {
		m.mailboxes[normalizeMailbox(name)] = nil
	}
	return m
}

func normalizeMailbox(name string) string {
	if strings.EqualFold(name, "INBOX") {
		return "INBOX"
	}
	return name
}

// SetError makes every operation on mailbox fail with err. A nil err
// clears the simulated failure.
func (m *MockMailStore) SetError(mailbox string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errors, mailbox)
		return
	}
	m.errors[mailbox] = err
}

func (m *MockMailStore) Open(ctx context.Context, mailbox string, create bool) (sieve.StoreTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := normalizeMailbox(mailbox)
	if err, ok := m.errors[name]; ok {
		return nil, err
	}
	if _, ok := m.mailboxes[name]; !ok && !create {
		return nil, fmt.Errorf("%w: %s", consts.ErrMailboxNotFound, mailbox)
	}
	return &mockTx{store: m, mailbox: name, create: create}, nil
}

func (m *MockMailStore) MailboxExists(ctx context.Context, mailbox string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := normalizeMailbox(mailbox)
	if err, ok := m.errors[name]; ok {
		return false, err
	}
	_, ok := m.mailboxes[name]
	return ok, nil
}

// Messages returns the committed messages of mailbox.
func (m *MockMailStore) Messages(mailbox string) []StoredMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredMessage(nil), m.mailboxes[normalizeMailbox(mailbox)]...)
}

// Mailboxes lists the existing mailboxes in sorted order.
func (m *MockMailStore) Mailboxes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.mailboxes))
	for name := range m.mailboxes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Total counts the committed messages of every mailbox.
func (m *MockMailStore) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msgs := range m.mailboxes {
		n += len(msgs)
	}
	return n
}

// Rollbacks counts rolled back transactions.
func (m *MockMailStore) Rollbacks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rollbacks
}

type mockTx struct {
	store   *MockMailStore
	mailbox string
	create  bool
	pending []StoredMessage
}

func (tx *mockTx) Save(ctx context.Context, msg []byte, flags []string) error {
	tx.pending = append(tx.pending, StoredMessage{
		Mailbox: tx.mailbox,
		Raw:     append([]byte(nil), msg...),
		Flags:   append([]string(nil), flags...),
	})
	return nil
}

func (tx *mockTx) Commit(ctx context.Context) error {
	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.errors[tx.mailbox]; ok {
		return err
	}
	m.mailboxes[tx.mailbox] = append(m.mailboxes[tx.mailbox], tx.pending...)
	m.commits++
	tx.pending = nil
	return nil
}

func (tx *mockTx) Rollback(ctx context.Context) error {
	m := tx.store
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks++
	tx.pending = nil
	return nil
}

// SentMessage is a message handed to a MockTransport.
type SentMessage struct {
	From string
	To   []string
	Raw  []byte
}

// MockTransport implements sieve.Transport by recording messages.
type MockTransport struct {
	mu   sync.Mutex
	sent []SentMessage
	err  error
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

// SetError makes every Send fail with err.
func (t *MockTransport) SetError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.err = err
}

func (t *MockTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.sent = append(t.sent, SentMessage{From: from, To: append([]string(nil), to...), Raw: append([]byte(nil), msg...)})
	return nil
}

// Sent returns the recorded messages.
func (t *MockTransport) Sent() []SentMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]SentMessage(nil), t.sent...)
}

// MockDuplicateTracker implements sieve.DuplicateTracker in memory.
type MockDuplicateTracker struct {
	mu      sync.Mutex
	entries map[string]time.Time
	now     func() time.Time
}

// NewMockDuplicateTracker uses now to expire entries; time.Now when nil.
func NewMockDuplicateTracker(now func() time.Time) *MockDuplicateTracker {
	if now == nil {
		now = time.Now
	}
	return &MockDuplicateTracker{entries: make(map[string]time.Time), now: now}
}

func (d *MockDuplicateTracker) Check(ctx context.Context, key []byte) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	exp, ok := d.entries[string(key)]
	return ok && d.now().Before(exp), nil
}

func (d *MockDuplicateTracker) Mark(ctx context.Context, key []byte, expires time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[string(key)] = expires
	return nil
}

// Len counts the tracked keys, expired or not.
func (d *MockDuplicateTracker) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}
