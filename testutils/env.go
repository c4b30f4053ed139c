package testutils

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/migadu/sievevm/sieve"
)

// SimpleMessage is a small plain text message.
const SimpleMessage = "From: Alice <alice@example.org>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Hello there\r\n" +
	"Message-ID: <simple-1@example.org>\r\n" +
	"Date: Mon, 19 Oct 2026 10:00:00 +0000\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Hi Bob,\r\n" +
	"this is a test.\r\n"

// MultipartMessage has a plain text and an HTML alternative plus an
// attachment.
const MultipartMessage = "From: Carol <carol@example.net>\r\n" +
	"To: bob@example.com\r\n" +
	"Subject: Report\r\n" +
	"Message-ID: <multi-1@example.net>\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"outer\"\r\n" +
	"\r\n" +
	"--outer\r\n" +
	"Content-Type: multipart/alternative; boundary=\"inner\"\r\n" +
	"\r\n" +
	"--inner\r\n" +
	"Content-Type: text/plain; charset=utf-8\r\n" +
	"\r\n" +
	"Quarterly numbers attached.\r\n" +
	"--inner\r\n" +
	"Content-Type: text/html; charset=utf-8\r\n" +
	"\r\n" +
	"<html><body><p>Quarterly <b>numbers</b> attached.</p></body></html>\r\n" +
	"--inner--\r\n" +
	"--outer\r\n" +
	"Content-Type: application/pdf; name=\"report.pdf\"\r\n" +
	"Content-Disposition: attachment; filename=\"report.pdf\"\r\n" +
	"X-Scan: clean\r\n" +
	"\r\n" +
	"JVBERi0xLjQK\r\n" +
	"--outer--\r\n"

// Message parses raw, which may use bare LF line endings, with a default
// envelope from the message's sender to bob@example.com.
func Message(t testing.TB, raw string) *sieve.MessageData {
	t.Helper()
	if !strings.Contains(raw, "\r\n") {
		raw = strings.ReplaceAll(raw, "\n", "\r\n")
	}
	msg, err := sieve.ParseMessage([]byte(raw), sieve.Envelope{
		From: "alice@example.org",
		To:   "bob@example.com",
	})
	require.NoError(t, err)
	return msg
}

// Env bundles an ExecEnv with the mocks behind it and a controllable clock.
type Env struct {
	Exec      *sieve.ExecEnv
	Mailboxes *MockMailStore
	Outbox    *MockTransport
	Tracker   *MockDuplicateTracker

	mu  sync.Mutex
	now time.Time
}

// NewEnv creates an environment for bob@example.com with the given extra
// mailboxes. The clock starts at a fixed time and only moves with Advance.
func NewEnv(mailboxes ...string) *Env {
	e := &Env{
		Mailboxes: NewMockMailStore(mailboxes...),
		Outbox:    NewMockTransport(),
		now:       time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC),
	}
	e.Tracker = NewMockDuplicateTracker(e.Now)
	e.Exec = &sieve.ExecEnv{
		Store:      e.Mailboxes,
		Transport:  e.Outbox,
		Duplicates: e.Tracker,
		User:       "bob@example.com",
		Postmaster: "postmaster@example.com",
		Hostname:   "mx.example.com",
		Now:        e.Now,
	}
	return e
}

func (e *Env) Now() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now
}

// Advance moves the clock forward.
func (e *Env) Advance(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.now = e.now.Add(d)
}
