package sieve

import (
	"bytes"
	"fmt"
	"mime"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
)

// Envelope is the SMTP/LMTP envelope of the message being filtered.
type Envelope struct {
	From   string // return path, empty for the null sender
	To     string // final recipient
	OrigTo string // original recipient, when known
	Auth   string // authenticated submitter, when known
}

// MessageData is the message a script runs against. It is read-only for the
// whole execution and may be shared by every script of a chain.
type MessageData struct {
	Envelope Envelope
	Header   message.Header
	Raw      []byte
	ID       string
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// ParseMessage reads the header of raw and builds the message data. Unknown
// charsets and transfer encodings are tolerated; the body is only decoded when
// a test asks for it.
func ParseMessage(raw []byte, env Envelope) (*MessageData, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("parsing message: %w", err)
	}
	md := &MessageData{
		Envelope: env,
		Header:   ent.Header,
		Raw:      raw,
	}
	md.ID = strings.TrimSpace(ent.Header.Get("Message-Id"))
	return md, nil
}

// Entity re-parses the raw message so the caller may walk its MIME tree.
func (m *MessageData) Entity() (*message.Entity, error) {
	ent, err := message.Read(bytes.NewReader(m.Raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, err
	}
	return ent, nil
}

// Size is the size of the raw message in octets.
func (m *MessageData) Size() int {
	return len(m.Raw)
}

// Body returns the raw body, everything after the header/body separator.
func (m *MessageData) Body() []byte {
	if i := bytes.Index(m.Raw, []byte("\r\n\r\n")); i >= 0 {
		return m.Raw[i+4:]
	}
	if i := bytes.Index(m.Raw, []byte("\n\n")); i >= 0 {
		return m.Raw[i+2:]
	}
	return nil
}

// HeaderValues returns every value of the named field, MIME-decoded, with
// folding whitespace unfolded.
func HeaderValues(h message.Header, name string) []string {
	raw := h.Values(name)
	if len(raw) == 0 {
		return nil
	}
	values := make([]string, 0, len(raw))
	for _, v := range raw {
		dec, err := wordDecoder.DecodeHeader(v)
		if err != nil {
			dec = v
		}
		values = append(values, unfold(dec))
	}
	return values
}

func unfold(s string) string {
	if !strings.ContainsAny(s, "\r\n") {
		return strings.TrimSpace(s)
	}
	s = strings.ReplaceAll(s, "\r\n", "")
	s = strings.ReplaceAll(s, "\n", "")
	return strings.TrimSpace(s)
}
