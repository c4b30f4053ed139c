// Package compose builds the messages extensions send on their own: reject
// notices and vacation replies.
package compose

import (
	"bytes"
	"fmt"
	"io"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"
	"github.com/google/uuid"

	"github.com/migadu/sievevm/sieve"
)

// MessageID generates a Message-ID for a message originating at hostname.
func MessageID(hostname string) string {
	if hostname == "" {
		hostname = "localhost"
	}
	return fmt.Sprintf("<%s.sieve@%s>", uuid.New().String(), hostname)
}

// Header starts the header of a generated message with the fields every
// generated message carries.
func Header(env *sieve.ExecEnv, from, to, subject string) message.Header {
	var h mail.Header
	h.Set("From", from)
	h.Set("To", to)
	h.SetSubject(subject)
	h.SetDate(env.Time())
	h.Set("Message-ID", MessageID(env.Hostname))
	h.Set("MIME-Version", "1.0")
	return h.Header
}

// InReplyTo threads a reply to the original message.
func InReplyTo(h *message.Header, orig *sieve.MessageData) {
	if orig.ID == "" {
		return
	}
	h.Set("In-Reply-To", orig.ID)
	refs := orig.Header.Get("References")
	if refs != "" {
		refs += " "
	}
	h.Set("References", refs+orig.ID)
}

// Text renders a single part text/plain message.
func Text(h message.Header, body string) ([]byte, error) {
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Transfer-Encoding", "quoted-printable")
	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Raw renders h followed by a body that already carries its own MIME
// header fields.
func Raw(h message.Header, entity string) ([]byte, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, h.Header); err != nil {
		return nil, err
	}
	// The entity's own header fields continue the message header.
	buf.Truncate(buf.Len() - 2)
	buf.WriteString(entity)
	return buf.Bytes(), nil
}

// Report renders a multipart/report disposition notification: a human
// readable explanation, the machine readable notification fields and the
// header of the original message.
func Report(h message.Header, explanation string, fields [][2]string, orig *sieve.MessageData) ([]byte, error) {
	h.Set("Content-Type", "multipart/report; report-type=disposition-notification")
	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	var textHeader message.Header
	textHeader.Set("Content-Type", "text/plain; charset=utf-8")
	textHeader.Set("Content-Transfer-Encoding", "quoted-printable")
	if err := writePart(w, textHeader, []byte(explanation)); err != nil {
		return nil, err
	}

	var mdn bytes.Buffer
	for _, f := range fields {
		fmt.Fprintf(&mdn, "%s: %s\r\n", f[0], f[1])
	}
	var mdnHeader message.Header
	mdnHeader.Set("Content-Type", "message/disposition-notification")
	if err := writePart(w, mdnHeader, mdn.Bytes()); err != nil {
		return nil, err
	}

	var orighdr bytes.Buffer
	if err := textproto.WriteHeader(&orighdr, orig.Header.Header); err != nil {
		return nil, err
	}
	var origHeader message.Header
	origHeader.Set("Content-Type", "text/rfc822-headers")
	if err := writePart(w, origHeader, orighdr.Bytes()); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writePart(w *message.Writer, h message.Header, body []byte) error {
	pw, err := w.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := pw.Write(body); err != nil {
		return err
	}
	return pw.Close()
}
