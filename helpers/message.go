package helpers

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/k3a/html2text"
)

// MaxPartDepth bounds MIME nesting when a message is split into parts.
const MaxPartDepth = 32

// Part is one MIME part of a message. Body holds the content of leaf parts
// with the transfer encoding removed and text converted to UTF-8 where the
// charset is known; it is empty for multipart parts.
type Part struct {
	Header    message.Header
	MediaType string
	Params    map[string]string
	Body      []byte
	Children  []*Part
}

// ParseParts reads the MIME structure of raw. Parts that fail to decode keep
// whatever content could be read.
func ParseParts(raw []byte) (*Part, error) {
	ent, err := message.Read(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	return readPart(ent, 0)
}

func readPart(ent *message.Entity, depth int) (*Part, error) {
	mediaType, params, err := ent.Header.ContentType()
	if err != nil || mediaType == "" {
		mediaType, params = "text/plain", map[string]string{}
	}
	p := &Part{Header: ent.Header, MediaType: strings.ToLower(mediaType), Params: params}

	mr := ent.MultipartReader()
	if mr == nil {
		content, err := io.ReadAll(ent.Body)
		if err != nil && len(content) == 0 {
			return nil, fmt.Errorf("reading %s part: %w", p.MediaType, err)
		}
		p.Body = content
		return p, nil
	}
	if depth >= MaxPartDepth {
		return nil, fmt.Errorf("MIME structure nested deeper than %d levels", MaxPartDepth)
	}
	for {
		child, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) && !message.IsUnknownEncoding(err) {
			return nil, fmt.Errorf("reading multipart: %w", err)
		}
		cp, err := readPart(child, depth+1)
		if err != nil {
			return nil, err
		}
		p.Children = append(p.Children, cp)
	}
	return p, nil
}

// IsMultipart reports whether p is a container part.
func (p *Part) IsMultipart() bool {
	return strings.HasPrefix(p.MediaType, "multipart/")
}

// Descendants lists the parts below p in depth-first order.
func (p *Part) Descendants() []*Part {
	var parts []*Part
	var walk func(*Part)
	walk = func(q *Part) {
		for _, c := range q.Children {
			parts = append(parts, c)
			walk(c)
		}
	}
	walk(p)
	return parts
}

// Leaves lists the non-multipart parts at or below p.
func (p *Part) Leaves() []*Part {
	if !p.IsMultipart() {
		return []*Part{p}
	}
	var leaves []*Part
	for _, c := range p.Descendants() {
		if !c.IsMultipart() {
			leaves = append(leaves, c)
		}
	}
	return leaves
}

// MatchesContentType reports whether the part's media type matches ct,
// which is either a full type ("text/html"), a bare top-level type ("text")
// or empty, which matches everything.
func (p *Part) MatchesContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		return true
	}
	if strings.Contains(ct, "/") {
		return p.MediaType == ct
	}
	top, _, _ := strings.Cut(p.MediaType, "/")
	return top == ct
}

// Text renders the content of a text part as plain text. HTML is converted
// with html2text; other text subtypes are returned as is. ok is false for
// non-text parts.
func (p *Part) Text() (string, bool) {
	switch {
	case p.MediaType == "text/html":
		return html2text.HTML2Text(string(p.Body)), true
	case strings.HasPrefix(p.MediaType, "text/"):
		return string(p.Body), true
	}
	return "", false
}

// ExtractPlaintextBody returns the first text/plain part of the message, or
// the first HTML part converted to text when there is none.
func ExtractPlaintextBody(root *Part) (string, bool) {
	var html *Part
	for _, leaf := range root.Leaves() {
		switch leaf.MediaType {
		case "text/plain":
			return string(leaf.Body), true
		case "text/html":
			if html == nil {
				html = leaf
			}
		}
	}
	if html != nil {
		return html2text.HTML2Text(string(html.Body)), true
	}
	return "", false
}
