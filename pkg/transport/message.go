// Package transport builds outgoing messages and hands them to a mail provider.
package transport

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/pkg/errors"

	"github.com/ThomasHabets/cryptsend/pkg/att"
)

const (
	TypeTextPlain = "text/plain"
	TypeTextHTML  = "text/html"

	defaultRootType = "multipart/mixed"
)

// Recipient kinds.
const (
	To  = "to"
	Cc  = "cc"
	Bcc = "bcc"
)

var recipientKinds = []string{To, Cc, Bcc}

// Recipients maps recipient kind to ordered addresses.
type Recipients map[string][]string

// All returns every recipient, in kind order.
func (r Recipients) All() []string {
	var ret []string
	for _, k := range recipientKinds {
		ret = append(ret, r[k]...)
	}
	return ret
}

// Body maps content type to content.
type Body map[string]string

// Parts returns the content types present, text before HTML.
func (b Body) Parts() []string {
	var ret []string
	for _, t := range []string{TypeTextPlain, TypeTextHTML} {
		if _, ok := b[t]; ok {
			ret = append(ret, t)
		}
	}
	return ret
}

// SendableMsg is a provider neutral outgoing message.
type SendableMsg struct {
	Headers    map[string]string
	From       string
	Recipients Recipients
	Subject    string
	Body       Body
	Atts       []*att.Attachment
	Thread     string

	// MIMERootType overrides the multipart/mixed default.
	MIMERootType string
}

// CreateMsgObj assembles a SendableMsg.
func CreateMsgObj(from string, recipients Recipients, subject string, body Body, atts []*att.Attachment, threadID, rootType string) (*SendableMsg, error) {
	if len(recipients.All()) == 0 {
		return nil, errors.New("message has no recipients")
	}
	if body == nil {
		body = Body{}
	}
	return &SendableMsg{
		Headers:      map[string]string{},
		From:         from,
		Recipients:   recipients,
		Subject:      subject,
		Body:         body,
		Atts:         atts,
		Thread:       threadID,
		MIMERootType: rootType,
	}, nil
}

func formatAddresses(as []string) (string, error) {
	var out []string
	for _, a := range as {
		pa, err := mail.ParseAddress(a)
		if err != nil {
			return "", errors.Wrapf(err, "parsing address %q", a)
		}
		out = append(out, pa.String())
	}
	return strings.Join(out, ", "), nil
}

// header builds the top level header. Bcc is only included for
// providers that strip it themselves.
func (m *SendableMsg) header(now time.Time, bcc bool) (message.Header, error) {
	var h message.Header
	h.Set("MIME-Version", "1.0")
	h.Set("Date", now.Format(time.RFC1123Z))
	from, err := formatAddresses([]string{m.From})
	if err != nil {
		return h, err
	}
	h.Set("From", from)
	for _, k := range []struct{ kind, name string }{{To, "To"}, {Cc, "Cc"}, {Bcc, "Bcc"}} {
		if k.kind == Bcc && !bcc {
			continue
		}
		if len(m.Recipients[k.kind]) == 0 {
			continue
		}
		v, err := formatAddresses(m.Recipients[k.kind])
		if err != nil {
			return h, err
		}
		h.Set(k.name, v)
	}
	h.Set("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	for k, v := range m.Headers {
		h.Set(k, v)
	}
	root := m.MIMERootType
	if root == "" {
		root = defaultRootType
	}
	mt, params, err := mime.ParseMediaType(root)
	if err != nil {
		return h, errors.Wrapf(err, "parsing root type %q", root)
	}
	h.SetContentType(mt, params)
	return h, nil
}

// Encode renders the message as RFC 5322 bytes, without Bcc.
func (m *SendableMsg) Encode() ([]byte, error) {
	return m.encodeAt(time.Now(), false)
}

// EncodeWithBcc is Encode but keeps the Bcc header.
func (m *SendableMsg) EncodeWithBcc() ([]byte, error) {
	return m.encodeAt(time.Now(), true)
}

func (m *SendableMsg) encodeAt(now time.Time, bcc bool) ([]byte, error) {
	h, err := m.header(now, bcc)
	if err != nil {
		return nil, err
	}
	return writeMessage(h, m.Body, m.Atts, "")
}

// contentBoundary derives a multipart boundary from the content, so that
// the same content always encodes the same way.
func contentBoundary(subject string, body Body, atts []*att.Attachment) string {
	h := sha256.New()
	fmt.Fprintf(h, "%q\n", subject)
	for _, t := range body.Parts() {
		fmt.Fprintf(h, "%q %q\n", t, body[t])
	}
	for _, a := range atts {
		fmt.Fprintf(h, "%q %q %d\n", a.Name, a.Type, a.Length)
		h.Write(a.Data)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// EncodeMIME renders a standalone MIME document with only a Subject
// header, for encrypting as a whole (PGP/MIME). Output is deterministic.
func EncodeMIME(subject string, body Body, atts []*att.Attachment) ([]byte, error) {
	b := contentBoundary(subject, body, atts)
	var h message.Header
	h.Set("Subject", mime.QEncoding.Encode("utf-8", subject))
	h.SetContentType(defaultRootType, map[string]string{"boundary": b})
	return writeMessage(h, body, atts, b)
}

func writeBodyPart(w *message.Writer, t, content string) error {
	var ph message.Header
	ph.SetContentType(t, map[string]string{"charset": "utf-8"})
	ph.Set("Content-Transfer-Encoding", "quoted-printable")
	pw, err := w.CreatePart(ph)
	if err != nil {
		return errors.Wrapf(err, "creating %s part", t)
	}
	if _, err := io.WriteString(pw, content); err != nil {
		return err
	}
	return pw.Close()
}

func writeAttachment(w *message.Writer, a *att.Attachment) error {
	var ah message.Header
	params := map[string]string{}
	if a.Name != "" {
		params["name"] = a.Name
	}
	ah.SetContentType(a.Type, params)
	if a.ContentDescription != "" {
		ah.Set("Content-Description", a.ContentDescription)
	}
	if a.Name != "" {
		ah.SetContentDisposition("attachment", map[string]string{"filename": a.Name})
	}
	if a.Type != att.TypePGPEncrypted {
		ah.Set("Content-Transfer-Encoding", "base64")
	}
	aw, err := w.CreatePart(ah)
	if err != nil {
		return errors.Wrapf(err, "creating attachment part %q", a.Name)
	}
	if _, err := aw.Write(a.Data); err != nil {
		return err
	}
	return aw.Close()
}

// writeMessage writes body parts (as multipart/alternative if there is
// both text and HTML) followed by attachments. An empty boundary means
// random boundaries.
func writeMessage(h message.Header, body Body, atts []*att.Attachment, boundary string) ([]byte, error) {
	var buf bytes.Buffer
	w, err := message.CreateWriter(&buf, h)
	if err != nil {
		return nil, errors.Wrap(err, "creating message writer")
	}
	parts := body.Parts()
	if len(parts) > 1 {
		var ah message.Header
		var params map[string]string
		if boundary != "" {
			params = map[string]string{"boundary": "alt" + boundary}
		}
		ah.SetContentType("multipart/alternative", params)
		alt, err := w.CreatePart(ah)
		if err != nil {
			return nil, errors.Wrap(err, "creating alternative part")
		}
		for _, t := range parts {
			if err := writeBodyPart(alt, t, body[t]); err != nil {
				return nil, err
			}
		}
		if err := alt.Close(); err != nil {
			return nil, err
		}
	} else {
		for _, t := range parts {
			if err := writeBodyPart(w, t, body[t]); err != nil {
				return nil, err
			}
		}
	}
	for _, a := range atts {
		if err := writeAttachment(w, a); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrap(err, "closing message writer")
	}
	return buf.Bytes(), nil
}

// MIMEEncode encodes the way the Gmail API wants raw messages.
func MIMEEncode(b []byte) string {
	return base64.URLEncoding.EncodeToString(b)
}

// MIMEDecode reverses MIMEEncode. Padding is optional.
func MIMEDecode(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	return base64.RawURLEncoding.DecodeString(s)
}
