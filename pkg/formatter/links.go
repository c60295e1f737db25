package formatter

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/ThomasHabets/cryptsend/pkg/att"
)

// Readers of sent mail find attachments and reply tokens by these
// classes and the data attribute. Change both writer and reader together.
const (
	fileClass  = "cryptup_file"
	replyClass = "cryptup_reply"
	dataAttr   = "cryptup-data"
)

// EncodeAttr encodes v as unpadded base64url JSON, safe in an HTML attribute.
func EncodeAttr(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", errors.Wrap(err, "encoding attribute data")
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// DecodeAttr reverses EncodeAttr. Padding is accepted.
func DecodeAttr(s string, v interface{}) error {
	b, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return errors.Wrap(err, "decoding attribute base64")
	}
	return errors.Wrap(json.Unmarshal(b, v), "decoding attribute json")
}

// FileData is what a file link carries in its data attribute.
type FileData struct {
	Size int    `json:"size"`
	Type string `json:"type"`
	Name string `json:"name"`
}

// FileLink is a hosted attachment found in a message.
type FileLink struct {
	URL string
	FileData
}

// ReplyData is the hidden reply marker payload.
type ReplyData struct {
	Sender    string   `json:"sender"`
	Recipient []string `json:"recipient"`
	Subject   string   `json:"subject"`
	Token     string   `json:"token"`
}

func render(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// sizeText is " 1.5MB", or "" under 0.1MB.
func sizeText(length int) string {
	mb := float64(length) / (1024 * 1024)
	if mb < 0.1 {
		return ""
	}
	r := math.Floor(mb*10+0.5) / 10
	return " " + strconv.FormatFloat(r, 'f', -1, 64) + "MB"
}

func linkText(a *att.Attachment) string {
	return "Att: " + a.Name + " (" + a.Type + ")" + sizeText(a.Length)
}

// fileLink renders the link line for one uploaded attachment.
func fileLink(a *att.Attachment) (string, error) {
	data, err := EncodeAttr(&FileData{Size: a.Length, Type: a.Type, Name: a.Name})
	if err != nil {
		return "", err
	}
	n := &html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.A,
		Data:     "a",
		Attr: []html.Attribute{
			{Key: "href", Val: a.URL},
			{Key: "class", Val: fileClass},
			{Key: dataAttr, Val: data},
		},
	}
	n.AppendChild(&html.Node{Type: html.TextNode, Data: linkText(a)})
	s, err := render(n)
	if err != nil {
		return "", errors.Wrapf(err, "rendering link for %q", a.Name)
	}
	return s + "\n", nil
}

// addFileLinks appends a link per attachment. Attachment URLs must be set.
func addFileLinks(plaintext string, atts []*att.Attachment) (string, error) {
	var sb strings.Builder
	sb.WriteString(plaintext)
	sb.WriteString("\n\n")
	for _, a := range atts {
		if a.URL == "" {
			return "", errors.Errorf("attachment %q has no URL", a.Name)
		}
		l, err := fileLink(a)
		if err != nil {
			return "", err
		}
		sb.WriteString(l)
	}
	return sb.String(), nil
}

func replyMarker(d *ReplyData) (string, error) {
	data, err := EncodeAttr(d)
	if err != nil {
		return "", err
	}
	s, err := render(&html.Node{
		Type:     html.ElementNode,
		DataAtom: atom.Div,
		Data:     "div",
		Attr: []html.Attribute{
			{Key: "style", Val: "display: none;"},
			{Key: "class", Val: replyClass},
			{Key: dataAttr, Val: data},
		},
	})
	return s, errors.Wrap(err, "rendering reply marker")
}

func attr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func hasClass(n *html.Node, class string) bool {
	v, _ := attr(n, "class")
	for _, c := range strings.Fields(v) {
		if c == class {
			return true
		}
	}
	return false
}

func walk(n *html.Node, f func(*html.Node) error) error {
	if err := f(n); err != nil {
		return err
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if err := walk(c, f); err != nil {
			return err
		}
	}
	return nil
}

// ExtractFileLinks finds hosted attachment links in a decrypted body.
func ExtractFileLinks(body string) ([]FileLink, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "parsing body")
	}
	var ret []FileLink
	err = walk(doc, func(n *html.Node) error {
		if n.Type != html.ElementNode || n.DataAtom != atom.A || !hasClass(n, fileClass) {
			return nil
		}
		data, ok := attr(n, dataAttr)
		if !ok {
			return nil
		}
		var l FileLink
		if err := DecodeAttr(data, &l.FileData); err != nil {
			return errors.Wrap(err, "bad file link")
		}
		l.URL, _ = attr(n, "href")
		ret = append(ret, l)
		return nil
	})
	return ret, err
}

// ExtractReplyToken finds the reply marker in a decrypted body, if any.
func ExtractReplyToken(body string) (*ReplyData, error) {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "parsing body")
	}
	var ret *ReplyData
	err = walk(doc, func(n *html.Node) error {
		if ret != nil || n.Type != html.ElementNode || !hasClass(n, replyClass) {
			return nil
		}
		data, ok := attr(n, dataAttr)
		if !ok {
			return nil
		}
		var d ReplyData
		if err := DecodeAttr(data, &d); err != nil {
			return errors.Wrap(err, "bad reply marker")
		}
		ret = &d
		return nil
	})
	return ret, err
}
