// Package att holds outgoing attachments and collects them from disk.
package att

import (
	"bufio"
	"context"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ThomasHabets/cryptsend/pkg/pgp"
)

const (
	TypeOctetStream  = "application/octet-stream"
	TypePGPEncrypted = "application/pgp-encrypted"

	encryptedSuffix = ".pgp"
)

// Attachment is one outgoing file.
type Attachment struct {
	Name               string
	Type               string
	ContentDescription string
	Data               []byte

	// Length is the length of Data.
	Length int

	// URL is where the attachment is hosted, once uploaded.
	URL string
}

func New(name, typ string, data []byte) *Attachment {
	if typ == "" {
		typ = TypeOctetStream
	}
	return &Attachment{
		Name:   name,
		Type:   typ,
		Data:   data,
		Length: len(data),
	}
}

// Encrypter is the part of the crypto engine needed here.
type Encrypter interface {
	Encrypt(ctx context.Context, req pgp.EncryptRequest) (string, error)
}

// FileCollector collects attachments from local files.
type FileCollector struct {
	Paths  []string
	Engine Encrypter
}

// detectType prefers the extension, since lots of formats are zip
// files under the hood, and falls back to sniffing.
func detectType(fn string, r *bufio.Reader) (string, error) {
	if t := mime.TypeByExtension(filepath.Ext(fn)); t != "" {
		mt, _, err := mime.ParseMediaType(t)
		if err == nil {
			return mt, nil
		}
	}
	head, err := r.Peek(512)
	if err != nil && err != io.EOF {
		return "", errors.Wrap(err, "peeking")
	}
	mt, _, err := mime.ParseMediaType(http.DetectContentType(head))
	if err != nil {
		return TypeOctetStream, nil
	}
	return mt, nil
}

func readFile(fn string) (*Attachment, error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)
	typ, err := detectType(fn, r)
	if err != nil {
		return nil, errors.Wrapf(err, "detecting type of %q", fn)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", fn)
	}
	return New(filepath.Base(fn), typ, data), nil
}

// CollectPlain returns the files as they are.
func (c *FileCollector) CollectPlain(ctx context.Context) ([]*Attachment, error) {
	var ret []*Attachment
	for _, fn := range c.Paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		a, err := readFile(fn)
		if err != nil {
			return nil, err
		}
		ret = append(ret, a)
	}
	return ret, nil
}

// CollectEncrypted returns every file encrypted to pubkeys, and to pwd if set.
// A non-zero asOf selects keys as valid at that time.
func (c *FileCollector) CollectEncrypted(ctx context.Context, pubkeys []string, pwd string, asOf time.Time) ([]*Attachment, error) {
	plain, err := c.CollectPlain(ctx)
	if err != nil {
		return nil, err
	}
	var ret []*Attachment
	for _, a := range plain {
		enc, err := c.Engine.Encrypt(ctx, pgp.EncryptRequest{
			Data:     a.Data,
			Pubkeys:  pubkeys,
			Password: pwd,
			Date:     asOf,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "encrypting attachment %q", a.Name)
		}
		log.Infof("Encrypted attachment %q: %d -> %d bytes", a.Name, a.Length, len(enc))
		ret = append(ret, New(a.Name+encryptedSuffix, TypePGPEncrypted, []byte(enc)))
	}
	return ret, nil
}
