// Package pgp is the OpenPGP engine used for outgoing mail.
//
// It parses recipient keys, reports when they stop being usable for
// encryption, and produces armored messages encrypted to any combination
// of public keys and a password, optionally signed, optionally as of a
// date in the past.
package pgp

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	messageBlock   = "PGP MESSAGE"
	publicKeyBlock = "PGP PUBLIC KEY BLOCK"

	// ArmorPrefix starts every armor header line.
	ArmorPrefix = "-----BEGIN"

	// ArmorBegin is the first line of an armored message.
	ArmorBegin = ArmorPrefix + " " + messageBlock + "-----"
)

// Key is a parsed public key.
type Key interface {
	// CreationTime is when the key became usable.
	CreationTime() time.Time

	// ExpiresAt is when the key stops being usable for encryption.
	// false means it never expires.
	ExpiresAt() (time.Time, bool)

	// UsableButExpired is true when the key can't encrypt at now, but
	// could right before it expired.
	UsableButExpired(now time.Time) bool
}

// DateBeforeExpiration returns the last second at which k can still
// encrypt, or false if it never expires.
func DateBeforeExpiration(k Key) (time.Time, bool) {
	exp, ok := k.ExpiresAt()
	if !ok {
		return time.Time{}, false
	}
	return exp.Add(-time.Second), true
}

// EncryptRequest is the input to Encrypt.
type EncryptRequest struct {
	Data     []byte
	Pubkeys  []string // Armored.
	Signer   *openpgp.Entity
	Password string

	// Date, if set, is used instead of the current time, both for
	// picking recipient subkeys and for signature time.
	Date time.Time
}

// Engine is the go-crypto backed crypto engine.
type Engine struct {
	Now func() time.Time
}

func New() *Engine {
	return &Engine{Now: time.Now}
}

type entityKey struct {
	entity *openpgp.Entity
}

// ParseKey parses the first key in an armored block.
func (e *Engine) ParseKey(armored string) (Key, error) {
	ent, err := readEntity(armored)
	if err != nil {
		return nil, err
	}
	return &entityKey{entity: ent}, nil
}

func readEntity(armored string) (*openpgp.Entity, error) {
	el, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, errors.Wrap(err, "reading armored key")
	}
	if len(el) == 0 {
		return nil, errors.New("no key found in armored block")
	}
	return el[0], nil
}

func (k *entityKey) CreationTime() time.Time {
	return k.entity.PrimaryKey.CreationTime
}

func lifetimeEnd(created time.Time, sig *packet.Signature) (time.Time, bool) {
	if sig == nil || sig.KeyLifetimeSecs == nil || *sig.KeyLifetimeSecs == 0 {
		return time.Time{}, false
	}
	return created.Add(time.Duration(*sig.KeyLifetimeSecs) * time.Second), true
}

func canEncrypt(sig *packet.Signature, pub *packet.PublicKey) bool {
	if !pub.PubKeyAlgo.CanEncrypt() {
		return false
	}
	if sig == nil || !sig.FlagsValid {
		return true
	}
	return sig.FlagEncryptCommunications || sig.FlagEncryptStorage
}

// ExpiresAt takes the earlier of the primary key expiry and the expiry of
// the longest lived encryption subkey.
func (k *entityKey) ExpiresAt() (time.Time, bool) {
	var primary time.Time
	var primaryExpires bool
	if id := k.entity.PrimaryIdentity(); id != nil {
		primary, primaryExpires = lifetimeEnd(k.entity.PrimaryKey.CreationTime, id.SelfSignature)
	}

	var sub time.Time
	subExpires := true
	found := false
	for _, s := range k.entity.Subkeys {
		if s.PublicKey == nil || !canEncrypt(s.Sig, s.PublicKey) {
			continue
		}
		found = true
		t, ok := lifetimeEnd(s.PublicKey.CreationTime, s.Sig)
		if !ok {
			subExpires = false
			break
		}
		if t.After(sub) {
			sub = t
		}
	}
	if !found {
		// Primary key does the encrypting, if anything does.
		subExpires = false
	}

	switch {
	case primaryExpires && subExpires:
		if sub.Before(primary) {
			return sub, true
		}
		return primary, true
	case primaryExpires:
		return primary, true
	case subExpires:
		return sub, true
	}
	return time.Time{}, false
}

func (k *entityKey) UsableButExpired(now time.Time) bool {
	if _, ok := k.entity.EncryptionKey(now); ok {
		return false
	}
	before, ok := DateBeforeExpiration(k)
	if !ok {
		return false
	}
	_, ok = k.entity.EncryptionKey(before)
	return ok
}

func (e *Engine) config(date time.Time) *packet.Config {
	now := e.Now
	if !date.IsZero() {
		now = func() time.Time { return date }
	}
	return &packet.Config{
		DefaultCipher: packet.CipherAES256,
		Time:          now,
	}
}

// Encrypt encrypts and armors req.Data.
func (e *Engine) Encrypt(ctx context.Context, req EncryptRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(req.Pubkeys) == 0 && req.Password == "" {
		return "", errors.New("nothing to encrypt to: no public keys and no password")
	}
	var to []*openpgp.Entity
	for n, armored := range req.Pubkeys {
		ent, err := readEntity(armored)
		if err != nil {
			return "", errors.Wrapf(err, "recipient key %d", n)
		}
		to = append(to, ent)
	}
	config := e.config(req.Date)
	hints := &openpgp.FileHints{}

	var buf bytes.Buffer
	aw, err := armor.Encode(&buf, messageBlock, nil)
	if err != nil {
		return "", errors.Wrap(err, "starting armor")
	}
	var w io.WriteCloser
	if req.Password == "" {
		w, err = openpgp.Encrypt(aw, to, req.Signer, hints, config)
	} else {
		w, err = encryptWithPassword(aw, to, req.Signer, []byte(req.Password), hints, config)
	}
	if err != nil {
		return "", errors.Wrap(err, "encrypting")
	}
	if _, err := w.Write(req.Data); err != nil {
		return "", errors.Wrap(err, "writing plaintext")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "finishing encryption")
	}
	if err := aw.Close(); err != nil {
		return "", errors.Wrap(err, "finishing armor")
	}
	log.Debugf("Encrypted %d bytes to %d keys, password=%v, date=%v", len(req.Data), len(to), req.Password != "", req.Date)
	return buf.String(), nil
}

type multiCloser []io.Closer

func (mc multiCloser) Close() error {
	for _, c := range mc {
		if err := c.Close(); err != nil {
			return err
		}
	}
	return nil
}

// encryptWithPassword writes one session key encrypted to every recipient
// and to the password, so both web portal and key holders can read it.
func encryptWithPassword(w io.Writer, to []*openpgp.Entity, signer *openpgp.Entity, pwd []byte, hints *openpgp.FileHints, config *packet.Config) (io.WriteCloser, error) {
	cipherFunc := config.Cipher()
	sessionKey := make([]byte, cipherFunc.KeySize())
	if _, err := io.ReadFull(config.Random(), sessionKey); err != nil {
		return nil, errors.Wrap(err, "generating session key")
	}
	for _, ent := range to {
		k, ok := ent.EncryptionKey(config.Now())
		if !ok {
			return nil, errors.Errorf("key %s has no valid encryption key", ent.PrimaryKey.KeyIdString())
		}
		if err := packet.SerializeEncryptedKey(w, k.PublicKey, cipherFunc, sessionKey, config); err != nil {
			return nil, errors.Wrapf(err, "encrypting session key to %s", ent.PrimaryKey.KeyIdString())
		}
	}
	if err := packet.SerializeSymmetricKeyEncryptedReuseKey(w, sessionKey, pwd, config); err != nil {
		return nil, errors.Wrap(err, "encrypting session key to password")
	}
	contents, err := packet.SerializeSymmetricallyEncrypted(w, cipherFunc, false, packet.CipherSuite{}, sessionKey, config)
	if err != nil {
		return nil, err
	}
	if signer == nil {
		return packet.SerializeLiteral(contents, hints.IsBinary, hints.FileName, uint32(config.Now().Unix()))
	}
	in, err := openpgp.Sign(contents, signer, hints, config)
	if err != nil {
		return nil, errors.Wrap(err, "signing")
	}
	return struct {
		io.Writer
		io.Closer
	}{in, multiCloser{in, contents}}, nil
}

// ReadPrivateKey reads an armored private key and unlocks it with passphrase.
func ReadPrivateKey(armored, passphrase string) (*openpgp.Entity, error) {
	ent, err := readEntity(armored)
	if err != nil {
		return nil, err
	}
	if ent.PrivateKey == nil {
		return nil, errors.New("not a private key")
	}
	pp := []byte(passphrase)
	if ent.PrivateKey.Encrypted {
		if err := ent.PrivateKey.Decrypt(pp); err != nil {
			return nil, errors.Wrap(err, "wrong pass phrase")
		}
	}
	for _, s := range ent.Subkeys {
		if s.PrivateKey != nil && s.PrivateKey.Encrypted {
			if err := s.PrivateKey.Decrypt(pp); err != nil {
				return nil, errors.Wrapf(err, "unlocking subkey %s", s.PublicKey.KeyIdString())
			}
		}
	}
	return ent, nil
}

// ArmorPublicKey serializes the public part of ent.
func ArmorPublicKey(ent *openpgp.Entity) (string, error) {
	var buf bytes.Buffer
	w, err := armor.Encode(&buf, publicKeyBlock, map[string]string{})
	if err != nil {
		return "", err
	}
	if err := ent.Serialize(w); err != nil {
		return "", errors.Wrap(err, "serializing public key")
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return buf.String(), nil
}
