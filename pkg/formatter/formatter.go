// Package formatter turns a draft into an encrypted, ready to send message.
//
// Plain drafts are sent as PGP/Inline. With a password they are instead
// hosted on the backend and the recipient gets a link, with attachments
// uploaded and linked from the body. Rich text drafts are sent as PGP/MIME
// (RFC 3156). If recipient keys have expired, the sender can choose to
// encrypt as of the last moment all keys were valid.
package formatter

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ThomasHabets/cryptsend/pkg/att"
	"github.com/ThomasHabets/cryptsend/pkg/backend"
	"github.com/ThomasHabets/cryptsend/pkg/lang"
	"github.com/ThomasHabets/cryptsend/pkg/pgp"
	"github.com/ThomasHabets/cryptsend/pkg/store"
	"github.com/ThomasHabets/cryptsend/pkg/transport"
)

const (
	// DefaultWebURL is where password-protected messages are read, used
	// when Options.WebURL is empty.
	DefaultWebURL = "https://flowcrypt.com"

	encryptedAttName = "encrypted.asc"
	pgpMIMERootType  = `multipart/encrypted; protocol="application/pgp-encrypted";`
)

// Engine encrypts and parses keys.
type Engine interface {
	ParseKey(armored string) (pgp.Key, error)
	Encrypt(ctx context.Context, req pgp.EncryptRequest) (string, error)
}

// Collector gets the attachments the sender selected.
type Collector interface {
	CollectPlain(ctx context.Context) ([]*att.Attachment, error)
	CollectEncrypted(ctx context.Context, pubkeys []string, pwd string, asOf time.Time) ([]*att.Attachment, error)
}

// Backend is the hosting backend.
type Backend interface {
	MessageToken(ctx context.Context, auth *backend.UUIDAuth) (string, error)
	MessagePresignFiles(ctx context.Context, auth *backend.UUIDAuth, atts []*att.Attachment) ([]backend.Approval, error)
	S3Upload(ctx context.Context, items []backend.UploadItem, progress backend.ProgressFunc) error
	MessageConfirmFiles(ctx context.Context, keys []string) (*backend.ConfirmResult, error)
	MessageUpload(ctx context.Context, auth *backend.UUIDAuth, encrypted string) (*backend.UploadResult, error)
}

// Storage is local persistent state.
type Storage interface {
	Subscription(ctx context.Context, acct string) (*store.Subscription, error)
	OutgoingLanguage(ctx context.Context, acct string) (string, error)
	AddAdminCodes(ctx context.Context, short string, codes []string) error
	UpdateContactLastUse(ctx context.Context, emails []string, t time.Time) error
}

// Credentials has the backend auth info of the account.
type Credentials interface {
	Load(acct string) (*backend.UUIDAuth, error)
}

// Prompter asks the sender things.
type Prompter interface {
	Confirm(ctx context.Context, msg string) (bool, error)

	// OfferLogin is called when the backend rejected the device.
	OfferLogin(ctx context.Context, acct string) error
}

// Deps is everything the formatter talks to.
type Deps struct {
	Engine      Engine
	Collector   Collector
	Backend     Backend
	Store       Storage
	Credentials Credentials
	Prompt      Prompter

	// Optional.
	Progress backend.ProgressFunc
	Now      func() time.Time
}

// Options are per account settings.
type Options struct {
	Account string
	WebURL  string
}

// RecipientKey is a public key to encrypt to.
type RecipientKey struct {
	Email  string
	Pubkey string // Armored.
	IsMine bool
}

// Draft is the message to send. Plaintext and HTML get the reply marker
// and file links added right before encrypting.
type Draft struct {
	Sender     string
	Recipients transport.Recipients
	Subject    string
	Plaintext  string
	HTML       string
	RichText   bool
	Password   string
	Intro      string
	ThreadID   string
}

// Outcome is how a send attempt ended, if not with an error.
type Outcome int

const (
	Ready Outcome = iota
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is the outcome of SendableMsg. Msg is only set when Ready.
type Result struct {
	Outcome Outcome
	Msg     *transport.SendableMsg
	Reason  string
}

// Formatter formats messages to a fixed set of recipient keys. It keeps
// no state between attempts.
type Formatter struct {
	deps Deps
	opts Options
	keys []RecipientKey
}

func New(deps Deps, opts Options, keys []RecipientKey) (*Formatter, error) {
	if len(keys) == 0 {
		return nil, errors.New("no recipient keys")
	}
	for _, d := range []struct {
		name string
		ok   bool
	}{
		{"engine", deps.Engine != nil},
		{"collector", deps.Collector != nil},
		{"backend", deps.Backend != nil},
		{"store", deps.Store != nil},
		{"credentials", deps.Credentials != nil},
		{"prompter", deps.Prompt != nil},
	} {
		if !d.ok {
			return nil, errors.Errorf("formatter needs a %s", d.name)
		}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.WebURL == "" {
		opts.WebURL = DefaultWebURL
	}
	opts.WebURL = strings.TrimRight(opts.WebURL, "/")
	return &Formatter{
		deps: deps,
		opts: opts,
		keys: keys,
	}, nil
}

type mode int

const (
	modeInline mode = iota
	modeInlinePwd
	modeMIME
)

func (m mode) String() string {
	return [...]string{"inline", "inline+password", "mime"}[m]
}

func decideMode(d *Draft) (mode, error) {
	switch {
	case d.RichText && d.Password != "":
		return 0, &UserInputError{Msg: lang.RichTextWithPassword}
	case d.RichText:
		return modeMIME, nil
	case d.Password != "":
		return modeInlinePwd, nil
	}
	return modeInline, nil
}

// attempt is the state of one SendableMsg call.
type attempt struct {
	mode       mode
	asOf       time.Time
	adminCodes []string
	encrypted  bool
}

// Mode returns the encoding that would be used for d: "inline",
// "inline+password" or "mime".
func Mode(d *Draft) (string, error) {
	m, err := decideMode(d)
	if err != nil {
		return "", err
	}
	return m.String(), nil
}

// SendableMsg encrypts d. The error is nil for both Ready and Cancelled.
func (f *Formatter) SendableMsg(ctx context.Context, d *Draft, signer *openpgp.Entity) (*Result, error) {
	st := time.Now()
	m, err := decideMode(d)
	if err != nil {
		return nil, err
	}
	a := &attempt{mode: m}
	log.Infof("Formatting %s message to %d keys", m, len(f.keys))

	msg, err := f.sendableMsg(ctx, a, d, signer)
	if reason, ok := isCancelled(err); ok {
		log.Infof("Send cancelled: %s", reason)
		return &Result{Outcome: Cancelled, Reason: reason}, nil
	}
	if err != nil {
		return nil, err
	}
	log.Infof("Formatted %s message in %v", m, time.Since(st))
	return &Result{Outcome: Ready, Msg: msg}, nil
}

func (f *Formatter) sendableMsg(ctx context.Context, a *attempt, d *Draft, signer *openpgp.Entity) (*transport.SendableMsg, error) {
	// Before anything touches the network.
	asOf, err := f.encryptAsOf(ctx)
	if err != nil {
		return nil, err
	}
	a.asOf = asOf

	if a.mode == modeMIME {
		return f.formatMIME(ctx, a, d, signer)
	}
	return f.formatInline(ctx, a, d, signer)
}

func (f *Formatter) pubkeys() []string {
	var ret []string
	for _, k := range f.keys {
		ret = append(ret, k.Pubkey)
	}
	return ret
}

// encrypt must only be called once per attempt.
func (f *Formatter) encrypt(ctx context.Context, a *attempt, data []byte, pwd string, signer *openpgp.Entity) (string, error) {
	if a.encrypted {
		return "", errors.New("message already encrypted in this attempt")
	}
	a.encrypted = true
	st := time.Now()
	enc, err := f.deps.Engine.Encrypt(ctx, pgp.EncryptRequest{
		Data:     data,
		Pubkeys:  f.pubkeys(),
		Signer:   signer,
		Password: pwd,
		Date:     a.asOf,
	})
	if err != nil {
		return "", errors.Wrap(err, "encrypting message")
	}
	log.Infof("Encrypted %d bytes in %v", len(data), time.Since(st))
	return enc, nil
}

func (f *Formatter) formatInline(ctx context.Context, a *attempt, d *Draft, signer *openpgp.Entity) (*transport.SendableMsg, error) {
	pwd := a.mode == modeInlinePwd
	plain, rich := d.Plaintext, d.HTML

	var auth *backend.UUIDAuth
	sub, err := f.deps.Store.Subscription(ctx, f.opts.Account)
	if err != nil {
		return nil, errors.Wrap(err, "getting subscription")
	}
	if sub.Active {
		if auth, err = f.deps.Credentials.Load(f.opts.Account); err != nil {
			return nil, errors.Wrap(err, "loading auth info")
		}
	}
	if pwd && sub.Active && auth != nil {
		marker, err := f.replyMarker(ctx, auth, d)
		if err != nil {
			return nil, err
		}
		if marker != "" {
			plain += "\n\n" + marker
			rich += "<br /><br />" + marker
		}
	}

	atts, err := f.deps.Collector.CollectEncrypted(ctx, f.pubkeys(), d.Password, a.asOf)
	if err != nil {
		return nil, errors.Wrap(err, "collecting attachments")
	}
	if pwd && len(atts) > 0 {
		// Sets att URLs, which the links need.
		if err := f.uploadAtts(ctx, a, auth, atts); err != nil {
			return nil, err
		}
		if plain, err = addFileLinks(plain, atts); err != nil {
			return nil, err
		}
	}

	d.Plaintext, d.HTML = plain, rich
	encrypted, err := f.encrypt(ctx, a, []byte(d.Plaintext), d.Password, signer)
	if err != nil {
		return nil, err
	}
	body := transport.Body{transport.TypeTextPlain: encrypted}

	if err := f.deps.Store.UpdateContactLastUse(ctx, addresses(d.Recipients.All()), f.deps.Now()); err != nil {
		return nil, errors.Wrap(err, "updating contacts")
	}

	if pwd {
		if body, err = f.pwdProtected(ctx, a, auth, d, encrypted); err != nil {
			return nil, err
		}
		// Links in the body replace the attachments, but recipients with
		// their own keys can still read the attached copy.
		atts = nil
		if len(f.keys) > 1 {
			atts = []*att.Attachment{att.New(encryptedAttName, "", []byte(encrypted))}
		}
	}
	return transport.CreateMsgObj(d.Sender, d.Recipients, d.Subject, body, atts, d.ThreadID, "")
}

func (f *Formatter) formatMIME(ctx context.Context, a *attempt, d *Draft, signer *openpgp.Entity) (*transport.SendableMsg, error) {
	plainAtts, err := f.deps.Collector.CollectPlain(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "collecting attachments")
	}
	doc, err := transport.EncodeMIME(d.Subject, transport.Body{
		transport.TypeTextPlain: d.Plaintext,
		transport.TypeTextHTML:  d.HTML,
	}, plainAtts)
	if err != nil {
		return nil, errors.Wrap(err, "encoding MIME")
	}
	encrypted, err := f.encrypt(ctx, a, doc, "", signer)
	if err != nil {
		return nil, err
	}
	atts := []*att.Attachment{
		{
			Type:               att.TypePGPEncrypted,
			ContentDescription: "PGP/MIME version identification",
			Data:               []byte("Version: 1"),
			Length:             len("Version: 1"),
		},
		{
			Name:               encryptedAttName,
			Type:               att.TypeOctetStream,
			ContentDescription: "OpenPGP encrypted message",
			Data:               []byte(encrypted),
			Length:             len(encrypted),
		},
	}
	return transport.CreateMsgObj(d.Sender, d.Recipients, d.Subject, transport.Body{}, atts, d.ThreadID, pgpMIMERootType)
}

func address(s string) string {
	if a, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(a.Address)
	}
	return strings.ToLower(strings.TrimSpace(s))
}

func addresses(ss []string) []string {
	var ret []string
	for _, s := range ss {
		ret = append(ret, address(s))
	}
	return ret
}
