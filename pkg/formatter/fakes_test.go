package formatter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/99designs/keyring"

	"github.com/ThomasHabets/cryptsend/pkg/att"
	"github.com/ThomasHabets/cryptsend/pkg/backend"
	"github.com/ThomasHabets/cryptsend/pkg/credential"
	"github.com/ThomasHabets/cryptsend/pkg/pgp"
	"github.com/ThomasHabets/cryptsend/pkg/store"
)

const testAccount = "me@example.com"

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeKey struct {
	created time.Time
	expires time.Time // Zero is never.
}

func (k *fakeKey) CreationTime() time.Time {
	return k.created
}

func (k *fakeKey) ExpiresAt() (time.Time, bool) {
	return k.expires, !k.expires.IsZero()
}

func (k *fakeKey) UsableButExpired(now time.Time) bool {
	if k.expires.IsZero() || now.Before(k.expires) {
		return false
	}
	return k.created.Before(k.expires.Add(-time.Second))
}

// fakeEngine "encrypts" deterministically, and parses "KEY:<name>" pubkeys.
type fakeEngine struct {
	keys map[string]*fakeKey
	reqs []pgp.EncryptRequest
}

func (e *fakeEngine) ParseKey(armored string) (pgp.Key, error) {
	k, ok := e.keys[strings.TrimPrefix(armored, "KEY:")]
	if !ok {
		return nil, fmt.Errorf("unknown key %q", armored)
	}
	return k, nil
}

func (e *fakeEngine) Encrypt(ctx context.Context, req pgp.EncryptRequest) (string, error) {
	e.reqs = append(e.reqs, req)
	var date int64
	if !req.Date.IsZero() {
		date = req.Date.Unix()
	}
	return fmt.Sprintf("%s\nENC(date=%d,pwd=%q,keys=%s)\n%s", pgp.ArmorBegin, date, req.Password, strings.Join(req.Pubkeys, ","), req.Data), nil
}

type fakeFile struct {
	name, typ, data string
}

type fakeCollector struct {
	files []fakeFile
	calls []string
	asOf  []time.Time
}

func (c *fakeCollector) CollectPlain(ctx context.Context) ([]*att.Attachment, error) {
	c.calls = append(c.calls, "plain")
	var ret []*att.Attachment
	for _, f := range c.files {
		ret = append(ret, att.New(f.name, f.typ, []byte(f.data)))
	}
	return ret, nil
}

func (c *fakeCollector) CollectEncrypted(ctx context.Context, pubkeys []string, pwd string, asOf time.Time) ([]*att.Attachment, error) {
	c.calls = append(c.calls, "encrypted")
	c.asOf = append(c.asOf, asOf)
	var ret []*att.Attachment
	for _, f := range c.files {
		ret = append(ret, att.New(f.name+".pgp", att.TypePGPEncrypted, []byte("ENC:"+f.data)))
	}
	return ret, nil
}

type fakeBackend struct {
	m     sync.Mutex
	calls []string

	token     string
	tokenErr  error
	confirmed int // -1 confirms everything.
	adminCode string
	short     string
}

func (b *fakeBackend) call(name string) {
	b.m.Lock()
	defer b.m.Unlock()
	b.calls = append(b.calls, name)
}

func (b *fakeBackend) MessageToken(ctx context.Context, auth *backend.UUIDAuth) (string, error) {
	b.call("token")
	return b.token, b.tokenErr
}

func (b *fakeBackend) MessagePresignFiles(ctx context.Context, auth *backend.UUIDAuth, atts []*att.Attachment) ([]backend.Approval, error) {
	b.call("presign")
	var ret []backend.Approval
	for n := range atts {
		ret = append(ret, backend.Approval{
			BaseURL: "https://s3.example.com/",
			Fields:  map[string]string{"key": fmt.Sprintf("k%d", n)},
		})
	}
	return ret, nil
}

func (b *fakeBackend) S3Upload(ctx context.Context, items []backend.UploadItem, progress backend.ProgressFunc) error {
	b.call("s3")
	for n := range items {
		if progress != nil {
			progress(n+1, len(items))
		}
	}
	return nil
}

func (b *fakeBackend) MessageConfirmFiles(ctx context.Context, keys []string) (*backend.ConfirmResult, error) {
	b.call("confirm")
	n := len(keys)
	if b.confirmed >= 0 {
		n = b.confirmed
	}
	res := &backend.ConfirmResult{}
	for i := 0; i < n; i++ {
		res.Confirmed = append(res.Confirmed, keys[i])
		res.AdminCodes = append(res.AdminCodes, "att-"+keys[i])
	}
	return res, nil
}

func (b *fakeBackend) MessageUpload(ctx context.Context, auth *backend.UUIDAuth, encrypted string) (*backend.UploadResult, error) {
	b.call("upload")
	return &backend.UploadResult{Short: b.short, AdminCode: b.adminCode}, nil
}

type fakePrompt struct {
	answer   bool
	confirms []string
	logins   []string
}

func (p *fakePrompt) Confirm(ctx context.Context, msg string) (bool, error) {
	p.confirms = append(p.confirms, msg)
	return p.answer, nil
}

func (p *fakePrompt) OfferLogin(ctx context.Context, acct string) error {
	p.logins = append(p.logins, acct)
	return nil
}

type env struct {
	eng    *fakeEngine
	coll   *fakeCollector
	be     *fakeBackend
	st     *store.Store
	creds  *credential.Store
	prompt *fakePrompt
}

func newEnv(t *testing.T) *env {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return &env{
		eng: &fakeEngine{keys: map[string]*fakeKey{
			"bob":   {created: testNow.Add(-365 * 24 * time.Hour)},
			"carol": {created: testNow.Add(-365 * 24 * time.Hour)},
			"me":    {created: testNow.Add(-365 * 24 * time.Hour)},
		}},
		coll:   &fakeCollector{},
		be:     &fakeBackend{token: "tok1", confirmed: -1, short: "abc123", adminCode: "msg-admin"},
		st:     st,
		creds:  credential.New(keyring.NewArrayKeyring(nil)),
		prompt: &fakePrompt{},
	}
}

// subscribe gives the account an active subscription and a device.
func (e *env) subscribe(t *testing.T) {
	t.Helper()
	if err := e.st.SetSubscription(context.Background(), testAccount, &store.Subscription{Active: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.creds.Register(testAccount); err != nil {
		t.Fatal(err)
	}
}

func (e *env) formatter(t *testing.T, names ...string) *Formatter {
	t.Helper()
	var keys []RecipientKey
	for _, n := range names {
		keys = append(keys, RecipientKey{
			Email:  n + "@example.com",
			Pubkey: "KEY:" + n,
			IsMine: n == "me",
		})
	}
	f, err := New(Deps{
		Engine:      e.eng,
		Collector:   e.coll,
		Backend:     e.be,
		Store:       e.st,
		Credentials: e.creds,
		Prompt:      e.prompt,
		Now:         func() time.Time { return testNow },
	}, Options{Account: testAccount, WebURL: "https://web.example.com/"}, keys)
	if err != nil {
		t.Fatal(err)
	}
	return f
}
