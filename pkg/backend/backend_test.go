package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ThomasHabets/cryptsend/pkg/att"
)

// fakeBackend serves canned JSON per path and records request bodies.
type fakeBackend struct {
	m       sync.Mutex
	replies map[string]string
	status  map[string]int
	bodies  map[string][]byte
	forms   map[string]map[string]string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		replies: map[string]string{},
		status:  map[string]int{},
		bodies:  map[string][]byte{},
		forms:   map[string]map[string]string{},
	}
}

func (f *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.m.Lock()
	defer f.m.Unlock()
	if r.Method != "POST" {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if r.Header.Get("Content-Type") == "application/json" {
		b, _ := io.ReadAll(r.Body)
		f.bodies[r.URL.Path] = b
	} else {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprintf(w, "bad form: %v", err)
			return
		}
		form := map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		for k, fhs := range r.MultipartForm.File {
			fh, _ := fhs[0].Open()
			b, _ := io.ReadAll(fh)
			form[k] = string(b)
		}
		f.forms[r.URL.Path] = form
	}
	if s, ok := f.status[r.URL.Path]; ok {
		w.WriteHeader(s)
	}
	fmt.Fprint(w, f.replies[r.URL.Path])
}

func setup(t *testing.T) (*fakeBackend, *Client, *httptest.Server) {
	fb := newFakeBackend()
	serv := httptest.NewServer(fb)
	t.Cleanup(serv.Close)
	return fb, New(serv.URL), serv
}

var testAuth = &UUIDAuth{Account: "me@example.com", UUID: "1234"}

func TestMessageToken(t *testing.T) {
	fb, c, _ := setup(t)
	fb.replies["/message/token"] = `{"token":"tok123"}`
	tok, err := c.MessageToken(context.Background(), testAuth)
	require.NoError(t, err)
	assert.Equal(t, "tok123", tok)

	var sent map[string]string
	require.NoError(t, json.Unmarshal(fb.bodies["/message/token"], &sent))
	assert.Equal(t, map[string]string{"account": "me@example.com", "uuid": "1234"}, sent)
}

func TestErrorClassification(t *testing.T) {
	for _, test := range []struct {
		name         string
		status       int
		reply        string
		auth         bool
		subscription bool
	}{
		{
			name:   "auth",
			status: http.StatusUnauthorized,
			reply:  `{"error":{"code":401,"message":"Not authorized"}}`,
			auth:   true,
		},
		{
			name:         "subscription",
			status:       http.StatusPaymentRequired,
			reply:        `{"error":{"code":402,"message":"Subscription inactive","internal":"subscription"}}`,
			subscription: true,
		},
		{
			name:   "other",
			status: http.StatusInternalServerError,
			reply:  `oops`,
		},
		{
			name:   "error in 200",
			status: http.StatusOK,
			reply:  `{"error":{"code":400,"message":"bad","internal":"auth"}}`,
			auth:   true,
		},
	} {
		fb, c, _ := setup(t)
		fb.status["/message/token"] = test.status
		fb.replies["/message/token"] = test.reply
		_, err := c.MessageToken(context.Background(), testAuth)
		if err == nil {
			t.Errorf("%s: expected error", test.name)
			continue
		}
		if got, want := IsAuthErr(err), test.auth; got != want {
			t.Errorf("%s: IsAuthErr got %v, want %v", test.name, got, want)
		}
		if got, want := IsStandardErr(err, "subscription"), test.subscription; got != want {
			t.Errorf("%s: IsStandardErr got %v, want %v", test.name, got, want)
		}
		if IsNetErr(err) {
			t.Errorf("%s: got net error", test.name)
		}
	}
}

func TestNetErr(t *testing.T) {
	_, c, serv := setup(t)
	serv.Close()
	_, err := c.MessageToken(context.Background(), testAuth)
	assert.True(t, IsNetErr(err), "got %v", err)
	assert.False(t, IsAuthErr(err))
}

func TestPresignUploadConfirm(t *testing.T) {
	fb, c, serv := setup(t)
	fb.replies["/message/presign_files"] = fmt.Sprintf(`{"approvals":[
		{"base_url":"%[1]s/s3/","fields":{"key":"k1","policy":"p"}},
		{"base_url":"%[1]s/s3/","fields":{"key":"k2","policy":"p"}}]}`, serv.URL)
	fb.replies["/s3/"] = ``
	fb.replies["/message/confirm_files"] = `{"admin_codes":["a1","a2"],"confirmed":["k1","k2"]}`

	atts := []*att.Attachment{
		att.New("a.txt", "text/plain", []byte("aaa")),
		att.New("b.txt", "text/plain", []byte("bbbbb")),
	}
	ctx := context.Background()
	approvals, err := c.MessagePresignFiles(ctx, testAuth, atts)
	require.NoError(t, err)
	require.Len(t, approvals, 2)
	assert.Equal(t, "k2", approvals[1].Key())

	var sent struct {
		Lengths []int `json:"lengths"`
	}
	require.NoError(t, json.Unmarshal(fb.bodies["/message/presign_files"], &sent))
	assert.Equal(t, []int{3, 5}, sent.Lengths)

	var items []UploadItem
	for n, a := range approvals {
		items = append(items, UploadItem{BaseURL: a.BaseURL, Fields: a.Fields, Att: atts[n]})
	}
	var calls int
	err = c.S3Upload(ctx, items, func(done, total int) {
		calls++
		if total != 2 {
			t.Errorf("progress total got %d, want 2", total)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	if got := fb.forms["/s3/"]["policy"]; got != "p" {
		t.Errorf("policy field got %q", got)
	}

	res, err := c.MessageConfirmFiles(ctx, []string{"k1", "k2"})
	require.NoError(t, err)
	want := &ConfirmResult{AdminCodes: []string{"a1", "a2"}, Confirmed: []string{"k1", "k2"}}
	if !reflect.DeepEqual(res, want) {
		t.Errorf("got %+v, want %+v", res, want)
	}
}

func TestPresignCountMismatch(t *testing.T) {
	fb, c, _ := setup(t)
	fb.replies["/message/presign_files"] = `{"approvals":[]}`
	_, err := c.MessagePresignFiles(context.Background(), testAuth, []*att.Attachment{att.New("a", "", nil)})
	assert.Error(t, err)
}

func TestS3UploadFailure(t *testing.T) {
	fb, c, serv := setup(t)
	fb.status["/s3/"] = http.StatusForbidden
	err := c.S3Upload(context.Background(), []UploadItem{
		{BaseURL: serv.URL + "/s3/", Fields: map[string]string{"key": "k"}, Att: att.New("a", "", []byte("x"))},
	}, nil)
	assert.Error(t, err)
}

func TestS3UploadCancelled(t *testing.T) {
	started := make(chan struct{}, 2*uploadConc)
	release := make(chan struct{})
	serv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started <- struct{}{}
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(serv.Close)
	t.Cleanup(func() { close(release) })

	var items []UploadItem
	for n := 0; n < 2*uploadConc; n++ {
		items = append(items, UploadItem{BaseURL: serv.URL, Att: att.New(fmt.Sprintf("f%d", n), "", []byte("x"))})
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() {
		errc <- New(serv.URL).S3Upload(ctx, items, nil)
	}()
	for n := 0; n < uploadConc; n++ {
		<-started
	}
	cancel()
	err := <-errc
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, started, 0, "uploads started after cancel")
}

func TestMessageUpload(t *testing.T) {
	fb, c, _ := setup(t)
	fb.replies["/message/upload"] = `{"short":"abc123","admin_code":"adm"}`
	res, err := c.MessageUpload(context.Background(), testAuth, "-----BEGIN PGP MESSAGE-----")
	require.NoError(t, err)
	assert.Equal(t, &UploadResult{Short: "abc123", AdminCode: "adm"}, res)
	assert.Equal(t, map[string]string{
		"account": "me@example.com",
		"uuid":    "1234",
		"content": "-----BEGIN PGP MESSAGE-----",
	}, fb.forms["/message/upload"])
}

func TestMessageUploadNoShort(t *testing.T) {
	fb, c, _ := setup(t)
	fb.replies["/message/upload"] = `{}`
	_, err := c.MessageUpload(context.Background(), nil, "x")
	assert.Error(t, err)
}
