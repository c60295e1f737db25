package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

// http handler for gmail send message commands.
type fakeSend struct {
	msg    string
	thread string
}

func (fs *fakeSend) bad(w http.ResponseWriter, f string, args ...interface{}) {
	w.WriteHeader(http.StatusBadRequest)
	fmt.Fprintf(w, f, args...)
}

func (fs *fakeSend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if got, want := r.Method, "POST"; got != want {
		fs.bad(w, "bad method. got %q, want %q", got, want)
		return
	}
	if got, want := r.URL.String(), "/gmail/v1/users/me/messages/send?alt=json&prettyPrint=false"; got != want {
		fs.bad(w, "bad URL. got %q, want %q", got, want)
		return
	}
	content, err := io.ReadAll(r.Body)
	if err != nil {
		fs.bad(w, "failed to read body: %v", err)
		return
	}
	var d struct {
		Raw      string `json:"raw"`
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(content, &d); err != nil {
		fs.bad(w, "failed to parse json: %v", err)
		return
	}
	raw, err := MIMEDecode(d.Raw)
	if err != nil {
		fs.bad(w, "failed to base64 decode %q: %v", d.Raw, err)
		return
	}
	fs.msg = string(raw)
	fs.thread = d.ThreadID
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{ "id": "12345" }`)
}

// net.RoundTripper that rewrites requests to the local fake.
type redirector struct {
	base string
}

func (redir *redirector) RoundTrip(r *http.Request) (*http.Response, error) {
	r2 := *r
	t, err := url.Parse(redir.base)
	if err != nil {
		return nil, err
	}
	u := *r.URL
	u.Scheme = t.Scheme
	u.Host = t.Host
	r2.URL = &u
	return http.DefaultTransport.RoundTrip(&r2)
}

func TestGmailSend(t *testing.T) {
	fs := fakeSend{}
	serv := httptest.NewServer(&fs)
	defer serv.Close()

	client := http.Client{
		Transport: &redirector{base: serv.URL},
	}
	g, err := NewFake(&client)
	if err != nil {
		t.Fatalf("Setting up fake: %v", err)
	}

	for _, test := range []struct {
		name     string
		rcpt     Recipients
		thread   string
		contains []string
	}{
		{
			name:     "Simple",
			rcpt:     Recipients{To: {"foo@bar.com"}},
			contains: []string{"To: <foo@bar.com>", "Subject: hello", "World"},
		},
		{
			name:     "Reply in thread, with Bcc",
			rcpt:     Recipients{To: {"foo@bar.com"}, Bcc: {"baz@bar.com"}},
			thread:   "thread-1",
			contains: []string{"Bcc: <baz@bar.com>"},
		},
	} {
		m, err := CreateMsgObj("me@example.com", test.rcpt, "hello", Body{TypeTextPlain: "World"}, nil, test.thread, "")
		if err != nil {
			t.Fatal(err)
		}
		id, err := g.Send(context.Background(), m)
		if err != nil {
			t.Errorf("%s: %v", test.name, err)
			continue
		}
		if got, want := id, "12345"; got != want {
			t.Errorf("%s: got id %q, want %q", test.name, got, want)
		}
		if got, want := fs.thread, test.thread; got != want {
			t.Errorf("%s: got thread %q, want %q", test.name, got, want)
		}
		for _, c := range test.contains {
			if !strings.Contains(fs.msg, c) {
				t.Errorf("%s: missing %q in\n%s", test.name, c, fs.msg)
			}
		}
	}
}

func TestNewGmailNoToken(t *testing.T) {
	if _, err := NewGmail(context.Background(), OAuth{ClientID: "x"}); err == nil {
		t.Error("expected error without refresh token")
	}
}
