package main

import (
	"context"
	"fmt"
	"os"
	"reflect"
	"testing"

	"github.com/pkg/errors"

	"github.com/ThomasHabets/cryptsend/pkg/backend"
	"github.com/ThomasHabets/cryptsend/pkg/formatter"
	"github.com/ThomasHabets/cryptsend/pkg/transport"
)

func TestParseUserMessage(t *testing.T) {
	for _, test := range []struct {
		in      string
		want    *userMessage
		wantErr bool
	}{
		{
			in: "To: bob@example.com\nCC:\nSubject: hello\n\nbody\n\n\n",
			want: &userMessage{
				Recipients: transport.Recipients{transport.To: {"bob@example.com"}},
				Subject:    "hello",
				Body:       "body\n",
			},
		},
		{
			in: fmt.Sprintf(composeTemplate, `Bob <bob@example.com>, carol@example.com`, "hi") + "line 1\nline 2\n",
			want: &userMessage{
				Recipients: transport.Recipients{transport.To: {`"Bob" <bob@example.com>`, "carol@example.com"}},
				Subject:    "hi",
				Body:       "line 1\nline 2\n",
			},
		},
		{
			in: "To: a@example.com\nCc: b@example.com\nBcc: c@example.com\nSubject: =?utf-8?q?h=C3=A4?=\n\nx",
			want: &userMessage{
				Recipients: transport.Recipients{
					transport.To:  {"a@example.com"},
					transport.Cc:  {"b@example.com"},
					transport.Bcc: {"c@example.com"},
				},
				Subject: "hä",
				Body:    "x\n",
			},
		},
		{
			in:      "To:\nSubject: nobody\n\nx",
			wantErr: true,
		},
		{
			in:      "To: not an address\n\nx",
			wantErr: true,
		},
	} {
		got, err := parseUserMessage(test.in)
		if (err != nil) != test.wantErr {
			t.Errorf("%q: got err %v", test.in, err)
			continue
		}
		if err == nil && !reflect.DeepEqual(got, test.want) {
			t.Errorf("%q:\ngot  %+v\nwant %+v", test.in, got, test.want)
		}
	}
}

func TestParseUserMessageHeaderOnly(t *testing.T) {
	got, err := parseUserMessage("To: bob@example.com\nSubject: empty")
	if err != nil {
		t.Fatal(err)
	}
	if got.Subject != "empty" || got.Body != "\n" {
		t.Errorf("got %+v", got)
	}
}

func writeKey(t *testing.T, dir, addr, content string) {
	t.Helper()
	if err := os.WriteFile(keyFile(dir, addr), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
}

func TestLoadKeys(t *testing.T) {
	dir := t.TempDir()
	writeKey(t, dir, "bob@example.com", "BOB")
	writeKey(t, dir, "me@example.com", "ME")

	got, err := loadKeys(dir, "Me@Example.com", "", []string{`"Bob" <Bob@example.com>`, "bob@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	want := []formatter.RecipientKey{
		{Email: "bob@example.com", Pubkey: "BOB"},
		{Email: "me@example.com", Pubkey: "ME", IsMine: true},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}

	// Sending to self, with the key from the signer.
	got, err = loadKeys(dir, "me@example.com", "SIGNER", []string{"me@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	want = []formatter.RecipientKey{{Email: "me@example.com", Pubkey: "SIGNER", IsMine: true}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestLoadKeysMissing(t *testing.T) {
	dir := t.TempDir()
	if _, err := loadKeys(dir, "me@example.com", "", []string{"bob@example.com"}); err == nil {
		t.Error("want error for missing key")
	}

	// Missing own key is only a warning.
	writeKey(t, dir, "bob@example.com", "BOB")
	got, err := loadKeys(dir, "me@example.com", "", []string{"bob@example.com"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("got %+v", got)
	}
}

func TestErrorMessage(t *testing.T) {
	for _, test := range []struct {
		err  error
		want string
	}{
		{&formatter.UserInputError{Msg: "fix it"}, "fix it"},
		{errors.Wrap(&formatter.ExpiredKeyError{Msg: "expired"}, "ctx"), "expired"},
		{&formatter.UploadIntegrityError{Msg: "mismatch", Uploaded: 2, Confirmed: 1}, "mismatch (uploaded 2, confirmed 1)"},
		{&formatter.BackendError{Msg: "upload failed", Err: &backend.APIError{Status: 401}}, "upload failed\n\nThe backend no longer accepts this device. Run with -register, then send again."},
		{fmt.Errorf("boom"), "Failed to prepare message: boom"},
	} {
		if got := errorMessage(test.err); got != test.want {
			t.Errorf("%v: got %q, want %q", test.err, got, test.want)
		}
	}
}

func TestEditorBinary(t *testing.T) {
	t.Setenv("VISUAL", "")
	t.Setenv("EDITOR", "vi")
	if got, err := editorBinary(); err != nil || got != "vi" {
		t.Errorf("got %q %v", got, err)
	}
	t.Setenv("VISUAL", "emacs")
	if got, err := editorBinary(); err != nil || got != "emacs" {
		t.Errorf("got %q %v", got, err)
	}
	t.Setenv("VISUAL", "")
	t.Setenv("EDITOR", "")
	if _, err := editorBinary(); err == nil {
		t.Error("want error")
	}
}

func TestGetInput(t *testing.T) {
	// "true" leaves the file as prefilled.
	got, err := getInput(context.Background(), "true", "To: x\n\nhello")
	if err != nil {
		t.Fatal(err)
	}
	if got != "To: x\n\nhello" {
		t.Errorf("got %q", got)
	}
}
