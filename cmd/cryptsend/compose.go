package main

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ThomasHabets/cryptsend/pkg/transport"
)

const spaces = "\n\t\r "

const composeTemplate = `To: %s
Cc:
Bcc:
Subject: %s

`

// getInput lets the sender edit prefill in $VISUAL or $EDITOR.
func getInput(ctx context.Context, editor, prefill string) (string, error) {
	tmpf, err := os.CreateTemp("", "cryptsend-")
	if err != nil {
		return "", errors.Wrap(err, "creating tempfile")
	}
	defer func() {
		if err := os.Remove(tmpf.Name()); err != nil {
			log.Errorf("Failed to remove temp compose file %q: %v", tmpf.Name(), err)
		}
	}()
	if _, err := tmpf.Write([]byte(prefill)); err != nil {
		tmpf.Close()
		return "", errors.Wrapf(err, "prefilling compose file %q with %d bytes", tmpf.Name(), len(prefill))
	}
	if err := tmpf.Close(); err != nil {
		return "", errors.Wrapf(err, "closing prefill file %q", tmpf.Name())
	}

	cmd := exec.CommandContext(ctx, editor, tmpf.Name())
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Wrapf(err, "editor %q failed", editor)
	}

	b, err := os.ReadFile(tmpf.Name())
	if err != nil {
		return "", errors.Wrapf(err, "reading compose tempfile %q", tmpf.Name())
	}
	return string(b), nil
}

// editorBinary is $VISUAL, else $EDITOR.
func editorBinary() (string, error) {
	for _, e := range []string{"VISUAL", "EDITOR"} {
		if v := os.Getenv(e); v != "" {
			return v, nil
		}
	}
	return "", errors.New("you need to set the VISUAL or EDITOR environment variable")
}

// userMessage is what the sender wrote.
type userMessage struct {
	Recipients transport.Recipients
	Subject    string
	Body       string
}

func addressList(h mail.Header, key string) ([]string, error) {
	as, err := h.AddressList(key)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", key)
	}
	var ret []string
	for _, a := range as {
		if a.Name == "" {
			ret = append(ret, a.Address)
		} else {
			ret = append(ret, a.String())
		}
	}
	return ret, nil
}

// parseUserMessage splits an edited draft into headers and body.
func parseUserMessage(msg string) (*userMessage, error) {
	// Editors leave a header-only draft without the blank line.
	if !strings.Contains(msg, "\n\n") && !strings.Contains(msg, "\r\n\r\n") {
		msg += "\n\n"
	}
	e, err := message.Read(strings.NewReader(msg))
	if err != nil {
		return nil, errors.Wrap(err, "parsing message headers")
	}
	h := mail.Header{Header: e.Header}

	ret := &userMessage{Recipients: transport.Recipients{}}
	for _, k := range []struct {
		kind, header string
	}{
		{transport.To, "To"},
		{transport.Cc, "Cc"},
		{transport.Bcc, "Bcc"},
	} {
		as, err := addressList(h, k.header)
		if err != nil {
			return nil, err
		}
		if len(as) > 0 {
			ret.Recipients[k.kind] = as
		}
	}
	if len(ret.Recipients.All()) == 0 {
		return nil, errors.New("no recipients")
	}
	if ret.Subject, err = h.Subject(); err != nil {
		return nil, errors.Wrap(err, "parsing subject")
	}
	b, err := io.ReadAll(e.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading body")
	}
	ret.Body = strings.TrimRight(string(b), spaces) + "\n"
	return ret, nil
}
