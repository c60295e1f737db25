// Package prompt asks the sender questions on the terminal.
package prompt

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh/terminal"
)

const (
	fd = 0

	CtrlC  = 3
	CtrlD  = 4
	Escape = 27

	Bold  = "\033[1m"
	Red   = "\033[38;5;1m"
	Reset = "\033[0m"

	defaultWidth = 72
)

// Terminal prompts on stdin/stdout.
type Terminal struct {
	out     io.Writer
	width   int
	readKey func() (byte, error)
	readPwd func() ([]byte, error)

	// Register is called if the sender agrees to verify the device again.
	Register func(acct string) error
}

// New creates a prompter on the controlling terminal.
func New() *Terminal {
	w, _, err := terminal.GetSize(fd)
	if err != nil || w <= 0 {
		w = defaultWidth
	}
	return &Terminal{
		out:     os.Stdout,
		width:   w,
		readKey: readRawKey,
		readPwd: func() ([]byte, error) { return terminal.ReadPassword(fd) },
	}
}

// readRawKey reads one key in raw mode.
func readRawKey() (byte, error) {
	old, err := terminal.MakeRaw(fd)
	if err != nil {
		return 0, errors.Wrap(err, "entering raw mode")
	}
	defer terminal.Restore(fd, old)
	b := make([]byte, 1)
	if _, err := os.Stdin.Read(b); err != nil {
		return 0, err
	}
	return b[0], nil
}

// wrap breaks s into lines no wider than w columns.
func wrap(s string, w int) []string {
	var ret []string
	for _, para := range strings.Split(s, "\n") {
		line := ""
		for _, word := range strings.Fields(para) {
			switch {
			case line == "":
				line = word
			case runewidth.StringWidth(line)+1+runewidth.StringWidth(word) <= w:
				line += " " + word
			default:
				ret = append(ret, line)
				line = word
			}
			for runewidth.StringWidth(line) > w {
				head := runewidth.Truncate(line, w, "")
				ret = append(ret, head)
				line = line[len(head):]
			}
		}
		ret = append(ret, line)
	}
	return ret
}

// box frames msg, width w including the frame.
func box(msg string, w int) []string {
	inner := w - 4
	if inner < 10 {
		inner = 10
	}
	rule := strings.Repeat("-", inner+4)
	ret := []string{rule}
	for _, l := range wrap(msg, inner) {
		ret = append(ret, "| "+runewidth.FillRight(l, inner)+" |")
	}
	return append(ret, rule)
}

func (t *Terminal) draw(color, msg string) {
	for _, l := range box(msg, t.width) {
		fmt.Fprintf(t.out, "%s%s%s\r\n", color, l, Reset)
	}
}

func (t *Terminal) key(ctx context.Context) (byte, error) {
	type res struct {
		b   byte
		err error
	}
	ch := make(chan res, 1)
	go func() {
		b, err := t.readKey()
		ch <- res{b, err}
	}()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case r := <-ch:
		return r.b, r.err
	}
}

// Confirm asks a yes/no question. Anything but y is no.
func (t *Terminal) Confirm(ctx context.Context, msg string) (bool, error) {
	t.draw(Bold, msg)
	fmt.Fprintf(t.out, "[y]es / [n]o: ")
	for {
		k, err := t.key(ctx)
		if err != nil {
			return false, err
		}
		switch k {
		case 'y', 'Y':
			fmt.Fprintf(t.out, "yes\r\n")
			return true, nil
		case 'n', 'N', CtrlC, CtrlD, Escape, '\r', '\n':
			fmt.Fprintf(t.out, "no\r\n")
			return false, nil
		}
		log.Debugf("Ignoring key %d at confirmation", k)
	}
}

// Error shows an error the sender needs to act on.
func (t *Terminal) Error(msg string) {
	t.draw(Red, msg)
}

// OfferLogin offers to verify the device again.
func (t *Terminal) OfferLogin(ctx context.Context, acct string) error {
	ok, err := t.Confirm(ctx, fmt.Sprintf("The backend no longer accepts this device for %s.\n\nVerify the device again now? The message will not be sent either way, send it again afterwards.", acct))
	if err != nil || !ok {
		return err
	}
	if t.Register == nil {
		return errors.New("device registration not available")
	}
	return t.Register(acct)
}

// Progress shows upload progress.
func (t *Terminal) Progress(done, total int) {
	fmt.Fprintf(t.out, "\rUploading attachments: %d/%d", done, total)
	if done == total {
		fmt.Fprintf(t.out, "\r\n")
	}
}

// Password reads a line without echo.
func (t *Terminal) Password(prompt string) (string, error) {
	fmt.Fprintf(t.out, "%s", prompt)
	b, err := t.readPwd()
	fmt.Fprintf(t.out, "\n")
	if err != nil {
		return "", errors.Wrap(err, "reading password")
	}
	return string(b), nil
}
