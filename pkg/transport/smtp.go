package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"net"
	"net/mail"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// SMTP settings, for accounts not on Gmail.
type SMTP struct {
	// Addr is host or host:port. Port defaults to 587, or 465 with TLS.
	Addr     string `json:"addr" mapstructure:"addr"`
	User     string `json:"user" mapstructure:"user"`
	Password string `json:"password" mapstructure:"password"`

	// TLS means implicit TLS (smtps) instead of STARTTLS.
	TLS bool `json:"tls" mapstructure:"tls"`

	// Insecure skips STARTTLS. Only for tests and localhost relays.
	Insecure bool `json:"insecure" mapstructure:"insecure"`
}

func (s *SMTP) hostPort() (string, string) {
	host, _, err := net.SplitHostPort(s.Addr)
	if err == nil {
		return s.Addr, host
	}
	port := "587"
	if s.TLS {
		port = "465"
	}
	return net.JoinHostPort(s.Addr, port), s.Addr
}

func (s *SMTP) dial() (*smtp.Client, error) {
	addr, host := s.hostPort()
	var c *smtp.Client
	var err error
	switch {
	case s.TLS:
		c, err = smtp.DialTLS(addr, &tls.Config{ServerName: host})
	case s.Insecure:
		c, err = smtp.Dial(addr)
	default:
		c, err = smtp.DialStartTLS(addr, &tls.Config{ServerName: host})
	}
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to %q", addr)
	}
	return c, nil
}

func envelopeAddr(a string) (string, error) {
	pa, err := mail.ParseAddress(a)
	if err != nil {
		return "", errors.Wrapf(err, "parsing address %q", a)
	}
	return pa.Address, nil
}

// Send sends over SMTP. There is no message ID, so it returns "".
func (s *SMTP) Send(ctx context.Context, msg *SendableMsg) (string, error) {
	st := time.Now()
	b, err := msg.Encode()
	if err != nil {
		return "", errors.Wrap(err, "encoding message")
	}
	from, err := envelopeAddr(msg.From)
	if err != nil {
		return "", err
	}
	var rcpts []string
	for _, r := range msg.Recipients.All() {
		a, err := envelopeAddr(r)
		if err != nil {
			return "", err
		}
		rcpts = append(rcpts, a)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c, err := s.dial()
	if err != nil {
		return "", err
	}
	defer c.Close()
	if s.User != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.User, s.Password)); err != nil {
			return "", errors.Wrap(err, "authenticating")
		}
	}
	if err := c.Mail(from, nil); err != nil {
		return "", errors.Wrapf(err, "MAIL FROM %q", from)
	}
	for _, r := range rcpts {
		if err := c.Rcpt(r, nil); err != nil {
			return "", errors.Wrapf(err, "RCPT TO %q", r)
		}
	}
	w, err := c.Data()
	if err != nil {
		return "", errors.Wrap(err, "DATA")
	}
	if _, err := bytes.NewReader(b).WriteTo(w); err != nil {
		w.Close()
		return "", errors.Wrap(err, "writing message")
	}
	if err := w.Close(); err != nil {
		return "", errors.Wrap(err, "finishing DATA")
	}
	if err := c.Quit(); err != nil {
		log.Warningf("SMTP QUIT failed: %v", err)
	}
	log.Infof("Sent %d bytes to %d recipients over SMTP in %v", len(b), len(rcpts), time.Since(st))
	return "", nil
}
