package config

import (
	"bufio"
	"context"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/ThomasHabets/cryptsend/pkg/transport"
)

const spaces = "\n\t\r "

var (
	// Populate these for a binary-only release.
	DefaultClientID     = ""
	DefaultClientSecret = ""
)

// Setup asks the sender for what goes into a new config.
type Setup struct {
	In  io.Reader
	Out io.Writer

	// ListenPort is where the OAuth redirect lands. 0 picks any free port.
	ListenPort int
}

func (s *Setup) readLine(r *bufio.Reader, prompt string) (string, error) {
	fmt.Fprint(s.Out, prompt)
	line, err := r.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.Trim(line, spaces), nil
}

// codeHandler passes on the first OAuth code it gets.
func codeHandler(codeCh chan<- string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		if code == "" {
			fmt.Fprintf(w, "Did not get a code. Something's wrong.")
			return
		}
		select {
		case codeCh <- code:
			fmt.Fprintf(w, "Got code %q. You can close this tab now.", html.EscapeString(code))
		default:
			fmt.Fprintf(w, "Already got a code.")
		}
	})
}

// auth runs the browser OAuth flow and returns a refresh token.
func (s *Setup) auth(ctx context.Context, o transport.OAuth) (string, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("localhost:%d", s.ListenPort))
	if err != nil {
		return "", errors.Wrap(err, "listening for OAuth redirect")
	}
	codeCh := make(chan string, 1)
	srv := &http.Server{Handler: codeHandler(codeCh)}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Errorf("OAuth redirect listener: %v", err)
		}
	}()
	defer srv.Close()

	ocfg := o.OAuthConfig(fmt.Sprintf("http://localhost:%d/", ln.Addr().(*net.TCPAddr).Port))
	fmt.Fprintf(s.Out, "Cut and paste this URL into your browser:\n  %s\n", ocfg.AuthCodeURL("", oauth2.AccessTypeOffline))

	var code string
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case code = <-codeCh:
	}
	fmt.Fprintf(s.Out, "Returned code: %s\n", code)
	token, err := ocfg.Exchange(ctx, code)
	if err != nil {
		return "", errors.Wrap(err, "exchanging OAuth code")
	}
	if token.RefreshToken == "" {
		return "", errors.New("no refresh token returned")
	}
	return token.RefreshToken, nil
}

// Run builds a config interactively. Gmail accounts go through OAuth,
// others get SMTP settings.
func (s *Setup) Run(ctx context.Context) (*Config, error) {
	r := bufio.NewReader(s.In)
	cfg := &Config{}
	var err error
	if cfg.Account, err = s.readLine(r, "Your email address: "); err != nil {
		return nil, err
	}
	if cfg.Account == "" {
		return nil, errors.New("email address is required")
	}
	cfg.Sender = cfg.Account

	smtpAddr, err := s.readLine(r, "SMTP server (empty for Gmail API): ")
	if err != nil {
		return nil, err
	}
	if smtpAddr != "" {
		cfg.SMTP = &transport.SMTP{Addr: smtpAddr}
		if cfg.SMTP.User, err = s.readLine(r, "SMTP user: "); err != nil {
			return nil, err
		}
		if cfg.SMTP.Password, err = s.readLine(r, "SMTP password: "); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	cfg.OAuth.ClientID = DefaultClientID
	cfg.OAuth.ClientSecret = DefaultClientSecret
	if cfg.OAuth.ClientID == "" {
		if cfg.OAuth.ClientID, err = s.readLine(r, "ClientID: "); err != nil {
			return nil, err
		}
	}
	if cfg.OAuth.ClientSecret == "" {
		if cfg.OAuth.ClientSecret, err = s.readLine(r, "ClientSecret: "); err != nil {
			return nil, err
		}
	}
	if cfg.OAuth.RefreshToken, err = s.auth(ctx, cfg.OAuth); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Configure writes a new config to fn.
func Configure(ctx context.Context, fn string, s *Setup) error {
	cfg, err := s.Run(ctx)
	if err != nil {
		return err
	}
	return Save(fn, cfg)
}
