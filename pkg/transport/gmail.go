package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

const (
	version   = "0.1"
	userAgent = "cryptsend " + version

	// Scope is the only Gmail permission needed.
	Scope = gmail.GmailSendScope

	email = "me"
)

// Sender sends a finished message.
type Sender interface {
	Send(ctx context.Context, msg *SendableMsg) (string, error)
}

// OAuth is the Gmail part of the config file.
type OAuth struct {
	ClientID     string `json:"client_id" mapstructure:"client_id"`
	ClientSecret string `json:"client_secret" mapstructure:"client_secret"`
	RefreshToken string `json:"refresh_token" mapstructure:"refresh_token"`
}

// Endpoint is Google's OAuth endpoint.
var Endpoint = oauth2.Endpoint{
	AuthURL:  "https://accounts.google.com/o/oauth2/auth",
	TokenURL: "https://accounts.google.com/o/oauth2/token",
}

// OAuthConfig turns the stored client into an oauth2 config.
func (o OAuth) OAuthConfig(redirectURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     o.ClientID,
		ClientSecret: o.ClientSecret,
		Endpoint:     Endpoint,
		Scopes:       []string{Scope},
		RedirectURL:  redirectURL,
	}
}

// Gmail sends through the Gmail API.
type Gmail struct {
	authedClient *http.Client
	gmail        *gmail.Service
}

// NewGmail connects using a stored refresh token.
func NewGmail(ctx context.Context, o OAuth) (*Gmail, error) {
	if o.RefreshToken == "" {
		return nil, errors.New("no refresh token in config, run with -configure")
	}
	client := o.OAuthConfig("").Client(ctx, &oauth2.Token{RefreshToken: o.RefreshToken})
	return newGmail(ctx, client)
}

// NewFake creates a Gmail sender on a given client, for tests.
func NewFake(client *http.Client) (*Gmail, error) {
	return newGmail(context.Background(), client)
}

func newGmail(ctx context.Context, client *http.Client) (*Gmail, error) {
	svc, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return nil, errors.Wrap(err, "creating gmail client")
	}
	svc.UserAgent = userAgent
	return &Gmail{
		authedClient: client,
		gmail:        svc,
	}, nil
}

// Send sends the message, returning the Gmail message ID.
func (g *Gmail) Send(ctx context.Context, msg *SendableMsg) (string, error) {
	st := time.Now()
	// Gmail removes Bcc itself, but needs it to deliver.
	b, err := msg.EncodeWithBcc()
	if err != nil {
		return "", errors.Wrap(err, "encoding message")
	}
	m := &gmail.Message{
		Raw:      MIMEEncode(b),
		ThreadId: msg.Thread,
	}
	res, err := g.gmail.Users.Messages.Send(email, m).Context(ctx).Do()
	if err != nil {
		return "", errors.Wrap(err, "sending")
	}
	log.Infof("Sent message %q (%d bytes) in %v", res.Id, len(b), time.Since(st))
	return res.Id, nil
}
