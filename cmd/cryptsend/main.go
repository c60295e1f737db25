// cryptsend sends end-to-end encrypted email from the command line.
/*
 *  Copyright (C) 2015-2024 Thomas Habets <thomas@habets.se>
 *
 *  This software is dual-licensed GPL and "Thomas is allowed to release a
 *  binary version that adds shared API keys and nothing else".
 *
 *  This program is free software; you can redistribute it and/or modify
 *  it under the terms of the GNU General Public License as published by
 *  the Free Software Foundation; either version 2 of the License, or
 *  (at your option) any later version.
 *
 *  This program is distributed in the hope that it will be useful,
 *  but WITHOUT ANY WARRANTY; without even the implied warranty of
 *  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 *  GNU General Public License for more details.
 *
 *  You should have received a copy of the GNU General Public License along
 *  with this program; if not, write to the Free Software Foundation, Inc.,
 *  51 Franklin Street, Fifth Floor, Boston, MA 02110-1301 USA.
 */
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/ThomasHabets/cryptsend/pkg/att"
	"github.com/ThomasHabets/cryptsend/pkg/backend"
	"github.com/ThomasHabets/cryptsend/pkg/config"
	"github.com/ThomasHabets/cryptsend/pkg/credential"
	"github.com/ThomasHabets/cryptsend/pkg/formatter"
	"github.com/ThomasHabets/cryptsend/pkg/lang"
	"github.com/ThomasHabets/cryptsend/pkg/metrics"
	"github.com/ThomasHabets/cryptsend/pkg/pgp"
	"github.com/ThomasHabets/cryptsend/pkg/prompt"
	"github.com/ThomasHabets/cryptsend/pkg/store"
	"github.com/ThomasHabets/cryptsend/pkg/transport"
)

const version = "0.1"

// stringList is a repeatable flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

var (
	cfgFile     = flag.String("config", "", "Config file. Default is ~/"+filepath.Join(config.DefaultDir, config.FileName))
	logFile     = flag.String("log", "/dev/null", "Log debug data to this file.")
	logJSON     = flag.Bool("log_json", false, "Log as JSON instead of text.")
	configure   = flag.Bool("configure", false, "Set up account and mail provider.")
	oauthPort   = flag.Int("oauth_listen_port", 8081, "OAuth port to listen to during -configure.")
	register    = flag.Bool("register", false, "Register this device with the backend and exit.")
	verbose     = flag.Bool("verbose", false, "Turn on verbose logging.")
	versionFlag = flag.Bool("version", false, "Show version and exit.")
	metricsAddr = flag.String("metrics_addr", "", "Serve Prometheus metrics on this address.")

	draftFile  = flag.String("draft", "", "Read the message from this file instead of starting an editor.")
	to         = flag.String("to", "", "Prefill To in the editor.")
	subject    = flag.String("subject", "", "Prefill Subject in the editor.")
	htmlFile   = flag.String("html", "", "Send this HTML file as the rich text version, as PGP/MIME.")
	password   = flag.Bool("password", false, "Ask for a message password, and send a link to the hosted message.")
	intro      = flag.String("intro", "", "Unencrypted intro shown above the link of a password protected message.")
	threadID   = flag.String("thread", "", "Gmail thread ID to reply in.")
	sign       = flag.Bool("sign", false, "Sign with the private key in the config.")
	language   = flag.String("language", "", "Set the language of password message notices ("+strings.Join(lang.Codes(), ", ")+") and exit.")
	subscribed = flag.String("subscription", "", "Record the account subscription as 'active' or 'none' and exit.")
	attach     stringList

	// InitID and InitSecret can be set at build time:
	//
	// ```
	// go build -ldflags "-X main.InitID=blah -X main.InitSecret=blah2" ./cmd/cryptsend
	// ```
	InitID     string
	InitSecret string
)

func init() {
	flag.Var(&attach, "attach", "Attach this file. Can be repeated.")
}

// app is everything a send needs.
type app struct {
	cfg   *config.Config
	term  *prompt.Terminal
	st    *store.Store
	creds *credential.Store
	eng   *pgp.Engine
}

func (a *app) readDraft(ctx context.Context) (*userMessage, error) {
	if *draftFile != "" {
		b, err := os.ReadFile(*draftFile)
		if err != nil {
			return nil, errors.Wrapf(err, "reading draft %q", *draftFile)
		}
		return parseUserMessage(string(b))
	}
	editor, err := editorBinary()
	if err != nil {
		return nil, err
	}
	msg, err := getInput(ctx, editor, fmt.Sprintf(composeTemplate, *to, *subject))
	if err != nil {
		return nil, err
	}
	return parseUserMessage(msg)
}

func (a *app) signer() (*openpgp.Entity, error) {
	if !*sign {
		return nil, nil
	}
	if a.cfg.PrivateKey == "" {
		return nil, errors.New("-sign needs private_key in the config")
	}
	b, err := os.ReadFile(a.cfg.PrivateKey)
	if err != nil {
		return nil, errors.Wrapf(err, "reading private key %q", a.cfg.PrivateKey)
	}
	pp, err := a.term.Password("Private key pass phrase: ")
	if err != nil {
		return nil, err
	}
	return pgp.ReadPrivateKey(string(b), pp)
}

func (a *app) draft(um *userMessage) (*formatter.Draft, error) {
	d := &formatter.Draft{
		Sender:     a.cfg.Sender,
		Recipients: um.Recipients,
		Subject:    um.Subject,
		Plaintext:  um.Body,
		Intro:      *intro,
		ThreadID:   *threadID,
	}
	if *htmlFile != "" {
		b, err := os.ReadFile(*htmlFile)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %q", *htmlFile)
		}
		d.HTML = string(b)
		d.RichText = true
	}
	if *password {
		pwd, err := a.term.Password("Message password: ")
		if err != nil {
			return nil, err
		}
		if pwd == "" {
			return nil, errors.New("empty message password")
		}
		d.Password = pwd
	}
	return d, nil
}

// errorMessage is what to tell the sender about a failed format.
func errorMessage(err error) string {
	var (
		ui  *formatter.UserInputError
		exp *formatter.ExpiredKeyError
		ie  *formatter.UploadIntegrityError
		be  *formatter.BackendError
	)
	switch {
	case errors.As(err, &ui):
		return ui.Msg
	case errors.As(err, &exp):
		return exp.Msg
	case errors.As(err, &ie):
		return ie.Error()
	case errors.As(err, &be):
		switch {
		case be.Auth():
			return be.Msg + "\n\nThe backend no longer accepts this device. Run with -register, then send again."
		case be.Net():
			return be.Msg + "\n\nCould not reach the server. Check your internet connection and try again."
		}
		return be.Error()
	}
	return fmt.Sprintf("Failed to prepare message: %v", err)
}

func (a *app) sender(ctx context.Context) (transport.Sender, string, error) {
	if a.cfg.SMTP != nil {
		return a.cfg.SMTP, "smtp", nil
	}
	g, err := transport.NewGmail(ctx, a.cfg.OAuth)
	return g, "gmail", err
}

func (a *app) send(ctx context.Context) error {
	um, err := a.readDraft(ctx)
	if err != nil {
		return err
	}
	d, err := a.draft(um)
	if err != nil {
		return err
	}
	mode, err := formatter.Mode(d)
	if err != nil {
		a.term.Error(errorMessage(err))
		return err
	}

	signer, err := a.signer()
	if err != nil {
		return err
	}
	var own string
	if signer != nil {
		if own, err = pgp.ArmorPublicKey(signer); err != nil {
			return err
		}
	}
	keys, err := loadKeys(a.cfg.Keys, a.cfg.Account, own, um.Recipients.All())
	if err != nil {
		return err
	}

	f, err := formatter.New(formatter.Deps{
		Engine:      a.eng,
		Collector:   &att.FileCollector{Paths: attach, Engine: a.eng},
		Backend:     backend.New(a.cfg.BackendURL),
		Store:       a.st,
		Credentials: a.creds,
		Prompt:      a.term,
		Progress:    a.term.Progress,
	}, formatter.Options{
		Account: a.cfg.Account,
		WebURL:  a.cfg.WebURL,
	}, keys)
	if err != nil {
		return err
	}

	st := time.Now()
	res, err := f.SendableMsg(ctx, d, signer)
	metrics.Format(mode, st, res, err)
	if err != nil {
		a.term.Error(errorMessage(err))
		return err
	}
	if res.Outcome == formatter.Cancelled {
		log.Infof("Not sending: %s", res.Reason)
		fmt.Printf("Not sent.\n")
		return nil
	}

	s, name, err := a.sender(ctx)
	if err != nil {
		return err
	}
	id, err := s.Send(ctx, res.Msg)
	metrics.Send(name, err)
	if err != nil {
		a.term.Error(fmt.Sprintf("Failed to send: %v", err))
		return err
	}
	log.Infof("Sent %s message %q via %s in %v", mode, id, name, time.Since(st))
	fmt.Printf("Sent.\n")
	return nil
}

func setupLogging() (func(), error) {
	f, err := os.OpenFile(*logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create logfile %q", *logFile)
	}
	log.SetOutput(f)
	if *logJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{
			DisableColors: true,
		})
	}
	return func() { f.Close() }, nil
}

func main() {
	if InitID != "" {
		config.DefaultClientID = InitID
		config.DefaultClientSecret = InitSecret
	}
	unix.Umask(0077)
	flag.Parse()

	if flag.NArg() != 0 {
		log.Fatalf("Trailing args on cmdline: %q", flag.Args())
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *versionFlag {
		fmt.Printf("cryptsend %s\n", version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	fn := config.Path(*cfgFile)
	if *configure {
		if err := config.Configure(ctx, fn, &config.Setup{
			In:         os.Stdin,
			Out:        os.Stdout,
			ListenPort: *oauthPort,
		}); err != nil {
			log.Fatalf("Configuring: %v", err)
		}
		return
	}

	closeLog, err := setupLogging()
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog()
	log.Infof("cryptsend %s", version)

	cfg, err := config.Load(fn)
	if err != nil {
		log.Fatalf("Loading config: %v", err)
	}
	if cfg.Account == "" {
		log.Fatalf("No account in %q. Run with -configure", fn)
	}
	if *metricsAddr != "" {
		metrics.Serve(*metricsAddr)
	}

	term := prompt.New()
	creds, err := credential.Open(filepath.Dir(fn), term.Password)
	if err != nil {
		log.Fatalf("Opening credentials: %v", err)
	}
	term.Register = func(acct string) error {
		_, err := creds.Register(acct)
		return err
	}
	if *register {
		if _, err := creds.Register(cfg.Account); err != nil {
			log.Fatalf("Registering: %v", err)
		}
		return
	}

	st, err := store.Open(cfg.Database)
	if err != nil {
		log.Fatalf("Opening state %q: %v", cfg.Database, err)
	}
	defer st.Close()

	switch {
	case *language != "":
		code := strings.ToUpper(*language)
		if !lang.Supported(code) {
			log.Fatalf("Unsupported language %q, want one of %q", *language, lang.Codes())
		}
		if err := st.SetOutgoingLanguage(ctx, cfg.Account, code); err != nil {
			log.Fatalf("Setting language: %v", err)
		}
		return
	case *subscribed != "":
		sub := &store.Subscription{}
		switch *subscribed {
		case "active":
			sub.Active = true
		case "none":
		default:
			log.Fatalf("-subscription must be 'active' or 'none', got %q", *subscribed)
		}
		if err := st.SetSubscription(ctx, cfg.Account, sub); err != nil {
			log.Fatalf("Setting subscription: %v", err)
		}
		return
	}

	a := &app{
		cfg:   cfg,
		term:  term,
		st:    st,
		creds: creds,
		eng:   pgp.New(),
	}
	if err := a.send(ctx); err != nil {
		log.Errorf("Send failed: %v", err)
		fmt.Fprintf(os.Stderr, "cryptsend: %v\n", err)
		st.Close()
		os.Exit(1)
	}
}
