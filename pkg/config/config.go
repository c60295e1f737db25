// Package config loads the cryptsend config file and sets it up.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/ThomasHabets/cryptsend/pkg/transport"
)

const (
	// DefaultDir is relative to $HOME.
	DefaultDir = ".cryptsend"

	// FileName is relative to the config dir.
	FileName = "cryptsend.conf"

	envPrefix = "CRYPTSEND"

	DefaultBackendURL = "https://flowcrypt.com/api/"
)

// Config is the whole config file.
type Config struct {
	// Account is the sender address, and the key for backend credentials.
	Account string `json:"account" mapstructure:"account"`

	// Sender is the From header. Defaults to Account.
	Sender string `json:"sender,omitempty" mapstructure:"sender"`

	OAuth transport.OAuth `json:"oauth" mapstructure:"oauth"`

	// SMTP, if set, is used instead of Gmail.
	SMTP *transport.SMTP `json:"smtp,omitempty" mapstructure:"smtp"`

	BackendURL string `json:"backend_url,omitempty" mapstructure:"backend_url"`
	WebURL     string `json:"web_url,omitempty" mapstructure:"web_url"`

	// Database is the local state, relative to the config dir unless absolute.
	Database string `json:"database,omitempty" mapstructure:"database"`

	// PrivateKey is an armored secret key file used for signing.
	PrivateKey string `json:"private_key,omitempty" mapstructure:"private_key"`

	// Keys is a directory of armored public keys, one <email>.asc per contact.
	Keys string `json:"keys,omitempty" mapstructure:"keys"`
}

// Dir is where config and state live by default.
func Dir() string {
	return filepath.Join(os.Getenv("HOME"), DefaultDir)
}

// Path returns fn, or the default config file if fn is empty.
func Path(fn string) string {
	if fn != "" {
		return fn
	}
	return filepath.Join(Dir(), FileName)
}

func newViper(fn string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(fn)
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("backend_url", DefaultBackendURL)
	v.SetDefault("web_url", "https://flowcrypt.com")
	v.SetDefault("database", "state.db")
	v.SetDefault("keys", "keys")

	// AutomaticEnv only applies to keys viper already knows.
	for _, k := range []string{
		"account", "sender", "private_key",
		"oauth.client_id", "oauth.client_secret", "oauth.refresh_token",
		"smtp.addr", "smtp.user", "smtp.password",
	} {
		if err := v.BindEnv(k); err != nil {
			log.Warningf("Binding env for %q: %v", k, err)
		}
	}
	return v
}

// Load reads fn, with CRYPTSEND_* environment variables taking precedence.
// Relative paths in the config are made relative to the config file.
func Load(fn string) (*Config, error) {
	v := newViper(fn)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); !ok {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, errors.Wrapf(err, "reading config %q", fn)
			}
		}
		log.Infof("No config file %q, using defaults and environment", fn)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrapf(err, "parsing config %q", fn)
	}
	if cfg.SMTP != nil && cfg.SMTP.Addr == "" {
		cfg.SMTP = nil
	}
	if cfg.Sender == "" {
		cfg.Sender = cfg.Account
	}
	dir := filepath.Dir(fn)
	cfg.Database = relTo(dir, cfg.Database)
	cfg.Keys = relTo(dir, cfg.Keys)
	if cfg.PrivateKey != "" {
		cfg.PrivateKey = relTo(dir, cfg.PrivateKey)
	}
	return cfg, nil
}

func relTo(dir, fn string) string {
	if fn == ":memory:" || filepath.IsAbs(fn) {
		return fn
	}
	return filepath.Join(dir, fn)
}

// Save writes cfg to fn, readable only by the owner.
func Save(fn string, cfg *Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding config")
	}
	if err := os.MkdirAll(filepath.Dir(fn), 0700); err != nil {
		return errors.Wrapf(err, "creating config directory %q", filepath.Dir(fn))
	}
	return os.WriteFile(fn, append(b, '\n'), 0600)
}
