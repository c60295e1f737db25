// Package credential keeps backend device credentials in the OS keyring.
package credential

import (
	"encoding/json"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ThomasHabets/cryptsend/pkg/backend"
)

const serviceName = "cryptsend"

// Store loads and saves auth info.
type Store struct {
	ring keyring.Keyring
}

// Open opens the system keyring, falling back to an encrypted file in dir.
func Open(dir string, filePassword keyring.PromptFunc) (*Store, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: serviceName,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  dir,
		FilePasswordFunc:         filePassword,
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "opening keyring")
	}
	return New(ring), nil
}

// New wraps an already open keyring.
func New(ring keyring.Keyring) *Store {
	return &Store{ring: ring}
}

func itemKey(acct string) string {
	return "auth:" + acct
}

// Load returns auth info for acct, or nil if the device was never registered.
func (s *Store) Load(acct string) (*backend.UUIDAuth, error) {
	item, err := s.ring.Get(itemKey(acct))
	if err == keyring.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting credential for %q", acct)
	}
	var a backend.UUIDAuth
	if err := json.Unmarshal(item.Data, &a); err != nil {
		return nil, errors.Wrapf(err, "parsing credential for %q", acct)
	}
	return &a, nil
}

// Register creates and stores a new device uuid for acct.
func (s *Store) Register(acct string) (*backend.UUIDAuth, error) {
	a := &backend.UUIDAuth{
		Account: acct,
		UUID:    uuid.New().String(),
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, err
	}
	if err := s.ring.Set(keyring.Item{
		Key:   itemKey(acct),
		Label: "cryptsend device for " + acct,
		Data:  b,
	}); err != nil {
		return nil, errors.Wrapf(err, "storing credential for %q", acct)
	}
	log.Infof("Registered new device for %q", acct)
	return a, nil
}

// Forget removes the stored auth info, forcing re-registration.
func (s *Store) Forget(acct string) error {
	err := s.ring.Remove(itemKey(acct))
	if err == keyring.ErrKeyNotFound {
		return nil
	}
	return errors.Wrapf(err, "removing credential for %q", acct)
}
