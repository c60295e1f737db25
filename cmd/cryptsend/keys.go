package main

import (
	"net/mail"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ThomasHabets/cryptsend/pkg/formatter"
)

const keySuffix = ".asc"

func bareAddress(s string) (string, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", errors.Wrapf(err, "parsing address %q", s)
	}
	return strings.ToLower(a.Address), nil
}

func keyFile(dir, addr string) string {
	return filepath.Join(dir, addr+keySuffix)
}

// loadKeys finds a public key for every recipient in dir. own is the
// sender's armored public key, or empty to look for it in dir too.
func loadKeys(dir, account, own string, recipients []string) ([]formatter.RecipientKey, error) {
	var ret []formatter.RecipientKey
	seen := map[string]bool{}
	for _, r := range recipients {
		addr, err := bareAddress(r)
		if err != nil {
			return nil, err
		}
		if seen[addr] {
			continue
		}
		seen[addr] = true
		b, err := os.ReadFile(keyFile(dir, addr))
		if os.IsNotExist(err) {
			return nil, errors.Errorf("no public key for %s, add it as %s", addr, keyFile(dir, addr))
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading key for %s", addr)
		}
		ret = append(ret, formatter.RecipientKey{Email: addr, Pubkey: string(b)})
	}

	account = strings.ToLower(account)
	if own == "" {
		b, err := os.ReadFile(keyFile(dir, account))
		switch {
		case os.IsNotExist(err):
			log.Warningf("No own public key for %s, you will not be able to read what you sent", account)
			return ret, nil
		case err != nil:
			return nil, errors.Wrapf(err, "reading own key")
		}
		own = string(b)
	}
	for n := range ret {
		if ret[n].Email == account {
			ret[n].IsMine = true
			ret[n].Pubkey = own
			return ret, nil
		}
	}
	return append(ret, formatter.RecipientKey{Email: account, Pubkey: own, IsMine: true}), nil
}
