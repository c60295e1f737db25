package formatter

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/ThomasHabets/cryptsend/pkg/lang"
	"github.com/ThomasHabets/cryptsend/pkg/pgp"
)

// encryptAsOf returns the date to encrypt as of, or zero for now.
//
// If some keys have expired but there was a time when all of them were
// usable, the sender can choose to encrypt as of the end of that time.
func (f *Formatter) encryptAsOf(ctx context.Context) (time.Time, error) {
	now := f.deps.Now()
	keys := make([]pgp.Key, len(f.keys))
	var from, until []time.Time
	for n, rk := range f.keys {
		k, err := f.deps.Engine.ParseKey(rk.Pubkey)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "parsing key for %q", rk.Email)
		}
		keys[n] = k
		from = append(from, k.CreationTime())
		if t, ok := pgp.DateBeforeExpiration(k); ok {
			until = append(until, t)
		}
	}
	if len(until) == 0 {
		return time.Time{}, nil
	}
	usableUntil := earliest(until)
	if usableUntil.After(now) {
		return time.Time{}, nil
	}

	for n, rk := range f.keys {
		if rk.IsMine && keys[n].UsableButExpired(now) {
			return time.Time{}, &ExpiredKeyError{Msg: lang.OwnKeyExpired, Own: true}
		}
	}
	usableFrom := latest(from)
	if usableFrom.After(usableUntil) {
		return time.Time{}, &ExpiredKeyError{Msg: lang.RecipientKeyExpired}
	}

	ok, err := f.deps.Prompt.Confirm(ctx, lang.PubkeyExpiredConfirmCompose)
	if err != nil {
		return time.Time{}, errors.Wrap(err, "asking about expired keys")
	}
	if !ok {
		return time.Time{}, cancel("sender declined encrypting to expired key")
	}
	log.Infof("Encrypting as of %v because of expired keys", usableUntil)
	return usableUntil, nil
}

func earliest(ts []time.Time) time.Time {
	ret := ts[0]
	for _, t := range ts[1:] {
		if t.Before(ret) {
			ret = t
		}
	}
	return ret
}

func latest(ts []time.Time) time.Time {
	ret := ts[0]
	for _, t := range ts[1:] {
		if t.After(ret) {
			ret = t
		}
	}
	return ret
}
