// Package store keeps local state in SQLite: preferences, admin codes of
// hosted messages, contact usage and the cached subscription.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

const prefOutgoingLanguage = "outgoing_language"

// Store is a SQLite backed store.
type Store struct {
	db *sqlx.DB
}

// Open opens or creates the database at fn, and migrates it.
func Open(fn string) (*Store, error) {
	db, err := sqlx.Open("sqlite", fn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %q", fn)
	}
	// Keeps ":memory:" databases to one instance, and writes serialized.
	db.SetMaxOpenConns(1)

	for _, p := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "running %q", p)
		}
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migrating")
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	cur := 0
	var n int
	if err := s.db.Get(&n, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'"); err != nil {
		return errors.Wrap(err, "checking schema_version table")
	}
	if n > 0 {
		if err := s.db.Get(&cur, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return errors.Wrap(err, "reading schema version")
		}
	}
	for _, m := range migrations {
		if m.version <= cur {
			continue
		}
		log.Debugf("Applying schema migration v%d", m.version)
		if _, err := s.db.Exec(m.sql); err != nil {
			return errors.Wrapf(err, "applying migration v%d", m.version)
		}
	}
	return nil
}

// OutgoingLanguage returns the language for password protected message
// summaries, or "" if never set.
func (s *Store) OutgoingLanguage(ctx context.Context, acct string) (string, error) {
	var v string
	err := s.db.GetContext(ctx, &v, "SELECT value FROM prefs WHERE account=? AND key=?", acct, prefOutgoingLanguage)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "reading outgoing language")
	}
	return v, nil
}

func (s *Store) SetOutgoingLanguage(ctx context.Context, acct, lang string) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO prefs (account, key, value) VALUES (?, ?, ?)",
		acct, prefOutgoingLanguage, strings.ToUpper(lang))
	return errors.Wrap(err, "setting outgoing language")
}

// AddAdminCodes appends codes for the hosted message short.
func (s *Store) AddAdminCodes(ctx context.Context, short string, codes []string) error {
	if short == "" {
		return errors.New("no short id for admin codes")
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()

	var next int
	if err := tx.GetContext(ctx, &next, "SELECT COALESCE(MAX(seq)+1, 0) FROM admin_codes WHERE short=?", short); err != nil {
		return errors.Wrap(err, "getting next sequence")
	}
	now := time.Now().Unix()
	for n, c := range codes {
		if _, err := tx.ExecContext(ctx, "INSERT INTO admin_codes (short, seq, code, created) VALUES (?, ?, ?, ?)",
			short, next+n, c, now); err != nil {
			return errors.Wrapf(err, "storing admin code for %q", short)
		}
	}
	return errors.Wrap(tx.Commit(), "committing admin codes")
}

// AdminCodes returns the codes for short, in the order they were added.
func (s *Store) AdminCodes(ctx context.Context, short string) ([]string, error) {
	var ret []string
	if err := s.db.SelectContext(ctx, &ret, "SELECT code FROM admin_codes WHERE short=? ORDER BY seq", short); err != nil {
		return nil, errors.Wrapf(err, "reading admin codes for %q", short)
	}
	return ret, nil
}

// UpdateContactLastUse records that emails were encrypted to at t.
func (s *Store) UpdateContactLastUse(ctx context.Context, emails []string, t time.Time) error {
	if len(emails) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning transaction")
	}
	defer tx.Rollback()
	stmt, err := tx.PreparexContext(ctx, "INSERT OR REPLACE INTO contacts (email, last_use) VALUES (?, ?)")
	if err != nil {
		return errors.Wrap(err, "preparing contact update")
	}
	defer stmt.Close()
	for _, e := range emails {
		if _, err := stmt.ExecContext(ctx, strings.ToLower(e), t.Unix()); err != nil {
			return errors.Wrapf(err, "updating contact %q", e)
		}
	}
	return errors.Wrap(tx.Commit(), "committing contacts")
}

// ContactLastUse returns when email was last encrypted to.
func (s *Store) ContactLastUse(ctx context.Context, email string) (time.Time, bool, error) {
	var ts int64
	err := s.db.GetContext(ctx, &ts, "SELECT last_use FROM contacts WHERE email=?", strings.ToLower(email))
	if err == sql.ErrNoRows {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errors.Wrapf(err, "reading contact %q", email)
	}
	return time.Unix(ts, 0), true, nil
}

// Subscription is the cached backend subscription of an account.
type Subscription struct {
	Active bool   `db:"active"`
	Level  string `db:"level"`
	Expire int64  `db:"expire"`
}

// Subscription returns the cached subscription, inactive if unknown.
func (s *Store) Subscription(ctx context.Context, acct string) (*Subscription, error) {
	var sub Subscription
	err := s.db.GetContext(ctx, &sub, "SELECT active, level, expire FROM subscription WHERE account=?", acct)
	if err == sql.ErrNoRows {
		return &Subscription{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading subscription")
	}
	return &sub, nil
}

func (s *Store) SetSubscription(ctx context.Context, acct string, sub *Subscription) error {
	_, err := s.db.ExecContext(ctx, "INSERT OR REPLACE INTO subscription (account, active, level, expire) VALUES (?, ?, ?, ?)",
		acct, sub.Active, sub.Level, sub.Expire)
	return errors.Wrap(err, "storing subscription")
}
