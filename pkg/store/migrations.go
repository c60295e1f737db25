package store

type migration struct {
	version int
	sql     string
}

// migrations must be in order, versions starting at 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS prefs (
	account TEXT NOT NULL,
	key     TEXT NOT NULL,
	value   TEXT NOT NULL,
	PRIMARY KEY (account, key)
);

CREATE TABLE IF NOT EXISTS admin_codes (
	short   TEXT NOT NULL,
	seq     INTEGER NOT NULL,
	code    TEXT NOT NULL,
	created INTEGER NOT NULL,
	PRIMARY KEY (short, seq)
);

CREATE TABLE IF NOT EXISTS contacts (
	email    TEXT PRIMARY KEY,
	last_use INTEGER NOT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS subscription (
	account TEXT PRIMARY KEY,
	active  INTEGER NOT NULL DEFAULT 0,
	level   TEXT NOT NULL DEFAULT '',
	expire  INTEGER NOT NULL DEFAULT 0
);

INSERT INTO schema_version (version) VALUES (2);
`,
	},
}
