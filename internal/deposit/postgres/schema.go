package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS deposit_attempts (
	attempt_id BYTEA PRIMARY KEY,
	kind TEXT NOT NULL,
	owner BYTEA NOT NULL,
	target BYTEA NOT NULL,
	token BYTEA NOT NULL,
	amount NUMERIC(78, 0) NOT NULL,

	status SMALLINT NOT NULL,
	tx_hash BYTEA,

	failure_kind SMALLINT,
	failure_message TEXT,
	failure_reason TEXT,

	seq BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT attempt_id_len CHECK (octet_length(attempt_id) = 32),
	CONSTRAINT kind_valid CHECK (kind IN ('deposit', 'swap')),
	CONSTRAINT owner_len CHECK (octet_length(owner) = 20),
	CONSTRAINT target_len CHECK (octet_length(target) = 20),
	CONSTRAINT token_len CHECK (octet_length(token) = 20),
	CONSTRAINT amount_nonneg CHECK (amount >= 0),
	CONSTRAINT status_range CHECK (status >= 0 AND status <= 7),
	CONSTRAINT tx_hash_len CHECK (tx_hash IS NULL OR octet_length(tx_hash) = 32),
	CONSTRAINT seq_nonneg CHECK (seq >= 0)
);

CREATE INDEX IF NOT EXISTS deposit_attempts_owner_idx ON deposit_attempts (owner, created_at DESC);
`
