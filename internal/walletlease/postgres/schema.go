package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS wallet_leases (
	wallet BYTEA PRIMARY KEY CHECK (octet_length(wallet) = 20),
	holder TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`
