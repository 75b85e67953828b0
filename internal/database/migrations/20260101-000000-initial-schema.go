package migrations

func init() {
	Register(Migration{
		Timestamp:   "20260101-000000",
		Description: "initial schema: credentials, upstreams, model overrides, settings, ledger transaction log",
		Up: []string{
			`CREATE TABLE IF NOT EXISTS credentials (
				hash TEXT PRIMARY KEY,
				balance_msats INTEGER NOT NULL DEFAULT 0,
				reserved_msats INTEGER NOT NULL DEFAULT 0,
				total_spent_msats INTEGER NOT NULL DEFAULT 0,
				total_requests INTEGER NOT NULL DEFAULT 0,
				refund_address TEXT,
				refund_mint TEXT,
				refund_currency TEXT,
				expiry_time INTEGER,
				parent_credential_hash TEXT REFERENCES credentials(hash),
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				CHECK (balance_msats >= 0),
				CHECK (reserved_msats >= 0),
				CHECK (reserved_msats <= balance_msats)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_credentials_parent ON credentials(parent_credential_hash)`,

			`CREATE TABLE IF NOT EXISTS upstreams (
				id TEXT PRIMARY KEY,
				provider_type TEXT NOT NULL,
				base_url TEXT NOT NULL,
				api_credential TEXT NOT NULL,
				api_version TEXT,
				enabled INTEGER NOT NULL DEFAULT 1,
				provider_fee REAL NOT NULL DEFAULT 1.01,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS model_overrides (
				model_id TEXT NOT NULL,
				upstream_id TEXT NOT NULL REFERENCES upstreams(id),
				display_name TEXT NOT NULL DEFAULT '',
				context_window INTEGER NOT NULL DEFAULT 0,
				top_provider_context_length INTEGER,
				top_provider_max_completion_tokens INTEGER,
				usd_prompt REAL NOT NULL DEFAULT 0,
				usd_completion REAL NOT NULL DEFAULT 0,
				usd_request REAL NOT NULL DEFAULT 0,
				usd_image REAL NOT NULL DEFAULT 0,
				usd_web_search REAL NOT NULL DEFAULT 0,
				usd_internal_reasoning REAL NOT NULL DEFAULT 0,
				canonical_slug TEXT NOT NULL DEFAULT '',
				alias_ids TEXT NOT NULL DEFAULT '',
				enabled INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (model_id, upstream_id)
			)`,

			`CREATE TABLE IF NOT EXISTS settings (
				key TEXT PRIMARY KEY,
				value TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,

			`CREATE TABLE IF NOT EXISTS ledger_transactions (
				id TEXT PRIMARY KEY,
				credential_hash TEXT NOT NULL REFERENCES credentials(hash),
				op TEXT NOT NULL,
				reserved_delta_msats INTEGER NOT NULL DEFAULT 0,
				balance_delta_msats INTEGER NOT NULL DEFAULT 0,
				spent_delta_msats INTEGER NOT NULL DEFAULT 0,
				requests_delta INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_ledger_transactions_credential ON ledger_transactions(credential_hash)`,
		},
	})
}
