package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmylchreest/proxyd/internal/crypto"
	"github.com/jmylchreest/proxyd/internal/models"
)

// UpstreamRepository persists configured upstream providers. Upstream
// credentials are encrypted at rest when enc is non-nil, matching the
// teacher's at-rest encryption of sensitive columns.
type UpstreamRepository struct {
	db  *sql.DB
	enc *crypto.Encryptor
}

// NewUpstreamRepository constructs an UpstreamRepository. A nil enc stores
// api_credential in plaintext.
func NewUpstreamRepository(db *sql.DB, enc *crypto.Encryptor) *UpstreamRepository {
	return &UpstreamRepository{db: db, enc: enc}
}

const upstreamColumns = `id, provider_type, base_url, api_credential, api_version, enabled, provider_fee`

func scanUpstream(row interface{ Scan(dest ...any) error }) (*models.Upstream, error) {
	var u models.Upstream
	if err := row.Scan(&u.ID, &u.ProviderType, &u.BaseURL, &u.APICredential, &u.APIVersion, &u.Enabled, &u.ProviderFee); err != nil {
		return nil, err
	}
	return &u, nil
}

// Get fetches a single upstream by id.
func (r *UpstreamRepository) Get(ctx context.Context, id string) (*models.Upstream, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+upstreamColumns+` FROM upstreams WHERE id = ?`, id)
	u, err := scanUpstream(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := r.decrypt(u); err != nil {
		return nil, err
	}
	return u, nil
}

// decrypt replaces u's at-rest-encrypted api_credential with its plaintext.
// A no-op when the repository holds no encryptor (plaintext storage mode).
func (r *UpstreamRepository) decrypt(u *models.Upstream) error {
	if r.enc == nil || u.APICredential == "" {
		return nil
	}
	plain, err := r.enc.Decrypt(u.APICredential)
	if err != nil {
		return err
	}
	u.APICredential = plain
	return nil
}

// ListEnabled returns every enabled upstream, for the multiplexer and catalog refreshers.
func (r *UpstreamRepository) ListEnabled(ctx context.Context) ([]*models.Upstream, error) {
	return r.list(ctx, `SELECT `+upstreamColumns+` FROM upstreams WHERE enabled = 1`)
}

// ListAll returns every configured upstream, enabled or not, for admin management.
func (r *UpstreamRepository) ListAll(ctx context.Context) ([]*models.Upstream, error) {
	return r.list(ctx, `SELECT `+upstreamColumns+` FROM upstreams ORDER BY id`)
}

func (r *UpstreamRepository) list(ctx context.Context, query string) ([]*models.Upstream, error) {
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Upstream
	for rows.Next() {
		u, err := scanUpstream(rows)
		if err != nil {
			return nil, err
		}
		if err := r.decrypt(u); err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// Upsert creates or replaces an upstream's configuration row. u.APICredential
// is stored encrypted when the repository holds an encryptor; u itself is
// left holding the plaintext the caller passed in.
func (r *UpstreamRepository) Upsert(ctx context.Context, u *models.Upstream) error {
	now := time.Now().UTC().Format(time.RFC3339)
	credential := u.APICredential
	if r.enc != nil && credential != "" {
		enc, err := r.enc.Encrypt(credential)
		if err != nil {
			return err
		}
		credential = enc
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO upstreams (id, provider_type, base_url, api_credential, api_version, enabled, provider_fee, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			provider_type = excluded.provider_type,
			base_url = excluded.base_url,
			api_credential = excluded.api_credential,
			api_version = excluded.api_version,
			enabled = excluded.enabled,
			provider_fee = excluded.provider_fee,
			updated_at = excluded.updated_at`,
		u.ID, u.ProviderType, u.BaseURL, credential, u.APIVersion, u.Enabled, u.ProviderFee, now, now,
	)
	return err
}

// Delete removes an upstream's configuration row.
func (r *UpstreamRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM upstreams WHERE id = ?`, id)
	return err
}
