// Package paymethod implements C6: classifying an inbound bearer
// credential (pre-existing key, ecash token, or a reserved future method),
// idempotently redeeming new ecash tokens, and crediting the ledger.
//
// Grounded on original_source/routstr/payment/temporary_balance.py's
// CashuPaymentMethod.provision (hash-then-insert-or-reuse, trusted-vs-
// primary-mint refund routing, zero-amount rejection) restated against the
// ledger's Go API, and on the teacher's internal/service/apikey_service.go
// hash-then-lookup idiom for credential identity.
package paymethod

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/oklog/ulid/v2"

	"github.com/jmylchreest/proxyd/internal/ledger"
	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
	"github.com/jmylchreest/proxyd/internal/repository"
)

// Pre-existing-key and reserved-future-method sentinel prefixes (spec §4.6).
const (
	PreExistingKeyPrefix = "sk-"
	LightningPrefix      = "ln-"
	USDTPrefix           = "usdt-"
)

// RedeemResult is what a successful token redemption reports.
type RedeemResult struct {
	AmountMsat int64
	Unit       string
	SourceMint string
}

// Wallet is the full collaborator contract from spec §4.6/§6's "Wallet
// collaborator (required operations)".
type Wallet interface {
	Redeem(ctx context.Context, token string) (RedeemResult, error)
	SendToken(ctx context.Context, amountMsat int64, unit, mint string) (string, error)
	SendToLNURL(ctx context.Context, addr string, amountSats int64) (string, error)
	Deserialize(token string) (mint string, ok bool)
	Balance(ctx context.Context, mint, unit string) (int64, error)
}

// Config configures the resolver's mint-trust policy and child-key pricing.
type Config struct {
	TrustedMints     []string
	PrimaryMint      string
	ChildKeyCostMsat int64
}

// Resolver classifies and provisions bearer credentials.
type Resolver struct {
	credentials *repository.CredentialRepository
	wallet      Wallet
	ledger      *ledger.Ledger
	cfg         Config
	logger      *slog.Logger
}

// New constructs a Resolver.
func New(credentials *repository.CredentialRepository, wallet Wallet, l *ledger.Ledger, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{credentials: credentials, wallet: wallet, ledger: l, cfg: cfg, logger: logger.With("component", "paymethod")}
}

func (c Config) isTrusted(mint string) bool {
	for _, m := range c.TrustedMints {
		if m == mint {
			return true
		}
	}
	return false
}

// Resolve classifies the bearer string and returns the credential row to
// use for this request, redeeming and crediting a new ecash token on first
// sight.
func (r *Resolver) Resolve(ctx context.Context, bearer string) (*models.Credential, error) {
	switch {
	case strings.HasPrefix(bearer, PreExistingKeyPrefix):
		return r.resolvePreExistingKey(ctx, bearer)
	case strings.HasPrefix(bearer, LightningPrefix):
		return nil, proxyerr.NotImplemented("lightning")
	case strings.HasPrefix(bearer, USDTPrefix):
		return nil, proxyerr.NotImplemented("usdt")
	default:
		return r.resolveEcashToken(ctx, bearer)
	}
}

func (r *Resolver) resolvePreExistingKey(ctx context.Context, bearer string) (*models.Credential, error) {
	hash := hashToken(bearer)
	cred, err := r.credentials.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("paymethod: lookup pre-existing key: %w", err)
	}
	if cred == nil {
		return nil, proxyerr.InvalidToken("unknown api key")
	}
	return cred, nil
}

// resolveEcashToken implements spec §4.6's ecash branch: hash the token,
// and if the credential already exists treat this as reuse of an
// already-redeemed token (no re-redemption, no re-credit). Otherwise
// insert a zero-balance row, redeem via the wallet, and credit the
// msat-equivalent — handling the race where two requests redeem the same
// token concurrently by catching the insert's uniqueness violation and
// reusing the row the winner created.
func (r *Resolver) resolveEcashToken(ctx context.Context, token string) (*models.Credential, error) {
	if _, ok := r.wallet.Deserialize(token); !ok {
		return nil, proxyerr.InvalidToken("credential is neither a recognized key prefix nor a decodable ecash token")
	}

	hash := hashToken(token)
	existing, err := r.credentials.Get(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("paymethod: lookup ecash credential: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	if err := r.credentials.Create(ctx, &models.Credential{Hash: hash}); err != nil {
		if repository.IsUniqueViolation(err) {
			// Another concurrent request won the race and is redeeming
			// this exact token right now; reuse its row rather than
			// double-redeeming.
			reused, getErr := r.credentials.Get(ctx, hash)
			if getErr != nil || reused == nil {
				return nil, fmt.Errorf("paymethod: reuse racing credential: %w", errors.Join(err, getErr))
			}
			return reused, nil
		}
		return nil, fmt.Errorf("paymethod: create credential row: %w", err)
	}

	result, err := r.wallet.Redeem(ctx, token)
	if err != nil {
		return nil, mapWalletRedeemError(err)
	}
	if result.AmountMsat <= 0 {
		return nil, proxyerr.InvalidToken("token redeemed for zero value")
	}

	refundMint, refundCurrency := result.SourceMint, result.Unit
	if !r.cfg.isTrusted(result.SourceMint) {
		swapped, err := r.swapToPrimaryMint(ctx, result)
		if err != nil {
			r.logger.Warn("swap to primary mint failed, recording refund info against untrusted source mint",
				"source_mint", result.SourceMint, "error", err)
		} else {
			refundMint, refundCurrency = r.cfg.PrimaryMint, swapped.Unit
		}
	}

	if err := r.credentials.SetRefundInfo(ctx, hash, "", refundMint, refundCurrency, nil); err != nil {
		r.logger.Warn("failed to record refund mint info", "credential", hash, "error", err)
	}

	if err := r.ledger.Credit(ctx, hash, result.AmountMsat); err != nil {
		return nil, fmt.Errorf("paymethod: credit redeemed token: %w", err)
	}

	cred, err := r.credentials.Get(ctx, hash)
	if err != nil || cred == nil {
		return nil, fmt.Errorf("paymethod: reload credited credential: %w", err)
	}
	return cred, nil
}

// swapToPrimaryMint has the wallet send the redeemed value out as a token
// on the primary mint, then redeems that token — following the source's "untrusted mint gets its
// balance moved to the primary mint before it is ever exposed to refunds."
func (r *Resolver) swapToPrimaryMint(ctx context.Context, result RedeemResult) (RedeemResult, error) {
	token, err := r.wallet.SendToken(ctx, result.AmountMsat, result.Unit, r.cfg.PrimaryMint)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("send token to primary mint: %w", err)
	}
	swapped, err := r.wallet.Redeem(ctx, token)
	if err != nil {
		return RedeemResult{}, fmt.Errorf("redeem swapped token: %w", err)
	}
	return swapped, nil
}

func mapWalletRedeemError(err error) *proxyerr.Error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already spent") || strings.Contains(msg, "already used"):
		return proxyerr.TokenAlreadySpent()
	case strings.Contains(msg, "mint"):
		return proxyerr.MintErr(err.Error())
	default:
		return proxyerr.CashuErr(err.Error())
	}
}

// hashToken forms a credential id from the raw bearer bytes, per spec
// §4.6's "hash the token bytes to form the credential id."
func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ProvisionSubCredential creates a sub-credential row under parentHash and
// charges the parent the configured child-key cost through
// ledger.ProvisionSubCredential (a reserve followed by a separate finalize).
func (r *Resolver) ProvisionSubCredential(ctx context.Context, parentHash string) (*models.Credential, error) {
	parent, err := r.credentials.Get(ctx, parentHash)
	if err != nil {
		return nil, fmt.Errorf("paymethod: lookup parent credential: %w", err)
	}
	if parent == nil {
		return nil, proxyerr.InvalidToken("unknown parent credential")
	}

	sub := &models.Credential{Hash: ulid.Make().String(), ParentCredentialHash: sql.NullString{String: parentHash, Valid: true}}
	if err := r.credentials.Create(ctx, sub); err != nil {
		return nil, fmt.Errorf("paymethod: create sub-credential row: %w", err)
	}
	if err := r.ledger.ProvisionSubCredential(ctx, parentHash, r.cfg.ChildKeyCostMsat); err != nil {
		return nil, err
	}
	return r.credentials.Get(ctx, sub.Hash)
}
