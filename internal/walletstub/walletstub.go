// Package walletstub provides a no-op implementation of the ecash/Lightning
// wallet collaborator that C5 and C6 depend on (ledger.Wallet,
// paymethod.Wallet). Redeeming and minting real Cashu tokens requires a
// NUT-compatible wallet and mint-quote client; no such library exists
// anywhere in the dependency surface available to this module, and
// fabricating one would mean inventing a cryptographic protocol rather than
// wiring a real one. Every method here returns a clear "not implemented"
// error instead of pretending to move value.
//
// Deploying this proxy against a live mint means swapping Stub for a real
// implementation of the same two interfaces — nothing else in C5/C6 needs
// to change.
package walletstub

import (
	"context"

	"github.com/jmylchreest/proxyd/internal/paymethod"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// Stub satisfies both ledger.Wallet and paymethod.Wallet.
type Stub struct{}

// New returns a Stub. It carries no state.
func New() *Stub { return &Stub{} }

func (s *Stub) Redeem(ctx context.Context, token string) (paymethod.RedeemResult, error) {
	return paymethod.RedeemResult{}, proxyerr.NotImplemented("ecash")
}

func (s *Stub) SendToken(ctx context.Context, amountMsat int64, unit, mint string) (string, error) {
	return "", proxyerr.NotImplemented("ecash")
}

func (s *Stub) SendToLNURL(ctx context.Context, addr string, amountSats int64) (string, error) {
	return "", proxyerr.NotImplemented("lightning")
}

// Deserialize never recognizes a token as its own: without a real wallet
// there is no mint list to validate a token's format against.
func (s *Stub) Deserialize(token string) (mint string, ok bool) {
	return "", false
}

func (s *Stub) Balance(ctx context.Context, mint, unit string) (int64, error) {
	return 0, proxyerr.NotImplemented("ecash")
}

func (s *Stub) SendToAddress(ctx context.Context, address string, amountMsats int64, mint, currency string) error {
	return proxyerr.NotImplemented(currency)
}
