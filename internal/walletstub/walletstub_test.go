package walletstub

import (
	"context"
	"testing"

	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

func TestStub_AllOperationsReturnNotImplemented(t *testing.T) {
	s := New()
	ctx := context.Background()

	if _, err := s.Redeem(ctx, "tokenABC"); !isNotImplemented(err) {
		t.Errorf("Redeem: err = %v, want a not-implemented proxyerr", err)
	}
	if _, err := s.SendToken(ctx, 1000, "sat", "https://mint.example"); !isNotImplemented(err) {
		t.Errorf("SendToken: err = %v, want a not-implemented proxyerr", err)
	}
	if _, err := s.SendToLNURL(ctx, "user@example.com", 10); !isNotImplemented(err) {
		t.Errorf("SendToLNURL: err = %v, want a not-implemented proxyerr", err)
	}
	if _, err := s.Balance(ctx, "https://mint.example", "sat"); !isNotImplemented(err) {
		t.Errorf("Balance: err = %v, want a not-implemented proxyerr", err)
	}
	if err := s.SendToAddress(ctx, "user@example.com", 1000, "https://mint.example", "sat"); !isNotImplemented(err) {
		t.Errorf("SendToAddress: err = %v, want a not-implemented proxyerr", err)
	}
}

func TestStub_DeserializeNeverRecognizesAToken(t *testing.T) {
	s := New()
	if mint, ok := s.Deserialize("cashuAbc123"); ok || mint != "" {
		t.Errorf("Deserialize = (%q, %v), want (\"\", false)", mint, ok)
	}
}

func isNotImplemented(err error) bool {
	pe, ok := proxyerr.As(err)
	return ok && pe != nil && pe.Kind == proxyerr.KindNotImplemented
}
