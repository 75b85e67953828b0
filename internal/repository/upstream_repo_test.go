package repository

import (
	"context"
	"strings"
	"testing"

	"github.com/jmylchreest/proxyd/internal/crypto"
	"github.com/jmylchreest/proxyd/internal/models"
)

func TestUpstreamRepository_UpsertAndGet(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUpstreamRepository(db, nil)

	u := &models.Upstream{
		ID:            "openai-main",
		ProviderType:  models.ProviderOpenAI,
		BaseURL:       "https://api.openai.com/v1",
		APICredential: "sk-test",
		Enabled:       true,
		ProviderFee:   1.01,
	}
	if err := repo.Upsert(context.Background(), u); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := repo.Get(context.Background(), "openai-main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatal("Get returned nil after Upsert")
	}
	if got.APICredential != "sk-test" {
		t.Errorf("APICredential = %q, want %q (plaintext, no encryptor configured)", got.APICredential, "sk-test")
	}
}

func TestUpstreamRepository_EncryptsCredentialAtRest(t *testing.T) {
	db := setupTestDB(t)
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := crypto.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}
	repo := NewUpstreamRepository(db, enc)

	u := &models.Upstream{
		ID:            "azure-main",
		ProviderType:  models.ProviderAzure,
		BaseURL:       "https://example.openai.azure.com",
		APICredential: "super-secret-key",
		Enabled:       true,
		ProviderFee:   1.01,
	}
	if err := repo.Upsert(context.Background(), u); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	var raw string
	if err := db.QueryRow(`SELECT api_credential FROM upstreams WHERE id = ?`, "azure-main").Scan(&raw); err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if strings.Contains(raw, "super-secret-key") {
		t.Errorf("api_credential stored in plaintext: %q", raw)
	}

	got, err := repo.Get(context.Background(), "azure-main")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.APICredential != "super-secret-key" {
		t.Errorf("decrypted APICredential = %q, want %q", got.APICredential, "super-secret-key")
	}
}

func TestUpstreamRepository_ListAllIncludesDisabled(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUpstreamRepository(db, nil)

	_ = repo.Upsert(context.Background(), &models.Upstream{ID: "a", ProviderType: models.ProviderOpenAI, BaseURL: "https://a", Enabled: true})
	_ = repo.Upsert(context.Background(), &models.Upstream{ID: "b", ProviderType: models.ProviderOpenAI, BaseURL: "https://b", Enabled: false})

	enabled, err := repo.ListEnabled(context.Background())
	if err != nil {
		t.Fatalf("ListEnabled: %v", err)
	}
	if len(enabled) != 1 {
		t.Fatalf("ListEnabled returned %d rows, want 1", len(enabled))
	}

	all, err := repo.ListAll(context.Background())
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("ListAll returned %d rows, want 2", len(all))
	}
}

func TestUpstreamRepository_Delete(t *testing.T) {
	db := setupTestDB(t)
	repo := NewUpstreamRepository(db, nil)
	_ = repo.Upsert(context.Background(), &models.Upstream{ID: "a", ProviderType: models.ProviderOpenAI, BaseURL: "https://a", Enabled: true})

	if err := repo.Delete(context.Background(), "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, err := repo.Get(context.Background(), "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Errorf("got = %+v, want nil after Delete", got)
	}
}
