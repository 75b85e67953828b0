// Package models defines the persisted and in-memory record shapes shared
// across the proxy's subsystems: credentials, upstream providers, the model
// catalog, and token-cost results.
package models

import (
	"database/sql"
	"time"
)

// ProviderType is the closed set of upstream adapter kinds.
type ProviderType string

const (
	ProviderOpenAI     ProviderType = "openai"
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderOpenRouter ProviderType = "openrouter"
	ProviderAzure      ProviderType = "azure"
	ProviderOllama     ProviderType = "ollama"
	ProviderGroq       ProviderType = "groq"
	ProviderFireworks  ProviderType = "fireworks"
	ProviderPerplexity ProviderType = "perplexity"
	ProviderXAI        ProviderType = "xai"
	ProviderGemini     ProviderType = "gemini"
	ProviderPPQAI      ProviderType = "ppqai"
	ProviderGeneric    ProviderType = "generic"
	ProviderCustom     ProviderType = "custom"
)

// DefaultProviderFee returns the provider-fee a newly configured upstream
// should default to, per provider type.
func DefaultProviderFee(p ProviderType) float64 {
	if p == ProviderOpenRouter {
		return 1.06
	}
	return 1.01
}

// Credential is a per-caller ledger row, addressed by a stable hash.
type Credential struct {
	Hash                 string
	BalanceMsats         int64
	ReservedMsats        int64
	TotalSpentMsats      int64
	TotalRequests        int64
	RefundAddress        sql.NullString
	RefundMint           sql.NullString
	RefundCurrency       sql.NullString
	ExpiryTime           sql.NullInt64
	ParentCredentialHash sql.NullString
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// AvailableMsats is the only balance a new reservation may draw from.
func (c *Credential) AvailableMsats() int64 {
	return c.BalanceMsats - c.ReservedMsats
}

// IsSubCredential reports whether this credential charges a parent.
func (c *Credential) IsSubCredential() bool {
	return c.ParentCredentialHash.Valid && c.ParentCredentialHash.String != ""
}

// Upstream is a configured backend the proxy can forward to.
type Upstream struct {
	ID            string
	ProviderType  ProviderType
	BaseURL       string
	APICredential string
	APIVersion    sql.NullString
	Enabled       bool
	ProviderFee   float64
}

// PricingUSD (or sats, same shape) holds per-unit prices for one model.
type PricingUSD struct {
	Prompt            float64
	Completion        float64
	Request           float64
	Image             float64
	WebSearch         float64
	InternalReasoning float64
}

// Scale multiplies every field by k, returning a new PricingUSD.
func (p PricingUSD) Scale(k float64) PricingUSD {
	return PricingUSD{
		Prompt:            p.Prompt * k,
		Completion:        p.Completion * k,
		Request:           p.Request * k,
		Image:             p.Image * k,
		WebSearch:         p.WebSearch * k,
		InternalReasoning: p.InternalReasoning * k,
	}
}

// Model is a catalog entry: either a live per-upstream cache row or a
// database override row (IsOverride true) that fully replaces it.
type Model struct {
	ID                             string // canonical id
	UpstreamID                     string
	DisplayName                    string
	ContextWindow                  int64
	TopProviderContextLength       *int64
	TopProviderMaxCompletionTokens *int64

	USD  PricingUSD
	Sats PricingUSD

	MaxPromptCostUSD     float64
	MaxCompletionCostUSD float64
	MaxCostUSD           float64

	MaxPromptCostSats     float64
	MaxCompletionCostSats float64
	MaxCostSats           float64

	Enabled       bool
	CanonicalSlug string
	AliasIDs      []string
	IsOverride    bool
}

// TokenCost is the msat breakdown of a single request's charge.
type TokenCost struct {
	BaseMsats   int64
	InputMsats  int64
	OutputMsats int64
	TotalMsats  int64
}

// Settings is the key-value configuration store, persisted alongside
// credentials/upstreams/overrides per spec.
type Settings map[string]string
