// Package costengine implements C4: deriving a model's max-cost envelope,
// applying the discount heuristic to turn it into a reservation, and
// converting actual token usage into a final msat charge.
//
// JSON shuttling follows the ambient convention from SPEC_FULL.md: only the
// narrow slices actually read (model, messages, max_tokens, stream, usage
// sub-counts) are typed; everything else is forwarded verbatim by the
// caller without round-tripping through these structs.
//
// Grounded on original_source/routstr/payment/cost.py (the max-cost
// derivation branches, the discount heuristic, and the image-tile token
// formula) and original_source/routstr/algorithm.py's cost-score weights,
// restated in the teacher's idiom (exported Config struct, constructor,
// no package-level mutable state).
package costengine

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/jmylchreest/proxyd/internal/models"
)

// ChatRequest is the narrow slice of an inbound chat-completion body the
// cost engine reads. Unknown fields are preserved by the caller's own copy
// of the raw JSON; this struct is never used to re-serialize the request.
type ChatRequest struct {
	Model     string           `json:"model"`
	Stream    bool             `json:"stream"`
	MaxTokens *int64           `json:"max_tokens"`
	Messages  []ChatMessage    `json:"messages"`
}

// ChatMessage is one entry of ChatRequest.Messages. Content is either a
// plain string or a list of typed content parts (text / image_url).
type ChatMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// ContentPart is one element of a multi-part message content list.
type ContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text"`
	ImageURL json.RawMessage `json:"image_url"`
}

// ImageURLObject is the shape of ContentPart.ImageURL when it is an object
// rather than a bare string.
type ImageURLObject struct {
	URL    string `json:"url"`
	Detail string `json:"detail"`
}

// Usage is the narrow slice of a chat-completion response's usage block.
type Usage struct {
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	ReasoningTokens  *int64 `json:"reasoning_tokens"`
	ImageTokens      *int64 `json:"image_tokens"`
}

// Normalize folds reasoning_tokens into completion_tokens and image_tokens
// into prompt_tokens whenever the upstream reports them. It does not check
// whether the top-level totals already include those sub-counts.
func (u Usage) Normalize() Usage {
	out := u
	if u.ReasoningTokens != nil {
		out.CompletionTokens += *u.ReasoningTokens
	}
	if u.ImageTokens != nil {
		out.PromptTokens += *u.ImageTokens
	}
	return out
}

// ResponseEnvelope is the narrow slice of a non-streaming chat-completion
// response the cost engine reads to finalize a charge.
type ResponseEnvelope struct {
	Model string `json:"model"`
	Usage *Usage `json:"usage"`
}

// Config holds the pricing-mode configuration consumed by the cost engine.
type Config struct {
	FixedPricing            bool
	FixedCostPerRequestSats int64
	FixedPer1kInputSats     float64
	FixedPer1kOutputSats    float64
	MinRequestMsat          int64
	TolerancePercentage     float64
}

// Engine computes costs per spec §4.4. It is stateless beyond its
// configuration and an HTTP client used to fetch remote image dimensions
// for the prompt-headroom heuristic.
type Engine struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New constructs an Engine.
func New(cfg Config, httpClient *http.Client, logger *slog.Logger) *Engine {
	if cfg.MinRequestMsat <= 0 {
		cfg.MinRequestMsat = 1
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, httpClient: httpClient, logger: logger.With("component", "costengine")}
}

// DeriveMaxCost computes max_prompt_cost/max_completion_cost/max_cost in
// USD for a model, per spec §4.4's branching on top-provider context
// length (CL) and max completion tokens (MCT).
func DeriveMaxCost(m *models.Model) (maxPromptUSD, maxCompletionUSD, maxUSD float64) {
	p, c := m.USD.Prompt, m.USD.Completion
	cl := m.TopProviderContextLength
	mct := m.TopProviderMaxCompletionTokens

	switch {
	case cl != nil && mct != nil:
		CL, MCT := float64(*cl), float64(*mct)
		if CL <= MCT {
			maxPromptUSD = CL * p
			maxCompletionUSD = CL * c
			maxUSD = CL * math.Max(p, c)
		} else {
			maxPromptUSD = CL * p
			maxCompletionUSD = MCT * c
			maxUSD = (CL-MCT)*p + MCT*c
		}
	case cl != nil:
		CL := float64(*cl)
		maxPromptUSD = CL * p
		maxCompletionUSD = CL * c
		maxUSD = CL * math.Max(p, c)
	case mct != nil:
		MCT := float64(*mct)
		maxPromptUSD = MCT * p
		maxCompletionUSD = MCT * c
		maxUSD = MCT * c
	default:
		if m.ContextWindow > 0 {
			CL := float64(m.ContextWindow)
			maxPromptUSD = CL * p
			maxCompletionUSD = CL * c
			maxUSD = CL * math.Max(p, c)
		} else {
			maxPromptUSD = p * 1_000_000
			maxCompletionUSD = c * 32_000
			maxUSD = p*1_000_000 + c*32_000 + m.USD.Request*100_000 +
				m.USD.Image*100 + m.USD.WebSearch*1_000 + m.USD.InternalReasoning*100
		}
	}
	return maxPromptUSD, maxCompletionUSD, maxUSD
}

// ApplyMaxCostDerivation fills MaxPromptCostUSD/MaxCompletionCostUSD/MaxCostUSD
// (and the lower-bounded MaxCostUSD floor) and their sats equivalents on m,
// using satsPerUSD from the exchange oracle. Called by the catalog on every
// refresh cycle after provider-fee application.
func ApplyMaxCostDerivation(m *models.Model, minRequestMsat int64, satsPerUSD float64) {
	mp, mc, mx := DeriveMaxCost(m)
	minReqUSD := 0.0
	if satsPerUSD > 0 {
		minReqUSD = (float64(minRequestMsat) / 1000.0) / satsPerUSD
	}
	if mx < minReqUSD {
		mx = minReqUSD
	}
	m.MaxPromptCostUSD = mp
	m.MaxCompletionCostUSD = mc
	m.MaxCostUSD = mx

	if satsPerUSD > 0 {
		m.MaxPromptCostSats = mp * satsPerUSD
		m.MaxCompletionCostSats = mc * satsPerUSD
		m.MaxCostSats = mx * satsPerUSD
		minReqSats := float64(minRequestMsat) / 1000.0
		if m.MaxCostSats < minReqSats {
			m.MaxCostSats = minReqSats
		}
	}
}

// RawMaxCostMsat returns the undiscounted reservation ceiling for a
// request, per the configured pricing mode.
func (e *Engine) RawMaxCostMsat(m *models.Model) int64 {
	if e.cfg.FixedPricing {
		cost := e.cfg.FixedCostPerRequestSats * 1000
		return maxInt64(e.cfg.MinRequestMsat, cost)
	}
	if m == nil {
		return e.cfg.MinRequestMsat
	}
	cost := int64(m.MaxCostSats * 1000)
	return maxInt64(e.cfg.MinRequestMsat, cost)
}

// DiscountedReservation applies the prompt- and completion-headroom
// discounts (spec §4.4 "Reservation from a request body") to rawMaxCostMsat,
// returning the amount actually reserved. Fixed pricing mode applies no
// discount (there is no per-model pricing to estimate against), but does
// add the flat per-1k-input/output surcharge when supplied.
func (e *Engine) DiscountedReservation(ctx context.Context, m *models.Model, req *ChatRequest, rawMaxCostMsat int64) int64 {
	if e.cfg.FixedPricing {
		return e.applyFixedSurcharge(req, rawMaxCostMsat)
	}
	if m == nil {
		return maxInt64(e.cfg.MinRequestMsat, rawMaxCostMsat)
	}

	tolFactor := math.Max(0, 1-e.cfg.TolerancePercentage/100.0)
	maxPromptAllowedSats := m.MaxPromptCostSats * tolFactor
	maxCompletionAllowedSats := m.MaxCompletionCostSats * tolFactor

	adjusted := rawMaxCostMsat

	if req != nil && len(req.Messages) > 0 {
		promptTokens := estimateTextTokens(req.Messages)
		promptTokens += e.estimateImageTokens(ctx, req.Messages)

		delta := maxPromptAllowedSats - float64(promptTokens)*m.Sats.Prompt
		if delta > 0 {
			adjusted -= int64(math.Floor(delta * 1000))
		}
	}

	if req != nil && req.MaxTokens != nil {
		delta := maxCompletionAllowedSats - float64(*req.MaxTokens)*m.Sats.Completion
		if delta > 0 {
			adjusted -= int64(math.Floor(delta * 1000))
		}
	}

	if adjusted < 0 {
		adjusted = 0
	}
	return maxInt64(e.cfg.MinRequestMsat, adjusted)
}

func (e *Engine) applyFixedSurcharge(req *ChatRequest, base int64) int64 {
	if req == nil || (e.cfg.FixedPer1kInputSats == 0 && e.cfg.FixedPer1kOutputSats == 0) {
		return maxInt64(e.cfg.MinRequestMsat, base)
	}
	total := base
	if len(req.Messages) > 0 && e.cfg.FixedPer1kInputSats > 0 {
		promptTokens := estimateTextTokens(req.Messages)
		total += int64(float64(promptTokens) / 1000 * e.cfg.FixedPer1kInputSats * 1000)
	}
	if req.MaxTokens != nil && e.cfg.FixedPer1kOutputSats > 0 {
		total += int64(float64(*req.MaxTokens) / 1000 * e.cfg.FixedPer1kOutputSats * 1000)
	}
	return maxInt64(e.cfg.MinRequestMsat, total)
}

// FinalCost computes the actual msat charge from usage and the reserved
// amount, per spec §4.4's "Final cost from usage". A missing usage block
// (nil) falls back to the full reservation, the conservative default.
func (e *Engine) FinalCost(m *models.Model, usage *Usage, reservedMsat int64) models.TokenCost {
	if usage == nil {
		return models.TokenCost{BaseMsats: reservedMsat, InputMsats: 0, OutputMsats: 0, TotalMsats: reservedMsat}
	}
	norm := usage.Normalize()

	if e.cfg.FixedPricing {
		inputMsats := round3(float64(norm.PromptTokens) / 1000 * e.cfg.FixedPer1kInputSats * 1_000_000)
		outputMsats := round3(float64(norm.CompletionTokens) / 1000 * e.cfg.FixedPer1kOutputSats * 1_000_000)
		base := e.cfg.FixedCostPerRequestSats * 1000
		total := int64(math.Ceil(inputMsats+outputMsats)) + base
		return models.TokenCost{BaseMsats: base, InputMsats: int64(inputMsats), OutputMsats: int64(outputMsats), TotalMsats: total}
	}

	if m == nil {
		return models.TokenCost{BaseMsats: reservedMsat, TotalMsats: reservedMsat}
	}

	inputMsats := round3(float64(norm.PromptTokens) / 1000 * m.Sats.Prompt * 1_000_000)
	outputMsats := round3(float64(norm.CompletionTokens) / 1000 * m.Sats.Completion * 1_000_000)
	total := int64(math.Ceil(inputMsats + outputMsats))
	return models.TokenCost{BaseMsats: 0, InputMsats: int64(inputMsats), OutputMsats: int64(outputMsats), TotalMsats: total}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// estimateTextTokens counts characters across every text part of every
// message and divides by 3, per spec §4.4's prompt-headroom estimate.
func estimateTextTokens(messages []ChatMessage) int64 {
	var chars int64
	for _, msg := range messages {
		var asString string
		if err := json.Unmarshal(msg.Content, &asString); err == nil {
			chars += int64(len(asString))
			continue
		}
		var parts []ContentPart
		if err := json.Unmarshal(msg.Content, &parts); err == nil {
			for _, p := range parts {
				if p.Type == "text" {
					chars += int64(len(p.Text))
				}
			}
		}
	}
	return chars / 3
}

// estimateImageTokens sums the tile-based token estimate for every
// image_url/input_image content part across all messages.
func (e *Engine) estimateImageTokens(ctx context.Context, messages []ChatMessage) int64 {
	var total int64
	for _, msg := range messages {
		var parts []ContentPart
		if err := json.Unmarshal(msg.Content, &parts); err != nil {
			continue
		}
		for _, p := range parts {
			if p.Type != "image_url" && p.Type != "input_image" {
				continue
			}
			url, detail := parseImageURLField(p.ImageURL)
			if url == "" {
				continue
			}
			total += e.imageTokensForURL(ctx, url, detail)
		}
	}
	return total
}

func parseImageURLField(raw json.RawMessage) (url, detail string) {
	if len(raw) == 0 {
		return "", "auto"
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, "auto"
	}
	var obj ImageURLObject
	if err := json.Unmarshal(raw, &obj); err == nil {
		if obj.Detail == "" {
			obj.Detail = "auto"
		}
		return obj.URL, obj.Detail
	}
	return "", "auto"
}

// imageTokensForURL resolves an image's pixel dimensions — decoding a data
// URL in-process, or issuing a short GET for a remote URL — and applies
// the tile-count token formula. On any failure it falls back to the
// 85-token low-detail floor rather than failing the whole discount pass.
func (e *Engine) imageTokensForURL(ctx context.Context, url, detail string) int64 {
	if detail == "low" {
		return 85
	}

	width, height, ok := e.imageDimensions(ctx, url)
	if !ok {
		return 85
	}
	return calculateImageTokens(width, height, detail)
}

func (e *Engine) imageDimensions(ctx context.Context, url string) (w, h int, ok bool) {
	if strings.HasPrefix(url, "data:image/") {
		idx := strings.Index(url, ",")
		if idx < 0 {
			return 0, 0, false
		}
		data, err := base64.StdEncoding.DecodeString(url[idx+1:])
		if err != nil {
			e.logger.Warn("failed to decode base64 image", "error", err)
			return 0, 0, false
		}
		cfg, _, err := image.DecodeConfig(strings.NewReader(string(data)))
		if err != nil {
			e.logger.Warn("failed to decode image dimensions", "error", err)
			return 0, 0, false
		}
		return cfg.Width, cfg.Height, true
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, 0, false
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		e.logger.Warn("failed to fetch remote image", "error", err, "url", truncate(url, 100))
		return 0, 0, false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, 0, false
	}
	cfg, _, err := image.DecodeConfig(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		e.logger.Warn("failed to decode remote image dimensions", "error", err)
		return 0, 0, false
	}
	return cfg.Width, cfg.Height, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// calculateImageTokens implements OpenAI's vision tiling formula: rescale
// to fit 2048x2048 then 768x768 preserving aspect ratio, then
// 85 + 170*ceil(w/512)*ceil(h/512).
func calculateImageTokens(width, height int, detail string) int64 {
	if detail == "low" {
		return 85
	}

	w, h := float64(width), float64(height)
	if w > 2048 || h > 2048 {
		ratio := w / h
		if w > h {
			w = 2048
			h = w / ratio
		} else {
			h = 2048
			w = h * ratio
		}
	}
	if w > 768 || h > 768 {
		ratio := w / h
		if w > h {
			w = 768
			h = w / ratio
		} else {
			h = 768
			w = h * ratio
		}
	}

	tilesW := int64(math.Ceil(w / 512))
	tilesH := int64(math.Ceil(h / 512))
	return 85 + 170*tilesW*tilesH
}

// ParseChatRequest decodes the narrow fields costengine needs from a raw
// request body, returning nil (not an error) if the body has no
// recognizable JSON object. proxy.Handle rejects such a request, like one
// with no model field, with invalid_request_error and does not forward it.
func ParseChatRequest(body []byte) *ChatRequest {
	if len(body) == 0 {
		return nil
	}
	var req ChatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil
	}
	return &req
}

// ParseResponseEnvelope decodes the narrow fields needed to finalize a
// non-streaming response.
func ParseResponseEnvelope(body []byte) (*ResponseEnvelope, error) {
	var env ResponseEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode response envelope: %w", err)
	}
	return &env, nil
}
