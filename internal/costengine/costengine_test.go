package costengine

import (
	"context"
	"encoding/base64"
	"bytes"
	"image"
	"image/png"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jmylchreest/proxyd/internal/models"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func int64p(v int64) *int64 { return &v }

func testModel() *models.Model {
	return &models.Model{
		ID:                             "openai/gpt-4o",
		ContextWindow:                  128000,
		TopProviderContextLength:       int64p(128000),
		TopProviderMaxCompletionTokens: int64p(16384),
		USD: models.PricingUSD{
			Prompt:     0.0000025,
			Completion: 0.00001,
		},
		Sats: models.PricingUSD{
			Prompt:     0.0000025 * 1000,
			Completion: 0.00001 * 1000,
		},
	}
}

func TestDeriveMaxCost_CLGreaterThanMCT(t *testing.T) {
	m := testModel()
	mp, mc, mx := DeriveMaxCost(m)

	wantMP := 128000.0 * m.USD.Prompt
	wantMC := 16384.0 * m.USD.Completion
	wantMX := (128000.0-16384.0)*m.USD.Prompt + 16384.0*m.USD.Completion

	if mp != wantMP {
		t.Errorf("maxPromptUSD = %v, want %v", mp, wantMP)
	}
	if mc != wantMC {
		t.Errorf("maxCompletionUSD = %v, want %v", mc, wantMC)
	}
	if mx != wantMX {
		t.Errorf("maxUSD = %v, want %v", mx, wantMX)
	}
}

func TestDeriveMaxCost_CLLessThanOrEqualMCT(t *testing.T) {
	m := testModel()
	m.TopProviderContextLength = int64p(8000)
	m.TopProviderMaxCompletionTokens = int64p(16384)

	mp, mc, mx := DeriveMaxCost(m)
	wantMP := 8000.0 * m.USD.Prompt
	wantMC := 8000.0 * m.USD.Completion
	wantMX := 8000.0 * m.USD.Completion // completion > prompt here

	if mp != wantMP || mc != wantMC || mx != wantMX {
		t.Errorf("got (%v,%v,%v), want (%v,%v,%v)", mp, mc, mx, wantMP, wantMC, wantMX)
	}
}

func TestDeriveMaxCost_NoTopProviderLimits_FallsBackToContextWindow(t *testing.T) {
	m := testModel()
	m.TopProviderContextLength = nil
	m.TopProviderMaxCompletionTokens = nil

	mp, _, _ := DeriveMaxCost(m)
	want := float64(m.ContextWindow) * m.USD.Prompt
	if mp != want {
		t.Errorf("maxPromptUSD = %v, want %v", mp, want)
	}
}

func TestApplyMaxCostDerivation_FloorsAtMinRequest(t *testing.T) {
	m := &models.Model{ID: "tiny/model", ContextWindow: 1, USD: models.PricingUSD{Prompt: 0.0000001, Completion: 0.0000001}}
	ApplyMaxCostDerivation(m, 1000, 1000) // min 1 sat, 1000 sats/usd
	if m.MaxCostUSD < 0.001 {
		t.Errorf("MaxCostUSD = %v, want floored to at least the min-request USD equivalent", m.MaxCostUSD)
	}
}

func TestEngine_RawMaxCostMsat_FixedPricing(t *testing.T) {
	e := New(Config{FixedPricing: true, FixedCostPerRequestSats: 5, MinRequestMsat: 1000}, nil, discardLogger())
	if got, want := e.RawMaxCostMsat(nil), int64(5000); got != want {
		t.Errorf("RawMaxCostMsat() = %v, want %v", got, want)
	}
}

func TestEngine_RawMaxCostMsat_ModelBased(t *testing.T) {
	m := testModel()
	ApplyMaxCostDerivation(m, 1000, 1000)
	e := New(Config{MinRequestMsat: 1000}, nil, discardLogger())
	got := e.RawMaxCostMsat(m)
	want := int64(m.MaxCostSats * 1000)
	if got != want {
		t.Errorf("RawMaxCostMsat() = %v, want %v", got, want)
	}
}

func TestEstimateTextTokens_PlainStringContent(t *testing.T) {
	messages := []ChatMessage{
		{Role: "user", Content: []byte(`"hello world this is a test"`)},
	}
	got := estimateTextTokens(messages)
	want := int64(len("hello world this is a test") / 3)
	if got != want {
		t.Errorf("estimateTextTokens() = %v, want %v", got, want)
	}
}

func TestEstimateTextTokens_MultiPartContent(t *testing.T) {
	messages := []ChatMessage{
		{Role: "user", Content: []byte(`[{"type":"text","text":"abcdef"},{"type":"image_url","image_url":{"url":"x"}}]`)},
	}
	got := estimateTextTokens(messages)
	if got != 2 { // 6 chars / 3
		t.Errorf("estimateTextTokens() = %v, want 2", got)
	}
}

func TestEngine_DiscountedReservation_LowDetailImage(t *testing.T) {
	e := New(Config{MinRequestMsat: 1}, nil, discardLogger())
	m := testModel()
	ApplyMaxCostDerivation(m, 1, 1000)

	req := &ChatRequest{
		Messages: []ChatMessage{
			{Role: "user", Content: []byte(`[{"type":"image_url","image_url":{"url":"data:image/png;base64,xx","detail":"low"}}]`)},
		},
		MaxTokens: int64p(100),
	}
	raw := e.RawMaxCostMsat(m)
	got := e.DiscountedReservation(context.Background(), m, req, raw)
	if got <= 0 {
		t.Errorf("DiscountedReservation() = %v, want > 0", got)
	}
	if got > raw {
		t.Errorf("DiscountedReservation() = %v, should never exceed raw max cost %v", got, raw)
	}
}

func TestEngine_FinalCost_ModelBased(t *testing.T) {
	e := New(Config{MinRequestMsat: 1}, nil, discardLogger())
	m := testModel()
	usage := &Usage{PromptTokens: 1000, CompletionTokens: 500}

	got := e.FinalCost(m, usage, 999999)
	wantInput := int64(round3(1000.0 / 1000 * m.Sats.Prompt * 1_000_000))
	wantOutput := int64(round3(500.0 / 1000 * m.Sats.Completion * 1_000_000))
	if got.InputMsats != wantInput {
		t.Errorf("InputMsats = %v, want %v", got.InputMsats, wantInput)
	}
	if got.OutputMsats != wantOutput {
		t.Errorf("OutputMsats = %v, want %v", got.OutputMsats, wantOutput)
	}
	if got.TotalMsats != wantInput+wantOutput {
		t.Errorf("TotalMsats = %v, want %v", got.TotalMsats, wantInput+wantOutput)
	}
}

func TestEngine_FinalCost_NoUsage_FallsBackToReservation(t *testing.T) {
	e := New(Config{MinRequestMsat: 1}, nil, discardLogger())
	got := e.FinalCost(testModel(), nil, 42000)
	if got.TotalMsats != 42000 {
		t.Errorf("TotalMsats = %v, want 42000 (reservation fallback)", got.TotalMsats)
	}
}

func TestUsage_Normalize_FoldsSubCounts(t *testing.T) {
	u := Usage{PromptTokens: 100, CompletionTokens: 50, ReasoningTokens: int64p(20), ImageTokens: int64p(30)}
	norm := u.Normalize()
	if norm.CompletionTokens != 70 {
		t.Errorf("CompletionTokens = %v, want 70", norm.CompletionTokens)
	}
	if norm.PromptTokens != 130 {
		t.Errorf("PromptTokens = %v, want 130", norm.PromptTokens)
	}
}

func TestCalculateImageTokens_HighDetailRescaling(t *testing.T) {
	// 2048x2048 -> rescale to 768x768 -> 2x2 tiles -> 85 + 170*4 = 765
	got := calculateImageTokens(2048, 2048, "high")
	if got != 765 {
		t.Errorf("calculateImageTokens(2048,2048) = %v, want 765", got)
	}
}

func TestCalculateImageTokens_LowDetailFloor(t *testing.T) {
	if got := calculateImageTokens(4096, 4096, "low"); got != 85 {
		t.Errorf("calculateImageTokens low detail = %v, want 85", got)
	}
}

func TestImageDimensions_RemoteURL(t *testing.T) {
	buf := &bytes.Buffer{}
	img := image.NewRGBA(image.Rect(0, 0, 512, 512))
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)

	e := New(Config{MinRequestMsat: 1}, srv.Client(), discardLogger())
	w, h, ok := e.imageDimensions(context.Background(), srv.URL)
	if !ok {
		t.Fatal("imageDimensions() ok = false, want true")
	}
	if w != 512 || h != 512 {
		t.Errorf("imageDimensions() = (%v,%v), want (512,512)", w, h)
	}
}

func TestImageDimensions_DataURL(t *testing.T) {
	buf := &bytes.Buffer{}
	img := image.NewRGBA(image.Rect(0, 0, 100, 200))
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	dataURL := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	e := New(Config{MinRequestMsat: 1}, nil, discardLogger())
	w, h, ok := e.imageDimensions(context.Background(), dataURL)
	if !ok {
		t.Fatal("imageDimensions() ok = false, want true")
	}
	if w != 100 || h != 200 {
		t.Errorf("imageDimensions() = (%v,%v), want (100,200)", w, h)
	}
}

func TestParseChatRequest_InvalidJSON(t *testing.T) {
	if got := ParseChatRequest([]byte("not json")); got != nil {
		t.Errorf("ParseChatRequest() = %v, want nil", got)
	}
}

func TestParseResponseEnvelope(t *testing.T) {
	env, err := ParseResponseEnvelope([]byte(`{"model":"gpt-4o","usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	if err != nil {
		t.Fatalf("ParseResponseEnvelope() error = %v", err)
	}
	if env.Usage.PromptTokens != 10 {
		t.Errorf("PromptTokens = %v, want 10", env.Usage.PromptTokens)
	}
}
