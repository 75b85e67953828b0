package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jmylchreest/proxyd/internal/models"
	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// Gemini is the adapter for Google's Generative Language API, grounded on
// original_source/routstr/upstream/gemini.py. Unlike every other adapter,
// Gemini's wire format is not OpenAI-compatible at all: PrepareRequestBody
// rewrites the entire OpenAI chat-completions schema into Gemini's
// contents/generationConfig shape rather than just the "model" field.
type Gemini struct{ Base }

// NewGemini constructs a Gemini adapter for u.
func NewGemini(u *models.Upstream, client *http.Client) *Gemini {
	return &Gemini{Base{Upstream: u, Client: client}}
}

func (a *Gemini) ProviderType() models.ProviderType { return models.ProviderGemini }

func (a *Gemini) PrepareHeaders(inbound http.Header) http.Header {
	h := prepareHeaders(inbound, "")
	h.Del("Authorization")
	h.Set("x-goog-api-key", a.Credential())
	return h
}

func (a *Gemini) PrepareParams(_ string, q url.Values) url.Values { return q }

// TransformModelName strips the "gemini/" prefix for Gemini API compatibility.
func (a *Gemini) TransformModelName(modelID string) string {
	return stripProviderPrefix(modelID, "gemini")
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiContent struct {
	Role  string       `json:"role"`
	Parts []geminiPart `json:"parts"`
}

type geminiGenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiRequest struct {
	Contents          []geminiContent         `json:"contents"`
	SystemInstruction *geminiContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

// openAIChatBody is the minimal subset of an OpenAI-shaped chat-completions
// request PrepareRequestBody needs to translate into Gemini's schema.
type openAIChatBody struct {
	Model       string `json:"model"`
	Messages    []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Temperature *float64 `json:"temperature"`
	TopP        *float64 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
}

// PrepareRequestBody rewrites an OpenAI-shaped chat-completions request into
// Gemini's generateContent body, mirroring gemini.py's forward_request: the
// "system" message becomes systemInstruction, every other message becomes a
// contents entry with role "model" in place of "assistant", and
// temperature/top_p/max_tokens fold into generationConfig. A body that
// fails to parse as the expected shape passes through unchanged, matching
// the Python original's broad except-and-fall-back-to-super() behavior.
func (a *Gemini) PrepareRequestBody(body []byte) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var in openAIChatBody
	if err := json.Unmarshal(body, &in); err != nil {
		return body, nil
	}

	out := geminiRequest{}
	for _, msg := range in.Messages {
		switch msg.Role {
		case "system":
			out.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: msg.Content}}}
		case "assistant":
			out.Contents = append(out.Contents, geminiContent{Role: "model", Parts: []geminiPart{{Text: msg.Content}}})
		default:
			out.Contents = append(out.Contents, geminiContent{Role: "user", Parts: []geminiPart{{Text: msg.Content}}})
		}
	}
	if in.Temperature != nil || in.TopP != nil || in.MaxTokens != nil {
		out.GenerationConfig = &geminiGenerationConfig{Temperature: in.Temperature, TopP: in.TopP, MaxOutputTokens: in.MaxTokens}
	}
	return json.Marshal(out)
}

// FetchModels lists Gemini's published models via its native ListModels
// endpoint, stripping the "models/" resource-name prefix.
func (a *Gemini) FetchModels(ctx context.Context) ([]*models.Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.BaseURL()+"/models?key="+url.QueryEscape(a.Credential()), nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream: gemini fetch models: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("upstream: gemini ListModels returned status %d", resp.StatusCode)
	}

	var parsed struct {
		Models []struct {
			Name                       string `json:"name"`
			DisplayName                string `json:"displayName"`
			InputTokenLimit            int64  `json:"inputTokenLimit"`
			SupportedGenerationMethods []string `json:"supportedGenerationMethods"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("upstream: decode gemini ListModels: %w", err)
	}

	out := make([]*models.Model, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		if !supportsGenerateContent(m.SupportedGenerationMethods) {
			continue
		}
		out = append(out, &models.Model{
			ID:             strings.TrimPrefix(m.Name, "models/"),
			DisplayName:    m.DisplayName,
			ContextWindow:  m.InputTokenLimit,
			Enabled:        true,
		})
	}
	return out, nil
}

func supportsGenerateContent(methods []string) bool {
	for _, m := range methods {
		if m == "generateContent" {
			return true
		}
	}
	return false
}

func (a *Gemini) MapUpstreamError(status int, isChatPath bool, body []byte) *proxyerr.Error {
	return defaultMapUpstreamError(status, isChatPath, body)
}
