// Package handlers holds the raw chi handlers for the proxy surface
// (chat/completions, embeddings, responses, models, transparent
// passthrough) and the Huma-registered admin API for upstreams, model
// overrides and settings.
//
// Grounded on the teacher's internal/http/handlers package layout: raw
// handlers for anything that needs direct control over the response
// (here: SSE streaming; there: format-aware downloads) live beside
// Huma-registered ones in the same package.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/jmylchreest/proxyd/internal/proxyerr"
)

// writeError renders err as the spec's error envelope, classifying it
// through proxyerr if possible and falling back to a generic 500.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var pe *proxyerr.Error
	if !errors.As(err, &pe) {
		pe = proxyerr.Internal("", err)
	}
	if pe.Status >= 500 {
		logger.Error("request failed", "error", err, "correlation_id", pe.CorrelationID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(pe.Status)
	_ = json.NewEncoder(w).Encode(pe.Body())
}
