package proxy

import (
	"bytes"

	"github.com/jmylchreest/proxyd/internal/costengine"
)

// tailScanner tracks a bounded trailing window of a streaming response and
// the most recently seen model id, searching the window in reverse for the
// first event carrying a usage block once the stream ends.
//
// Grounded on original_source/routstr/upstream/base.py's
// handle_streaming_chat_completion, which keeps every chunk ever seen and
// walks it backwards the same way — restated here with a capped window
// (tailBufferSize) rather than unbounded retention, since only the last few
// events of a long completion ever carry usage.
type tailScanner struct {
	maxSize   int
	buf       []byte
	lastModel string
}

func newTailScanner(maxSize int) *tailScanner {
	return &tailScanner{maxSize: maxSize}
}

// write records a freshly forwarded chunk, trimming the window to maxSize
// and best-effort updating lastModel from any event it can parse.
func (t *tailScanner) write(chunk []byte) {
	t.buf = append(t.buf, chunk...)
	if len(t.buf) > t.maxSize {
		t.buf = t.buf[len(t.buf)-t.maxSize:]
	}
	for _, event := range splitSSEEvents(chunk) {
		if env, err := costengine.ParseResponseEnvelope(event); err == nil && env.Model != "" {
			t.lastModel = env.Model
		}
	}
}

// findUsage scans the retained window from the tail for the first event
// whose JSON carries a usage block. Returns the last-seen model as a
// fallback when no usage event was found at all.
func (t *tailScanner) findUsage() (*costengine.Usage, string) {
	events := splitSSEEvents(t.buf)
	for i := len(events) - 1; i >= 0; i-- {
		env, err := costengine.ParseResponseEnvelope(events[i])
		if err != nil || env.Usage == nil {
			continue
		}
		model := env.Model
		if model == "" {
			model = t.lastModel
		}
		return env.Usage, model
	}
	return nil, t.lastModel
}

// splitSSEEvents best-effort extracts the JSON payload of each "data: "
// event in a raw SSE byte blob. A blob that doesn't align on event
// boundaries (the window was trimmed mid-event) just yields fewer, or
// partially garbled, events — callers tolerate JSON decode failures.
func splitSSEEvents(data []byte) [][]byte {
	parts := bytes.Split(data, []byte("data: "))
	if len(parts) <= 1 {
		return nil
	}
	out := make([][]byte, 0, len(parts)-1)
	for _, p := range parts[1:] {
		p = bytes.TrimSpace(p)
		if len(p) == 0 || bytes.Equal(p, []byte("[DONE]")) {
			continue
		}
		if idx := bytes.Index(p, []byte("\n\n")); idx >= 0 {
			p = p[:idx]
		}
		out = append(out, p)
	}
	return out
}
