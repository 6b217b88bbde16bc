package executor

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Will-Luck/command-orchestrator/internal/wire"
)

// maxBodySize is the truncation threshold on HttpGetJson response bodies.
const maxBodySize = 10 * 1024 // 10 KiB

const userAgent = "command-orchestrator-agent/1.0"

// HTTPGetJSON issues a GET to a client-supplied URL and reports the
// response, truncated to maxBodySize. A non-200 status, a transport
// failure, or a JSON parse failure are all valid *outcomes* of the command
// — they are reported as Completed, never as a Failed executor error.
type HTTPGetJSON struct {
	Client *http.Client
}

func (h *HTTPGetJSON) Kind() wire.Kind { return wire.KindHTTPGetJSON }

type httpGetJSONResult struct {
	Status        int    `json:"status"`
	Body          any    `json:"body"`
	Truncated     bool   `json:"truncated"`
	BytesReturned int    `json:"bytes_returned"`
	Error         string `json:"error,omitempty"`
}

func (h *HTTPGetJSON) Execute(ctx context.Context, payload json.RawMessage, onProgress func()) (json.RawMessage, error) {
	var p wire.HTTPGetJSONPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return marshalResult(httpGetJSONResult{Error: "invalid payload: " + err.Error()})
	}

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.URL, nil)
	if err != nil {
		return marshalResult(httpGetJSONResult{Error: err.Error()})
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := h.client().Do(req)
	if err != nil {
		return marshalResult(httpGetJSONResult{Error: err.Error()})
	}
	defer resp.Body.Close()

	body, totalBytes, truncated, err := readTruncated(resp.Body, maxBodySize)
	if err != nil {
		return marshalResult(httpGetJSONResult{Error: err.Error()})
	}

	return marshalResult(httpGetJSONResult{
		Status:        resp.StatusCode,
		Body:          decodeBody(body, resp.Header.Get("Content-Type"), truncated),
		Truncated:     truncated,
		BytesReturned: totalBytes,
	})
}

func (h *HTTPGetJSON) client() *http.Client {
	if h.Client != nil {
		return h.Client
	}
	return http.DefaultClient
}

// readTruncated reads up to limit bytes of r to keep, then drains and counts
// whatever remains so bytesReturned always reflects the full response size
// (§4.8), even when the returned body is truncated to limit.
func readTruncated(r io.Reader, limit int) (data []byte, totalBytes int, truncated bool, err error) {
	data, err = io.ReadAll(io.LimitReader(r, int64(limit)))
	if err != nil {
		return nil, 0, false, err
	}
	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return nil, 0, false, err
	}
	totalBytes = len(data) + int(rest)
	truncated = rest > 0
	return data, totalBytes, truncated, nil
}

func decodeBody(body []byte, contentType string, truncated bool) any {
	if strings.Contains(contentType, "application/json") {
		var parsed any
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	}
	text := string(body)
	if truncated {
		text += "... [truncated]"
	}
	return text
}

func marshalResult(r httpGetJSONResult) (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return data, nil
}
