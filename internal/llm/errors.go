package llm

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// maxErrorMessage bounds how much of an upstream error body is kept.
const maxErrorMessage = 200

// APIError is a non-2xx response from a model API.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s api: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s api: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Transient reports whether retrying the same request may succeed: rate
// limiting, request timeouts, overload and 5xx responses.
func (e *APIError) Transient() bool {
	switch {
	case e.StatusCode == http.StatusTooManyRequests, e.StatusCode == http.StatusRequestTimeout:
		return true
	case e.StatusCode >= 500:
		return true
	}
	return false
}

// RateLimited reports a 429 response.
func (e *APIError) RateLimited() bool { return e.StatusCode == http.StatusTooManyRequests }

// newAPIError reads a bounded error message from resp. Both Anthropic and
// OpenAI wrap it as {"error": {"message": ...}}.
func newAPIError(provider string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 16<<10))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	msg := ""
	if json.Unmarshal(body, &envelope) == nil {
		msg = envelope.Error.Message
	}
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	if len(msg) > maxErrorMessage {
		msg = msg[:maxErrorMessage] + "…"
	}
	return &APIError{Provider: provider, StatusCode: resp.StatusCode, Message: msg}
}
