package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError is a non-2xx response. Message is the server's own text so it
// can be shown to the caller unchanged.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("backend error (status %d)", e.StatusCode)
}

// StatusCode reports the HTTP status of err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// decodeAPIError accepts {"message": ...}, {"error": "..."} and
// {"error": {"message": ...}} bodies and falls back to the raw text.
func decodeAPIError(resp *http.Response) *APIError {
	out := &APIError{StatusCode: resp.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return out
	}

	var body struct {
		Message string          `json:"message"`
		Code    string          `json:"code"`
		Error   json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		out.Message = text
		return out
	}
	out.Message = body.Message
	out.Code = body.Code
	if out.Message == "" && len(body.Error) > 0 {
		var s string
		if json.Unmarshal(body.Error, &s) == nil {
			out.Message = s
		} else {
			var nested struct {
				Message string `json:"message"`
				Code    string `json:"code"`
			}
			if json.Unmarshal(body.Error, &nested) == nil {
				out.Message = nested.Message
				if out.Code == "" {
					out.Code = nested.Code
				}
			}
		}
	}
	if out.Message == "" {
		out.Message = text
	}
	return out
}
