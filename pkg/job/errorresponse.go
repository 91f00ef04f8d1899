package job

import (
	"encoding/json"
	"fmt"
)

// ErrorResponse is the structured failure payload recorded on a Failed
// job. It is persisted as a single JSON blob in the errorResponse field.
type ErrorResponse struct {
	// Code is the fault status code (HTTP-style).
	Code int `json:"code"`

	// Message is a human-readable description of the failure.
	Message string `json:"message"`

	// Traceback carries the stack captured at the failure boundary,
	// when available.
	Traceback string `json:"traceback,omitempty"`

	// ProductCodes carries vendor product-code attributes, when the
	// backend supplied any.
	ProductCodes map[string]string `json:"productCodes,omitempty"`
}

// Error implements the error interface so a decoded payload can be
// returned directly to callers.
func (e *ErrorResponse) Error() string {
	return fmt.Sprintf("provisioning failed (%d): %s", e.Code, e.Message)
}

func (e *ErrorResponse) marshal() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("marshal error response: %w", err)
	}
	return string(b), nil
}

func decodeErrorResponse(raw string) (*ErrorResponse, error) {
	var resp ErrorResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, fmt.Errorf("parse error response: %w", err)
	}
	return &resp, nil
}
