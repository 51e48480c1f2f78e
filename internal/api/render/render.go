// Package render writes JSON responses and decodes JSON request bodies.
package render

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

const maxBodyBytes = 1 << 20

// ErrInvalidBody is returned when a request body is not a JSON object of the
// expected shape.
var ErrInvalidBody = errors.New("invalid request body")

// MissingFieldsError lists every required key of a request, sent back when
// any of them is absent or null.
type MissingFieldsError struct {
	Required []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing required fields %v", e.Required)
}

// JSON writes v with the given status code.
func JSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// Error writes {"error": message}.
func Error(w http.ResponseWriter, code int, message string) {
	JSON(w, code, map[string]string{"error": message})
}

// Decode reads the request body into dst after checking that every key in
// required is present and not null. An empty body counts as {}.
func Decode(r *http.Request, dst any, required ...string) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return DecodeBytes(body, dst, required...)
}

// DecodeBytes is Decode for an already read body.
func DecodeBytes(body []byte, dst any, required ...string) error {
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	for _, key := range required {
		raw, ok := fields[key]
		if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			return &MissingFieldsError{Required: required}
		}
	}

	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return nil
}

// DecodeError writes the 400 response for an error returned by Decode.
func DecodeError(w http.ResponseWriter, err error) {
	var missing *MissingFieldsError
	if errors.As(err, &missing) {
		JSON(w, http.StatusBadRequest, map[string]any{
			"error":    "Missing required fields",
			"required": missing.Required,
		})
		return
	}
	Error(w, http.StatusBadRequest, err.Error())
}
