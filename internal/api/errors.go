package api

import (
	"encoding/json"
	"net/http"

	"github.com/baysandbox/bay/internal/bayerr"
)

// errorEnvelope is the JSON shape for every error response (spec.md section 7).
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

func errUnauthorized(message string) *bayerr.Error {
	return bayerr.New(bayerr.CodeUnauthorized, message)
}

// writeError maps any error to a bayerr.Error (wrapping unrecognized errors
// as internal_error) and writes the section-7 JSON envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	be, ok := bayerr.As(err)
	if !ok {
		be = bayerr.Wrap(bayerr.CodeInternal, "internal error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(be.Status())
	json.NewEncoder(w).Encode(errorEnvelope{Error: errorBody{
		Code:      string(be.Code),
		Message:   be.Error(),
		RequestID: requestIDFrom(r),
		Details:   be.Details,
	}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
