package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/cordum/toolforge/core/infra/logging"
	"github.com/cordum/toolforge/core/tool"
)

const (
	codeUnauthorized tool.Code = "UNAUTHORIZED"

	maxBodyBytes = 4 << 20
)

type errorBody struct {
	Error *tool.Error `json:"error"`
}

func statusFor(code tool.Code) int {
	switch code {
	case tool.CodeNotFound:
		return http.StatusNotFound
	case tool.CodeForbidden:
		return http.StatusForbidden
	case tool.CodeConflict:
		return http.StatusConflict
	case tool.CodeValidation:
		return http.StatusUnprocessableEntity
	case tool.CodeUnavailable:
		return http.StatusServiceUnavailable
	case codeUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("api-gateway", "encode response failed", "error", err)
	}
}

// writeError maps a service error onto its status. Anything that is not a
// *tool.Error is reported as an opaque internal error.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var te *tool.Error
	if !errors.As(err, &te) {
		te = tool.Internal("internal error")
	}
	status := statusFor(te.Code)
	if status >= http.StatusInternalServerError {
		logging.Error("api-gateway", "request failed", "method", r.Method, "path", r.URL.Path, "code", te.Code, "error", err)
		if te.Code == tool.CodeInternal {
			te = tool.Internal("internal error")
		}
	}
	writeJSON(w, status, errorBody{Error: te})
}

// decodeBody reads a JSON request body into out. It writes the error
// response itself and reports whether the handler should continue.
func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, tool.Validation("request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		writeError(w, r, tool.Validation("invalid json body: %v", err))
		return false
	}
	return true
}

func statusText(status int) string { return fmt.Sprintf("%d", status) }
