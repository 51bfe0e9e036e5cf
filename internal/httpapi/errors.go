package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"zhihupub/internal/domain"
	logx "zhihupub/pkg/logx"
)

const maxBodyBytes = 1 << 20

type errorBody struct {
	Error   string     `json:"error"`
	Code    string     `json:"code"`
	Gate    string     `json:"gate,omitempty"`
	RetryAt *time.Time `json:"retry_at,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and reported as 500 without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var rl domain.RateLimitError
	switch {
	case errors.As(err, &rl):
		body := errorBody{Error: err.Error(), Code: "rate_limited", Gate: rl.Gate}
		if !rl.RetryAt.IsZero() {
			at := rl.RetryAt.UTC()
			body.RetryAt = &at
			w.Header().Set("Retry-After", retryAfter(rl.RetryAt, s.deps.Now()))
		}
		writeJSON(w, http.StatusTooManyRequests, body)
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, domain.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "invalid_transition"})
	case errors.Is(err, domain.ErrAccountUnavailable):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "account_unavailable"})
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_input"})
	default:
		s.log.Error("request failed",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Err(err),
		)
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
	}
}

// retryAfter is whole seconds, at least 1.
func retryAfter(at, now time.Time) string {
	secs := int64(math.Ceil(at.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// decode reads one JSON object; unknown fields and trailing data are rejected.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return domain.InvalidInput("request body is empty")
		}
		return domain.InvalidInput("invalid JSON body: %v", err)
	}
	if dec.More() {
		return domain.InvalidInput("invalid JSON body: trailing data")
	}
	return nil
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.InvalidInput("%s must be an integer", key)
	}
	return n, nil
}

func requireField(name, v string) error {
	if v == "" {
		return domain.InvalidInput("%s is required", name)
	}
	return nil
}
