package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"cycleswap/services/cycled/auth"
	cyclemw "cycleswap/services/cycled/middleware"
	"cycleswap/services/cycled/swaperr"
)

const maxBodyBytes = 1 << 20

type errorDetail struct {
	Code    swaperr.Code   `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorBody struct {
	Error         errorDetail `json:"error"`
	CorrelationID string      `json:"correlation_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders err in the error envelope. Errors without a code are
// logged and reported as INTERNAL without their text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	typed, ok := swaperr.As(err)
	if !ok {
		s.logger.Error("request failed",
			slog.String("path", r.URL.Path),
			slog.String("correlation_id", cyclemw.CorrelationID(r.Context())),
			slog.Any("error", err))
		typed = swaperr.New(swaperr.CodeInternal, "internal error", nil)
	}
	writeJSON(w, swaperr.HTTPStatus(typed.Code), errorBody{
		Error:         errorDetail{Code: typed.Code, Message: typed.Message, Details: typed.Details},
		CorrelationID: cyclemw.CorrelationID(r.Context()),
	})
}

func (s *Server) writeCode(w http.ResponseWriter, r *http.Request, status int, code swaperr.Code, message string) {
	writeJSON(w, status, errorBody{
		Error:         errorDetail{Code: code, Message: message},
		CorrelationID: cyclemw.CorrelationID(r.Context()),
	})
}

func (s *Server) authError(w http.ResponseWriter, r *http.Request, status int, message string) {
	s.writeCode(w, r, status, swaperr.CodeUnauthorized, message)
}

// decode reads an optional JSON body into dst.
func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return swaperr.Validation("body", "malformed request body: "+err.Error())
	}
	return nil
}

func idempotencyKey(r *http.Request) (string, error) {
	key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
	if key == "" {
		return "", swaperr.Validation("idempotency_key", IdempotencyHeader+" header is required")
	}
	return key, nil
}

func principal(r *http.Request) auth.Principal {
	p, _ := auth.FromContext(r.Context())
	return p
}
