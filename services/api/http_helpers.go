package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"hotspotd/pkg/apperr"
	"hotspotd/services/engine"
)

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body required")
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

// decodeOptionalJSON accepts an empty body and leaves dest untouched.
func decodeOptionalJSON(r *http.Request, dest any) error {
	err := decodeJSON(r, dest)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	if err == nil {
		err = errors.New("unknown error")
	}
	respondJSON(w, status, map[string]any{"error": err.Error()})
}

// respondFailure maps an infrastructure error from the engine onto an HTTP status.
func (a *API) respondFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, apperr.ErrValidation):
		status = http.StatusBadRequest
	}
	a.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	respondError(w, status, err)
}

// statusCode maps an engine outcome onto the HTTP status of its response.
func statusCode(s engine.Status) int {
	switch s {
	case engine.StatusOK:
		return http.StatusOK
	case engine.StatusBusy:
		return http.StatusConflict
	case engine.StatusNotFound:
		return http.StatusNotFound
	case engine.StatusUnknownDenomination, engine.StatusInvalid:
		return http.StatusBadRequest
	case engine.StatusInvalidVoucher:
		return http.StatusUnprocessableEntity
	case engine.StatusValidityExpired:
		return http.StatusGone
	case engine.StatusBlocked:
		return http.StatusForbidden
	case engine.StatusLimitExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// clientIP prefers an explicit address and falls back to the peer address.
func clientIP(r *http.Request, explicit string) string {
	if explicit != "" {
		return explicit
	}
	return peerIP(r)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, 10*time.Second)
}
