package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/dukerupert/perkdrop/internal/apperr"
)

type errorResponse struct {
	Kind    apperr.Kind `json:"error_kind"`
	Message string      `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error kind onto its HTTP status.
func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindOutOfStock:
		return http.StatusGone
	case apperr.KindInvalidInput:
		return http.StatusBadRequest
	case apperr.KindAlreadyRedeemed:
		return http.StatusConflict
	case apperr.KindCoolingDown:
		return http.StatusTooManyRequests
	default:
		return http.StatusServiceUnavailable
	}
}

// writeError renders err as {"error_kind","message"}. Unclassified errors
// are reported as upstream_unavailable. Failures on our side are logged
// with their cause; the visitor only sees the kind's message.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	kind := apperr.KindOf(err)
	if kind == "" {
		kind = apperr.KindUpstreamUnavailable
	}
	status := statusFor(kind)

	if status >= 500 {
		logger.Error("request failed", "error", err)
	} else {
		logger.Debug("request rejected", "kind", kind, "error", err)
	}

	if retry := apperr.RetryAfterOf(err); retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	}

	msg := apperr.Message(kind)
	var ae *apperr.Error
	if kind == apperr.KindInvalidInput && errors.As(err, &ae) && ae.Err != nil {
		msg = ae.Err.Error()
	}
	writeJSON(w, status, errorResponse{Kind: kind, Message: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperr.Invalid("decode request", "invalid JSON")
	}
	return nil
}
