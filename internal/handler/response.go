package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/penpost/backend/internal/domain"
	"go.uber.org/zap"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			zap.L().Warn("failed to encode JSON response", zap.Error(err))
		}
	}
}

// Error writes an error JSON response, using AppError status codes when
// available and the settlement error taxonomy otherwise.
func Error(w http.ResponseWriter, log *zap.Logger, err error) {
	if appErr, ok := domain.AsAppError(err); ok {
		if appErr.Code >= http.StatusInternalServerError {
			log.Error(appErr.Message, zap.Error(err))
		}
		JSON(w, appErr.Code, map[string]string{"error": appErr.Message})
		return
	}

	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error("request failed", zap.Error(err))
	}
	JSON(w, code, map[string]string{"error": msg})
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidSignature):
		return http.StatusUnauthorized, "invalid signature"
	case errors.Is(err, domain.ErrMalformedPayload):
		return http.StatusBadRequest, "malformed payload"
	case errors.Is(err, domain.ErrReservationHeld):
		return http.StatusConflict, "notification is being processed, retry later"
	case errors.Is(err, domain.ErrOrderInFlight):
		return http.StatusConflict, "a payment is already in progress"
	case errors.Is(err, domain.ErrUnknownOrder):
		return http.StatusNotFound, "order not found"
	case errors.Is(err, domain.ErrGatewayUnavailable):
		return http.StatusBadGateway, "payment gateway unavailable"
	}
	return http.StatusInternalServerError, "internal server error"
}

// DecodeJSON decodes a JSON request body into the given struct.
func DecodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrBadRequest("invalid JSON body")
	}
	return nil
}
