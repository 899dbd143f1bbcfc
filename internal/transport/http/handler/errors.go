package handler

import (
	"errors"
	"net/http"

	"github.com/go-auth-nosql/internal/domain"
)

// httpError maps domain errors onto status codes. Internal causes are not
// echoed to the client for 5xx responses.
func httpError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusInternalServerError:
		writeError(w, status, "internal error")
	case http.StatusServiceUnavailable:
		writeError(w, status, "service temporarily unavailable")
	case http.StatusBadGateway:
		writeError(w, status, "could not deliver the code, try again")
	default:
		writeError(w, status, err.Error())
	}
}

func statusFor(err error) int {
	switch {
	// Storage faults win over anything else they may be joined with.
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
