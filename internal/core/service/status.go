package service

import (
	"errors"
	"net/http"

	"github.com/orbitalops/fds-service/internal/core/domain"
)

// StatusFor maps an error to the HTTP status mirrored in the response
// envelope and the detail shown to the caller. Unmapped errors become 500
// and the caller is expected to log the cause.
func StatusFor(err error) (int, string) {
	var ae *domain.AuthError
	if errors.As(err, &ae) {
		return ae.Reason.Status(), ae.Error()
	}

	var ce *domain.CancelledError
	if errors.As(err, &ce) {
		switch ce.Reason {
		case domain.CancelTimeout, domain.CancelExpired:
			return http.StatusGatewayTimeout, ce.Error()
		default:
			return http.StatusServiceUnavailable, ce.Error()
		}
	}

	switch {
	case errors.Is(err, domain.ErrInvalidEnvelope):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrDuplicateMessage):
		return http.StatusBadRequest, domain.ErrDuplicateMessage.Error()
	case errors.Is(err, domain.ErrAlreadyLoggedIn):
		return http.StatusBadRequest, domain.ErrAlreadyLoggedIn.Error()
	case errors.Is(err, domain.ErrNotLoggedIn):
		return http.StatusBadRequest, domain.ErrNotLoggedIn.Error()
	case errors.Is(err, domain.ErrUserExists):
		return http.StatusBadRequest, domain.ErrUserExists.Error()
	case errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusUnauthorized, domain.ErrInvalidCredentials.Error()
	case errors.Is(err, domain.ErrUserNotFound):
		return http.StatusNotFound, domain.ErrUserNotFound.Error()
	case errors.Is(err, domain.ErrHandlerNotFound):
		return http.StatusNotFound, domain.ErrHandlerNotFound.Error()
	case errors.Is(err, domain.ErrModuleUnavailable),
		errors.Is(err, domain.ErrRestartBudgetExhausted):
		return http.StatusServiceUnavailable, domain.ErrModuleUnavailable.Error()
	case errors.Is(err, domain.ErrSendFailed):
		return http.StatusServiceUnavailable, domain.ErrSendFailed.Error()
	case errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable, domain.ErrShuttingDown.Error()
	case errors.Is(err, domain.ErrExecutionTimeout):
		return http.StatusGatewayTimeout, domain.ErrExecutionTimeout.Error()
	}
	return http.StatusInternalServerError, "internal server error"
}
