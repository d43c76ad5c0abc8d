package api

import (
	"errors"
	"net/http"

	"github.com/Dom110/KI-AutoAgent-sub006/internal/core"
)

func httpStatusForDomainError(err error) (int, bool) {
	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatState:
		return http.StatusConflict, true
	case core.ErrCatApprovalTimeout:
		return http.StatusGatewayTimeout, true
	case core.ErrCatWorker, core.ErrCatTransport:
		return http.StatusBadGateway, true
	default:
		return http.StatusInternalServerError, true
	}
}
