package vault

import (
	"errors"
	"net/http"
	"strings"

	"github.com/hashicorp/vault/api"

	apperrors "vault-db-backup/internal/errors"
)

// isNonRenewable reports whether a renew-self failure means the token type
// cannot be renewed at all (root tokens, batch tokens, period-less tokens).
func isNonRenewable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusForbidden
	}
	// Sadly we can just get a string from the api for some token types.
	return strings.Contains(err.Error(), "lease is not renewable")
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return strings.Contains(err.Error(), "no secret found")
}

func isPermissionDenied(err error) bool {
	var apiErr *api.ResponseError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

func classifyRenewError(err error) *apperrors.AppError {
	if isNonRenewable(err) {
		return apperrors.NewNonRenewableTokenError("vault token does not support renewal", err)
	}
	return apperrors.NewBrokerError("vault token renewal failed", err)
}

func classifyReadError(err error, path string) *apperrors.AppError {
	switch {
	case isNotFound(err):
		return apperrors.NewBrokerError("vault secret not found", err).WithContext("path", path)
	case isPermissionDenied(err):
		return apperrors.NewBrokerError("vault denied access to secret", err).WithContext("path", path)
	default:
		return apperrors.NewBrokerError("failed to read vault secret", err).WithContext("path", path)
	}
}
