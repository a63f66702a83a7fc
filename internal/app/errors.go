package app

import (
	"database/sql"
	"errors"
	"fmt"
	"net/http"

	"civicportal/api/internal/auth"
	"civicportal/api/internal/authpw"
	"civicportal/api/internal/export"
	"civicportal/api/internal/inbox"
	"civicportal/api/internal/issue"
	"civicportal/api/internal/media"
)

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

var errElevatedOnly = domainError(http.StatusForbidden, "FORBIDDEN", "Only department staff can do this", nil)

// errorMapping is checked in order; the first sentinel err wraps wins.
var errorMapping = []struct {
	target  error
	status  int
	code    string
	message string
}{
	{issue.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{inbox.ErrNotFound, http.StatusNotFound, "NOT_FOUND", "Notification not found"},
	{sql.ErrNoRows, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{issue.ErrLoadFailed, http.StatusBadGateway, "LOAD_FAILED", "Failed to load issue"},
	{issue.ErrAuthRequired, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required"},
	{inbox.ErrAuthRequired, http.StatusUnauthorized, "UNAUTHORIZED", "Authentication required"},
	{auth.ErrInvalidToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{auth.ErrExpiredToken, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized"},
	{issue.ErrProfileRequired, http.StatusForbidden, "PROFILE_REQUIRED", "Complete your profile first"},
	{issue.ErrForbidden, http.StatusForbidden, "FORBIDDEN", "Forbidden"},
	{issue.ErrInFlight, http.StatusConflict, "IN_FLIGHT", "Previous change still in progress"},
	{issue.ErrMissingIssueID, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Issue id is required"},
	{issue.ErrEmptyContent, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Content is empty"},
	{issue.ErrTooLong, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Content too long"},
	{issue.ErrInvalidInput, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "Invalid input"},
	{issue.ErrRemote, http.StatusBadGateway, "REMOTE_FAILED", "Write failed"},
	{issue.ErrClosed, http.StatusConflict, "VIEW_CLOSED", "Issue view closed"},
	{authpw.ErrMissingFields, http.StatusUnprocessableEntity, "VALIDATION_ERROR", authpw.ErrMissingFields.Error()},
	{authpw.ErrInvalidEmail, http.StatusUnprocessableEntity, "VALIDATION_ERROR", authpw.ErrInvalidEmail.Error()},
	{authpw.ErrWeakPassword, http.StatusUnprocessableEntity, "VALIDATION_ERROR", authpw.ErrWeakPassword.Error()},
	{authpw.ErrDisplayNameTooLong, http.StatusUnprocessableEntity, "VALIDATION_ERROR", authpw.ErrDisplayNameTooLong.Error()},
	{authpw.ErrEmailTaken, http.StatusConflict, "EMAIL_EXISTS", "Email already registered"},
	{authpw.ErrInvalidCredentials, http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password"},
	{authpw.ErrInvalidToken, http.StatusBadRequest, "VERIFICATION_FAILED", authpw.ErrInvalidToken.Error()},
	{media.ErrUnsupportedType, http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA", media.ErrUnsupportedType.Error()},
	{media.ErrTooLarge, http.StatusRequestEntityTooLarge, "TOO_LARGE", media.ErrTooLarge.Error()},
	{media.ErrEmpty, http.StatusUnprocessableEntity, "VALIDATION_ERROR", media.ErrEmpty.Error()},
	{media.ErrInvalidKey, http.StatusNotFound, "NOT_FOUND", "Not found"},
	{export.ErrUnsupportedFormat, http.StatusBadRequest, "UNSUPPORTED_FORMAT", "Format must be pdf or docx"},
	{export.ErrPDFDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "PDF export is unavailable"},
	{export.ErrDOCXDependencyMissing, http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "DOCX export is unavailable"},
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	for _, m := range errorMapping {
		if errors.Is(err, m.target) {
			return m.status, m.code, m.message, nil
		}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
