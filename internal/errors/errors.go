package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/google/go-github/v55/github"
)

// ErrCode represents an error code
type ErrCode string

const (
	ErrCodeNotFound       ErrCode = "NOT_FOUND"
	ErrCodeUnauthorized   ErrCode = "UNAUTHORIZED"
	ErrCodeRateLimited    ErrCode = "RATE_LIMITED"
	ErrCodeInternal       ErrCode = "INTERNAL_ERROR"
	ErrCodeBadRequest     ErrCode = "BAD_REQUEST"
	ErrCodeForbidden      ErrCode = "FORBIDDEN"
	ErrCodeAuth           ErrCode = "AUTH_ERROR"
	ErrCodeMalformedEvent ErrCode = "MALFORMED_EVENT"
	ErrCodeDependency     ErrCode = "DEPENDENCY_NOT_READY"
)

// AppError represents an application error
type AppError struct {
	Code    ErrCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Code:    ErrCodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternal,
		Message: message,
		Err:     err,
	}
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string) *AppError {
	return &AppError{
		Code:    ErrCodeBadRequest,
		Message: message,
	}
}

// NewAuthError reports that no usable installation token could be obtained
// for an organization.
func NewAuthError(org string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeAuth,
		Message: fmt.Sprintf("no installation token for organization %s", org),
		Err:     err,
	}
}

// NewMalformedEventError reports an audit event that cannot be decoded.
func NewMalformedEventError(action, message string) *AppError {
	return &AppError{
		Code:    ErrCodeMalformedEvent,
		Message: fmt.Sprintf("%s: %s", action, message),
	}
}

// NewDependencyError reports an entity whose prerequisite is not visible yet.
func NewDependencyError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeDependency,
		Message: message,
		Err:     err,
	}
}

func hasCode(err error, code ErrCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsNotFound checks if the error is a not found error, either ours or a
// 404 returned by the GitHub API.
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound) || StatusCode(err) == http.StatusNotFound
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	if hasCode(err, ErrCodeRateLimited) {
		return true
	}
	var rateErr *github.RateLimitError
	if stderrors.As(err, &rateErr) {
		return true
	}
	var abuseErr *github.AbuseRateLimitError
	return stderrors.As(err, &abuseErr)
}

// IsAuthError checks if the error is an installation token error
func IsAuthError(err error) bool {
	return hasCode(err, ErrCodeAuth)
}

// IsMalformedEvent checks if the error is a decoding error for an audit event
func IsMalformedEvent(err error) bool {
	return hasCode(err, ErrCodeMalformedEvent)
}

// IsAccepted reports a 202 Accepted from the GitHub API, which go-github
// returns as an error for jobs the server runs in the background.
func IsAccepted(err error) bool {
	var acceptedErr *github.AcceptedError
	return stderrors.As(err, &acceptedErr)
}

// StatusCode returns the HTTP status carried by a GitHub API error, or 0.
func StatusCode(err error) int {
	var respErr *github.ErrorResponse
	if stderrors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode
	}
	var rateErr *github.RateLimitError
	if stderrors.As(err, &rateErr) && rateErr.Response != nil {
		return rateErr.Response.StatusCode
	}
	return 0
}

// HasMessage reports whether a GitHub API error carries msg either as its
// top-level message or as one of its validation error messages.
func HasMessage(err error, msg string) bool {
	var respErr *github.ErrorResponse
	if !stderrors.As(err, &respErr) {
		return false
	}
	if respErr.Message == msg {
		return true
	}
	for _, e := range respErr.Errors {
		if e.Message == msg {
			return true
		}
	}
	return false
}
