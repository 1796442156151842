package provider

import (
	"errors"
	"fmt"
)

// AuthError indicates an invalid or expired credential. When ReauthRequired
// is set the refresh token itself was rejected and the user must re-authorize;
// otherwise a single refresh-and-retry may recover the operation.
type AuthError struct {
	Provider       Provider
	Message        string
	ReauthRequired bool
}

func (e *AuthError) Error() string {
	if e.ReauthRequired {
		return fmt.Sprintf("%s: %s (re-authorization required)", e.Provider, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// NotFoundError indicates the referenced file id no longer exists.
type NotFoundError struct {
	Provider Provider
	FileID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: file %s not found", e.Provider, e.FileID)
}

// ProviderError is a generic non-2xx provider response. Jobs retry these up
// to their retry budget.
type ProviderError struct {
	Provider   Provider
	StatusCode int
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", e.Provider, e.Message, e.StatusCode)
}

// TimeoutError indicates a leg exceeded its time budget. Treated like a
// ProviderError for retry purposes.
type TimeoutError struct {
	Provider  Provider
	Operation string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s timed out", e.Provider, e.Operation)
}

// ValidationError indicates a downloaded payload was empty or grossly
// mismatched from the expected size. Fatal; retry is unlikely to help.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// IsReauthRequired reports whether err is an AuthError whose refresh token
// was itself rejected.
func IsReauthRequired(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.ReauthRequired
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTimeout reports whether err is (or wraps) a TimeoutError.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsRetryable reports whether a job-level retry has any chance of succeeding.
// Auth failures are handled by the refresh-and-retry path, not here; not-found
// and validation failures are fatal.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if IsNotFound(err) || IsValidation(err) || IsReauthRequired(err) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return true
	}
	return IsTimeout(err)
}
