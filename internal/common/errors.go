// Package common defines sentinel errors and small helpers shared by the
// sync engine, its repositories and the HTTP layer. Callers should use
// errors.Is to match these values.
package common

import "errors"

var (

	// repository specific errors
	ErrorNotFound = errors.New("not found")

	// service specific errors
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = errors.New("unauthorized")

	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// credential errors
	ErrCredentialNotConfigured = errors.New("workspace credential not configured")
	ErrCredentialValidation    = errors.New("workspace credential rejected")
	ErrDecryption              = errors.New("credential decryption failed")

	// binding errors
	ErrBindingStale       = errors.New("database binding is stale")
	ErrBindingNotFound    = errors.New("database binding not found")
	ErrUnknownEntityType  = errors.New("unknown entity type")
	ErrInvalidExternalRef = errors.New("invalid external reference")

	// sync errors
	ErrTruncatedSync          = errors.New("sync truncated at page ceiling")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrExternalIDConflict     = errors.New("record already bound to another external id")
	ErrInvalidSyncTransition  = errors.New("invalid sync status transition")
	ErrSyncAborted            = errors.New("reconciliation aborted")
)

// IsCredentialError reports whether err belongs to the credential family.
// Credential errors abort a whole reconciliation run before any binding is
// touched.
func IsCredentialError(err error) bool {
	return errors.Is(err, ErrCredentialNotConfigured) ||
		errors.Is(err, ErrCredentialValidation) ||
		errors.Is(err, ErrDecryption)
}
