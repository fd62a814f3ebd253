package connector

import (
	"errors"
	"fmt"
	"time"

	"github.com/mailhoard/mailhoard/internal/model"
)

// ConfigError indicates the source's authorization material is unusable
// before any provider call is attempted: a missing refresh token, an
// OAuth client with no configured secret, a malformed endpoint. It is
// fatal for the source until an operator intervenes.
type ConfigError struct {
	Kind    model.SourceKind
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("configuration error (%s): %s", e.Kind, e.Message)
}

// AuthError indicates the provider rejected previously working
// credentials: consent revoked, refresh token expired, password changed.
// Recovery requires restarting the source's authorization flow.
type AuthError struct {
	Kind    model.SourceKind
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("authorization error (%s): %s", e.Kind, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}

// IsConfigError reports whether err (or any error in its chain) is a ConfigError.
func IsConfigError(err error) bool {
	var cfgErr *ConfigError
	return errors.As(err, &cfgErr)
}

// TransientError wraps a failure expected to clear on its own: network
// timeouts, connection resets, provider 5xx responses, rate limiting.
// RetryAfter carries the provider's requested wait when it sent one.
type TransientError struct {
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable.
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err (or any error in its chain) is a TransientError.
func IsTransient(err error) bool {
	var tErr *TransientError
	return errors.As(err, &tErr)
}

// RetryAfterHint extracts the provider-requested wait from err's chain,
// or zero when none was given.
func RetryAfterHint(err error) time.Duration {
	var tErr *TransientError
	if errors.As(err, &tErr) {
		return tErr.RetryAfter
	}
	return 0
}

// ItemGoneError indicates a single message disappeared from the provider
// between listing and retrieval. The message is skipped; the cycle
// continues.
type ItemGoneError struct {
	ID string
}

func (e *ItemGoneError) Error() string {
	return fmt.Sprintf("message %s no longer exists at the provider", e.ID)
}

// IsItemGone reports whether err (or any error in its chain) is an ItemGoneError.
func IsItemGone(err error) bool {
	var gErr *ItemGoneError
	return errors.As(err, &gErr)
}

// StateInvalidatedError indicates the provider rejected a sync cursor as
// expired or unusable. Connectors handle it internally by restarting the
// pass as a full import; it never crosses the connector boundary.
type StateInvalidatedError struct {
	Kind   model.SourceKind
	Reason string
}

func (e *StateInvalidatedError) Error() string {
	return fmt.Sprintf("sync state invalidated (%s): %s", e.Kind, e.Reason)
}

// IsStateInvalidated reports whether err (or any error in its chain) is a
// StateInvalidatedError.
func IsStateInvalidated(err error) bool {
	var sErr *StateInvalidatedError
	return errors.As(err, &sErr)
}

// NormalizationError indicates one message's raw content could not be
// parsed into the canonical form. The message is skipped and logged; the
// cycle continues.
type NormalizationError struct {
	ID  string
	Err error
}

func (e *NormalizationError) Error() string {
	return fmt.Sprintf("normalizing message %s: %v", e.ID, e.Err)
}

func (e *NormalizationError) Unwrap() error { return e.Err }
