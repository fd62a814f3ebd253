package connector

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mailhoard/mailhoard/internal/model"
)

func TestErrorClassificationThroughWrapping(t *testing.T) {
	auth := &AuthError{Kind: model.SourceKindGmail, Message: "token revoked"}
	cfg := &ConfigError{Kind: model.SourceKindJMAP, Message: "no refresh token"}
	gone := &ItemGoneError{ID: "m-1"}
	inval := &StateInvalidatedError{Kind: model.SourceKindGmail, Reason: "history expired"}
	trans := Transient("list", errors.New("connection reset"))

	tests := []struct {
		name  string
		err   error
		check func(error) bool
	}{
		{"auth direct", auth, IsAuthError},
		{"auth wrapped", fmt.Errorf("cycle: %w", auth), IsAuthError},
		{"config wrapped", fmt.Errorf("building connector: %w", cfg), IsConfigError},
		{"item gone wrapped", fmt.Errorf("fetching: %w", gone), IsItemGone},
		{"state invalidated wrapped", fmt.Errorf("delta: %w", inval), IsStateInvalidated},
		{"transient wrapped", fmt.Errorf("attempt: %w", trans), IsTransient},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, tc.check(tc.err))
		})
	}

	// The categories stay disjoint.
	assert.False(t, IsAuthError(cfg))
	assert.False(t, IsConfigError(auth))
	assert.False(t, IsTransient(gone))
	assert.False(t, IsItemGone(trans))
}

func TestNormalizationErrorUnwraps(t *testing.T) {
	cause := errors.New("bad mime boundary")
	err := &NormalizationError{ID: "m-2", Err: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "m-2")
}
