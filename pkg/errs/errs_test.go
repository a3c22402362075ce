package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKindSentinel(t *testing.T) {
	errMissing := New(KindNotFound, "pricing_not_found", "pricing not found")
	wrapped := fmt.Errorf("bill summary: %w", errMissing)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.True(t, errors.Is(wrapped, errMissing))
	assert.False(t, errors.Is(wrapped, ErrBadInput))
	assert.False(t, errors.Is(wrapped, New(KindNotFound, "user_not_found", "")))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindConflict, KindOf(Wrap(KindConflict, "raced", errors.New("boom"))))
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(ErrBadInput.WithMessage("amount %q", "x")))
	assert.True(t, IsPermanent(ErrAlreadyExists))
	assert.False(t, IsPermanent(ErrConflict))
	assert.False(t, IsPermanent(errors.New("connection reset")))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "not_found", ErrNotFound.Error())
	assert.Equal(t, "invalid_user", New(KindBadInput, "invalid_user", "").Error())
	assert.Equal(t, "invalid_user: user id is required", New(KindBadInput, "invalid_user", "user id is required").Error())
}
