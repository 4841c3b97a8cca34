package utils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorMatchesByCode(t *testing.T) {
	base := errors.New("connection refused")
	err := fmt.Errorf("loading rules: %w", WrapError(ErrCodeDatabase, "query failed", base))

	assert.True(t, errors.Is(err, NewAppError(ErrCodeDatabase, "")))
	assert.False(t, errors.Is(err, NewAppError(ErrCodeNotFound, "")))
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, ErrCodeDatabase, ErrorCode(err))
	assert.Equal(t, "", ErrorCode(base))
}

func TestAppErrorMessage(t *testing.T) {
	err := NewAppError(ErrCodeValidation, "invalid rule", "channels must not be empty")
	assert.Equal(t, "VALIDATION_ERROR: invalid rule (channels must not be empty)", err.Error())
	assert.NotEmpty(t, err.File)

	plain := NewAppError(ErrCodeInternal, "boom")
	assert.Equal(t, "INTERNAL_ERROR: boom", plain.Error())
}

func TestGenerateID(t *testing.T) {
	a, b := GenerateID(), GenerateID()
	require.NotEqual(t, a, b)
	assert.True(t, IsValidID(a))
	assert.False(t, IsValidID("not-an-id"))
}
