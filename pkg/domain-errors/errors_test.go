package domainerrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeInternal, "load submission")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "load submission")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestHasCodeThroughWrapping(t *testing.T) {
	inner := New(CodeNotFound, "submission not found")
	wrapped := fmt.Errorf("handling request: %w", inner)
	double := Wrap(wrapped, CodeInternal, "outer")

	assert.True(t, HasCode(wrapped, CodeNotFound))
	assert.True(t, HasCode(double, CodeInternal))
	assert.True(t, HasCode(double, CodeNotFound))
	assert.False(t, HasCode(wrapped, CodeConflict))
	assert.False(t, HasCode(errors.New("plain"), CodeNotFound))
}

func TestWithFieldsDoesNotMutateReceiver(t *testing.T) {
	base := New(CodeValidation, "invalid submission")
	withA := base.WithFields("a")
	withAB := withA.WithFields("b")

	assert.Empty(t, base.Fields)
	assert.Equal(t, []string{"a"}, withA.Fields)
	assert.Equal(t, []string{"a", "b"}, withAB.Fields)
}

func TestCodeOfAndMessageOf(t *testing.T) {
	err := New(CodeForbidden, "access denied")
	assert.Equal(t, CodeForbidden, CodeOf(err))
	assert.Equal(t, "access denied", MessageOf(err))

	plain := errors.New("boom")
	assert.Equal(t, CodeInternal, CodeOf(plain))
	assert.Equal(t, "internal error", MessageOf(plain))
}

func TestToHTTPStatus(t *testing.T) {
	cases := map[Code]int{
		CodeValidation:         http.StatusUnprocessableEntity,
		CodeBadRequest:         http.StatusBadRequest,
		CodeUnauthorized:       http.StatusUnauthorized,
		CodeForbidden:          http.StatusForbidden,
		CodeNotFound:           http.StatusNotFound,
		CodeConflict:           http.StatusConflict,
		CodeVault:              http.StatusInternalServerError,
		CodeInvariantViolation: http.StatusInternalServerError,
		CodeInternal:           http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, ToHTTPStatus(New(code, "x")), string(code))
	}
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(errors.New("plain")))
}

func TestFieldsOf(t *testing.T) {
	err := New(CodeValidation, "invalid").WithFields("student_information.first_name")
	require.Equal(t, []string{"student_information.first_name"}, FieldsOf(err))
	assert.Nil(t, FieldsOf(errors.New("plain")))
}
