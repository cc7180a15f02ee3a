package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

type codedErr struct{}

func (codedErr) Error() string { return "coded" }
func (codedErr) ErrorCode() Code { return ErrCodePreconditionFailed }

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, ErrCodeInternal, CodeOf(stderrors.New("plain")))
	assert.Equal(t, ErrCodeNotFound, CodeOf(NotFound("cycle", "c1")))
	assert.Equal(t, ErrCodeInvalidInput, CodeOf(fmt.Errorf("wrapped: %w", InvalidInput("stage", "bad"))))
	assert.Equal(t, ErrCodePreconditionFailed, CodeOf(fmt.Errorf("wrapped: %w", codedErr{})))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("alert", "a1")))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidInput("x", "y")))
	assert.Equal(t, http.StatusConflict, HTTPStatus(Conflict("exists")))
	assert.Equal(t, http.StatusUnprocessableEntity, HTTPStatus(codedErr{}))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatus(New(ErrCodeUnavailable, "down")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(stderrors.New("boom")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(cause, ErrCodeInternal, "failed to insert stage event")

	assert.True(t, Is(err, cause))
	assert.Equal(t, "failed to insert stage event: disk full", err.Error())
	assert.Equal(t, "stage: unknown", InvalidInput("stage", "unknown").Error())
}
