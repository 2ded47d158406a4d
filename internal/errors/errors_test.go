package errors_test

import (
	"fmt"
	"testing"

	"codeberg.org/mutker/battester/internal/errors"
	"github.com/stretchr/testify/assert"
)

func TestFactoryMessages(t *testing.T) {
	f := errors.New()

	err := f.New(errors.ErrTimeout)
	assert.Equal(t, "Operation timed out", err.Error())
	assert.Equal(t, errors.ErrTimeout, err.Code())

	withMsg := err.WithMessage("poll timed out")
	assert.Equal(t, "poll timed out", withMsg.Error())
	assert.Equal(t, "Operation timed out", err.Error(), "original must not be mutated")

	data := f.WithData(errors.ErrInvalidConfig, struct{ Field string }{Field: "cutoff_mv"})
	assert.Equal(t, "Invalid configuration: {cutoff_mv}", data.Error())
}

func TestWrapKeepsChain(t *testing.T) {
	f := errors.New()
	inner := fmt.Errorf("serial: port closed")
	wrapped := f.Wrap(errors.ErrOperationFailed, inner)

	assert.True(t, errors.Is(wrapped, inner))
	assert.Equal(t, "Operation failed: serial: port closed", wrapped.Error())
}

func TestCodeOfAndHasCode(t *testing.T) {
	f := errors.New()
	inner := f.New(errors.ErrTimeout)
	outer := f.Wrap(errors.ErrOperationFailed, inner)
	plain := fmt.Errorf("context: %w", outer)

	assert.Equal(t, errors.ErrOperationFailed, errors.CodeOf(plain))
	assert.True(t, errors.HasCode(plain, errors.ErrTimeout))
	assert.False(t, errors.HasCode(plain, errors.ErrInvalidConfig))
	assert.Equal(t, errors.ErrInternal, errors.CodeOf(fmt.Errorf("bare")))
}
