package errs_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/trip-dispatch/internal/errs"
)

func TestCode(t *testing.T) {
	t.Run("wrapped errors keep their code", func(t *testing.T) {
		err := fmt.Errorf("ingest trip t1: %w", errs.ErrStaleSample)
		assert.Equal(t, "stale_sample", errs.Code(err))
	})

	t.Run("unknown errors are internal", func(t *testing.T) {
		assert.Equal(t, "internal", errs.Code(errors.New("boom")))
	})
}

func TestClassification(t *testing.T) {
	assert.True(t, errs.IsNotFound(fmt.Errorf("x: %w", errs.ErrUnknownSession)))
	assert.True(t, errs.IsNotFound(errs.ErrMoverNotFound))
	assert.False(t, errs.IsNotFound(errs.ErrMoverUnavailable))

	assert.True(t, errs.IsConflict(errs.ErrNotCancellable))
	assert.True(t, errs.IsConflict(fmt.Errorf("assign: %w", errs.ErrTripNotAssignable)))
	assert.True(t, errs.IsConflict(errs.ErrMoverMismatch))
	assert.Equal(t, "mover_mismatch", errs.Code(errs.ErrMoverMismatch))
	assert.False(t, errs.IsConflict(errs.ErrInvalidLocation))
}
