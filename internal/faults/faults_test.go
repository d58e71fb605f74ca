package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyStatus(t *testing.T) {
	assert.NoError(t, ClassifyStatus("op", 200))
	assert.True(t, IsTransient(ClassifyStatus("op", 429)))
	assert.True(t, IsTransient(ClassifyStatus("op", 503)))
	assert.True(t, IsNotFound(ClassifyStatus("op", 404)))
	assert.True(t, IsPermanent(ClassifyStatus("op", 404)))
	assert.True(t, IsPermanent(ClassifyStatus("op", 401)))
	assert.False(t, IsTransient(ClassifyStatus("op", 403)))
}

func TestUnclassifiedErrorsDefaultToTransient(t *testing.T) {
	err := errors.New("connection reset")
	assert.True(t, IsTransient(err))
	assert.False(t, IsPermanent(err))
}

func TestWrappedFaultsSurviveWrapping(t *testing.T) {
	inner := NotFound("blob gone")
	wrapped := fmt.Errorf("processing: %w", inner)
	assert.True(t, IsNotFound(wrapped))
	assert.True(t, IsPermanent(wrapped))
	assert.False(t, IsTransient(wrapped))
}

func TestValidationIsNeverRetried(t *testing.T) {
	err := Validation("bad type %q", "order_shipped")
	assert.True(t, IsValidation(err))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
}
