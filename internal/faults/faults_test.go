package faults

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(Transient, "op", nil))
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	base := errors.New("connection reset")
	err := fmt.Errorf("load state: %w", Wrap(Transient, "postgres read", base))

	assert.Equal(t, Transient, KindOf(err))
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, base)
	assert.Contains(t, err.Error(), "postgres read (transient)")
}

func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, Unknown, KindOf(errors.New("plain")))
	assert.False(t, IsTransient(nil))
}
