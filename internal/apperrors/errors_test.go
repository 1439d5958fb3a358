package apperrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New(KindNotFound, "task not found")
	assert.Equal(t, "[NOT_FOUND] task not found", e.Error())

	cause := errors.New("boom")
	w := Wrap(KindTransport, "rpc failed", cause)
	assert.Contains(t, w.Error(), "boom")
	assert.ErrorIs(t, w, cause)
}

func TestIsAndKindOf(t *testing.T) {
	err := AlreadyExists("task exists").WithDetail("serviceId", 3)
	require.True(t, Is(err, KindAlreadyExists))
	require.False(t, Is(err, KindExpired))
	assert.Equal(t, KindAlreadyExists, KindOf(err))
	assert.Equal(t, KindOther, KindOf(errors.New("plain")))
	assert.Equal(t, 3, err.Details["serviceId"])
}
