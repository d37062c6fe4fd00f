package remote

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/connsync/internal/errors"
)

func TestWithTimeout_expiresBlockedCall(t *testing.T) {
	inner := NewMemoryStore().WithGate(make(chan struct{}))
	s := WithTimeout(inner, 10*time.Millisecond)

	start := time.Now()
	err := s.DeleteConnection(context.Background(), conn("c1", "u1", "u2"))
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))
}

func TestWithTimeout_classifiesUncodedErrors(t *testing.T) {
	inner := NewMemoryStore().FailNext(errors.New("connection reset"))
	s := WithTimeout(inner, time.Second)

	_, err := s.FetchConnections(context.Background(), "u1")
	assert.Equal(t, apperrors.ErrNetwork, apperrors.CodeOf(err))
}

func TestWithTimeout_keepsCodedErrors(t *testing.T) {
	s := WithTimeout(NewMemoryStore(), time.Second)

	err := s.DeleteConnection(context.Background(), conn("missing", "u1", "u2"))
	assert.Equal(t, apperrors.ErrNotFound, apperrors.CodeOf(err))

	ok, err := s.ConnectionExists(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWithTimeout_zeroIsPassthrough(t *testing.T) {
	inner := NewMemoryStore()
	assert.Same(t, inner, WithTimeout(inner, 0))
}
