package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/models"
)

func conn(id, from, to string) models.Connection {
	return models.Connection{
		ID: id, FromUserID: from, ToUserID: to,
		Status: models.ConnectionStatusPending, CreatedAt: 1, UpdatedAt: 1,
	}
}

func TestMemoryStore_saveFetchDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.Save(ctx, conn("c1", "u1", "u2"))
	require.NoError(t, err)
	_, err = s.Save(ctx, conn("c2", "u3", "u1"))
	require.NoError(t, err)
	_, err = s.Save(ctx, conn("c3", "u2", "u3"))
	require.NoError(t, err)

	got, err := s.FetchConnections(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c1", got[0].ID)
	assert.Equal(t, "c2", got[1].ID)

	exists, err := s.ConnectionExists(ctx, "u2", "u1")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, s.DeleteConnection(ctx, conn("c1", "u1", "u2")))
	err = s.DeleteConnection(ctx, conn("c1", "u1", "u2"))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	exists, err = s.ConnectionExists(ctx, "u1", "u2")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMemoryStore_saveRejectsInvalid(t *testing.T) {
	_, err := NewMemoryStore().Save(context.Background(), conn("c1", "u1", "u1"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestMemoryStore_failureInjection(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	netErr := apperrors.New(apperrors.ErrNetwork, "offline")

	s.FailNext(netErr)
	_, err := s.Save(ctx, conn("c1", "u1", "u2"))
	assert.ErrorIs(t, err, netErr)
	assert.Equal(t, 0, s.Len())

	_, err = s.Save(ctx, conn("c1", "u1", "u2"))
	require.NoError(t, err)

	s.WithError(netErr)
	_, err = s.FetchConnections(ctx, "u1")
	assert.ErrorIs(t, err, netErr)
	s.WithError(nil)

	_, err = s.FetchConnections(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, 2, s.CallCount("Save"))
	assert.Equal(t, 2, s.CallCount("FetchConnections"))
	assert.Equal(t, "c1", s.Calls()[0].ConnectionID)
}

func TestMemoryStore_gateHonoursContext(t *testing.T) {
	gate := make(chan struct{})
	s := NewMemoryStore().WithGate(gate)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := s.Save(ctx, conn("c1", "u1", "u2"))
	assert.True(t, apperrors.Is(err, apperrors.ErrNetwork))

	close(gate)
	_, err = s.Save(context.Background(), conn("c1", "u1", "u2"))
	require.NoError(t, err)
}
