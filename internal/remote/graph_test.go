package remote

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/models"
)

type executedQuery struct {
	Query  string
	Params map[string]any
}

// fakeRunner records Cypher and replays canned results.
type fakeRunner struct {
	mu      sync.Mutex
	writes  []executedQuery
	reads   []executedQuery
	results [][]Record
	err     error
}

func (f *fakeRunner) push(records ...Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, records)
}

func (f *fakeRunner) next() []Record {
	if len(f.results) == 0 {
		return nil
	}
	res := f.results[0]
	f.results = f.results[1:]
	return res
}

func (f *fakeRunner) ExecuteWrite(_ context.Context, cypher string, params map[string]any) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.writes = append(f.writes, executedQuery{Query: cypher, Params: params})
	return f.next(), nil
}

func (f *fakeRunner) ExecuteRead(_ context.Context, cypher string, params map[string]any) ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.reads = append(f.reads, executedQuery{Query: cypher, Params: params})
	return f.next(), nil
}

func (f *fakeRunner) Close(context.Context) error { return nil }

func TestGraphStore_save(t *testing.T) {
	runner := &fakeRunner{}
	s := NewGraphStore(runner)

	c := conn("c1", "u1", "u2")
	c.FromUsername = "alice"
	saved, err := s.Save(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, c, saved)

	require.Len(t, runner.writes, 1)
	q := runner.writes[0]
	assert.True(t, strings.Contains(q.Query, "MERGE (a)-[r:CONNECTION {id: $id}]->(b)"))
	assert.Equal(t, "u1", q.Params["from_user_id"])
	assert.Equal(t, "pending", q.Params["status"])
	assert.Equal(t, "alice", q.Params["from_username"])
}

func TestGraphStore_fetchDecodesRecords(t *testing.T) {
	runner := &fakeRunner{}
	runner.push(Record{
		"id": "c1", "from_user_id": "u2", "to_user_id": "u1", "status": "accepted",
		"created_at": int64(10), "updated_at": int64(20), "to_display_name": "Me",
	})
	s := NewGraphStore(runner)

	got, err := s.FetchConnections(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, models.Connection{
		ID: "c1", FromUserID: "u2", ToUserID: "u1", Status: models.ConnectionStatusAccepted,
		CreatedAt: 10, UpdatedAt: 20, ToDisplayName: "Me",
	}, got[0])
	assert.Equal(t, "u1", runner.reads[0].Params["user_id"])
}

func TestGraphStore_deleteMissingIsNotFound(t *testing.T) {
	runner := &fakeRunner{}
	runner.push(Record{"deleted": int64(0)})
	runner.push(Record{"deleted": int64(1)})
	s := NewGraphStore(runner)

	err := s.DeleteConnection(context.Background(), conn("c1", "u1", "u2"))
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	require.NoError(t, s.DeleteConnection(context.Background(), conn("c1", "u1", "u2")))
}

func TestGraphStore_connectionExists(t *testing.T) {
	runner := &fakeRunner{}
	runner.push(Record{"n": int64(2)})
	s := NewGraphStore(runner)

	ok, err := s.ConnectionExists(context.Background(), "u1", "u2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ConnectionExists(context.Background(), "u1", "u3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGraphStore_errorsAreTransient(t *testing.T) {
	runner := &fakeRunner{err: errors.New("bolt: broken pipe")}
	s := NewGraphStore(runner)

	_, err := s.FetchConnections(context.Background(), "u1")
	assert.Equal(t, apperrors.ErrNetwork, apperrors.CodeOf(err))
	assert.True(t, apperrors.IsTransient(err))
}

func TestNewNeo4jRunner_requiresURI(t *testing.T) {
	_, err := NewNeo4jRunner(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrMissingURI)
}
