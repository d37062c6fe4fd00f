package remote

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	apperrors "github.com/kimhsiao/connsync/internal/errors"
	"github.com/kimhsiao/connsync/internal/models"
)

// Record groups key-value pairs returned from the graph engine.
type Record map[string]any

// CypherRunner is the minimal graph contract GraphStore needs.
type CypherRunner interface {
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) ([]Record, error)
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) ([]Record, error)
	Close(ctx context.Context) error
}

// GraphStore models users as (:User) nodes and each connection as a
// directed [:CONNECTION] edge from sender to recipient.
type GraphStore struct {
	runner CypherRunner
}

// NewGraphStore builds a store on top of an existing runner.
func NewGraphStore(runner CypherRunner) *GraphStore {
	return &GraphStore{runner: runner}
}

// NewNeo4jStore dials a Bolt endpoint and returns a GraphStore backed by it.
func NewNeo4jStore(ctx context.Context, opts Options) (*GraphStore, error) {
	runner, err := NewNeo4jRunner(ctx, opts)
	if err != nil {
		return nil, err
	}
	return NewGraphStore(runner), nil
}

const (
	cypherSaveConnection = `
MERGE (a:User {id: $from_user_id})
MERGE (b:User {id: $to_user_id})
MERGE (a)-[r:CONNECTION {id: $id}]->(b)
SET r.status = $status,
    r.created_at = $created_at,
    r.updated_at = $updated_at,
    r.from_username = $from_username,
    r.from_display_name = $from_display_name,
    r.to_username = $to_username,
    r.to_display_name = $to_display_name
RETURN r.id AS id`

	cypherFetchConnections = `
MATCH (a:User)-[r:CONNECTION]->(b:User)
WHERE a.id = $user_id OR b.id = $user_id
RETURN r.id AS id, a.id AS from_user_id, b.id AS to_user_id, r.status AS status,
       r.created_at AS created_at, r.updated_at AS updated_at,
       r.from_username AS from_username, r.from_display_name AS from_display_name,
       r.to_username AS to_username, r.to_display_name AS to_display_name
ORDER BY r.updated_at DESC`

	cypherDeleteConnection = `
MATCH ()-[r:CONNECTION {id: $id}]->()
DELETE r
RETURN count(r) AS deleted`

	cypherConnectionExists = `
MATCH (a:User {id: $a})-[r:CONNECTION]-(b:User {id: $b})
RETURN count(r) AS n`
)

func (s *GraphStore) Save(ctx context.Context, c models.Connection) (models.Connection, error) {
	if err := validateForSave(c); err != nil {
		return models.Connection{}, err
	}
	params := map[string]any{
		"id":                c.ID,
		"from_user_id":      c.FromUserID,
		"to_user_id":        c.ToUserID,
		"status":            string(c.Status),
		"created_at":        c.CreatedAt,
		"updated_at":        c.UpdatedAt,
		"from_username":     c.FromUsername,
		"from_display_name": c.FromDisplayName,
		"to_username":       c.ToUsername,
		"to_display_name":   c.ToDisplayName,
	}
	if _, err := s.runner.ExecuteWrite(ctx, cypherSaveConnection, params); err != nil {
		return models.Connection{}, classifyGraph("save connection", err)
	}
	return c, nil
}

func (s *GraphStore) FetchConnections(ctx context.Context, userID string) ([]models.Connection, error) {
	records, err := s.runner.ExecuteRead(ctx, cypherFetchConnections, map[string]any{"user_id": userID})
	if err != nil {
		return nil, classifyGraph("fetch connections", err)
	}

	out := make([]models.Connection, 0, len(records))
	for _, rec := range records {
		out = append(out, models.Connection{
			ID:              rec.text("id"),
			FromUserID:      rec.text("from_user_id"),
			ToUserID:        rec.text("to_user_id"),
			Status:          models.ConnectionStatus(rec.text("status")),
			CreatedAt:       rec.num("created_at"),
			UpdatedAt:       rec.num("updated_at"),
			FromUsername:    rec.text("from_username"),
			FromDisplayName: rec.text("from_display_name"),
			ToUsername:      rec.text("to_username"),
			ToDisplayName:   rec.text("to_display_name"),
		})
	}
	return out, nil
}

func (s *GraphStore) DeleteConnection(ctx context.Context, c models.Connection) error {
	records, err := s.runner.ExecuteWrite(ctx, cypherDeleteConnection, map[string]any{"id": c.ID})
	if err != nil {
		return classifyGraph("delete connection", err)
	}
	if len(records) == 0 || records[0].num("deleted") == 0 {
		return NotFound(c.ID)
	}
	return nil
}

func (s *GraphStore) ConnectionExists(ctx context.Context, a, b string) (bool, error) {
	records, err := s.runner.ExecuteRead(ctx, cypherConnectionExists, map[string]any{"a": a, "b": b})
	if err != nil {
		return false, classifyGraph("connection exists", err)
	}
	return len(records) > 0 && records[0].num("n") > 0, nil
}

func (s *GraphStore) Close(ctx context.Context) error {
	return s.runner.Close(ctx)
}

func (r Record) text(key string) string {
	s, _ := r[key].(string)
	return s
}

func (r Record) num(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}

func classifyGraph(op string, err error) error {
	if err == nil {
		return nil
	}
	if neo4j.IsConnectivityError(err) || neo4j.IsRetryable(err) {
		return apperrors.Wrap(apperrors.ErrNetwork, op, err)
	}
	return classify(op, err)
}

// neo4jRunner executes Cypher over Bolt using the official driver.
type neo4jRunner struct {
	driver   neo4j.DriverWithContext
	database string
}

// NewNeo4jRunner establishes a Bolt connection and verifies connectivity.
func NewNeo4jRunner(ctx context.Context, opts Options) (CypherRunner, error) {
	if opts.URI == "" {
		return nil, ErrMissingURI
	}

	auth := neo4j.NoAuth()
	if opts.Username != "" {
		auth = neo4j.BasicAuth(opts.Username, opts.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(opts.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify graph connectivity: %w", err)
	}

	return &neo4jRunner{driver: driver, database: opts.Database}, nil
}

func (c *neo4jRunner) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	return c.run(ctx, neo4j.AccessModeWrite, cypher, params)
}

func (c *neo4jRunner) ExecuteRead(ctx context.Context, cypher string, params map[string]any) ([]Record, error) {
	return c.run(ctx, neo4j.AccessModeRead, cypher, params)
}

func (c *neo4jRunner) run(ctx context.Context, mode neo4j.AccessMode, cypher string, params map[string]any) ([]Record, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   mode,
	})
	defer session.Close(ctx)

	res, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}

	var records []Record
	for res.Next(ctx) {
		rec := res.Record()
		record := make(Record, len(rec.Keys))
		for _, key := range rec.Keys {
			value, _ := rec.Get(key)
			record[key] = value
		}
		records = append(records, record)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *neo4jRunner) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

var _ Store = (*GraphStore)(nil)
