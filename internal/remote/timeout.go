package remote

import (
	"context"
	"time"

	"github.com/kimhsiao/connsync/internal/models"
)

// timeoutStore bounds every call to a single-attempt deadline.
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout wraps next so every call carries its own deadline. A
// non-positive timeout returns next unchanged.
func WithTimeout(next Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return next
	}
	return &timeoutStore{next: next, timeout: timeout}
}

func (s *timeoutStore) Save(ctx context.Context, c models.Connection) (models.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	saved, err := s.next.Save(ctx, c)
	return saved, classify("save", err)
}

func (s *timeoutStore) FetchConnections(ctx context.Context, userID string) ([]models.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	conns, err := s.next.FetchConnections(ctx, userID)
	return conns, classify("fetch connections", err)
}

func (s *timeoutStore) DeleteConnection(ctx context.Context, c models.Connection) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return classify("delete connection", s.next.DeleteConnection(ctx, c))
}

func (s *timeoutStore) ConnectionExists(ctx context.Context, a, b string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	ok, err := s.next.ConnectionExists(ctx, a, b)
	return ok, classify("connection exists", err)
}

func (s *timeoutStore) Close(ctx context.Context) error {
	return s.next.Close(ctx)
}
