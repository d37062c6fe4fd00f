// Package models provides data model definitions for the connection sync engine.
package models

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionStatus is the lifecycle state of a connection request.
type ConnectionStatus string

const (
	ConnectionStatusPending  ConnectionStatus = "pending"
	ConnectionStatusAccepted ConnectionStatus = "accepted"
	// ConnectionStatusRejected is accepted on the wire but never persisted:
	// a rejected connection is deleted.
	ConnectionStatusRejected ConnectionStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionStatusPending, ConnectionStatusAccepted, ConnectionStatusRejected:
		return true
	}
	return false
}

// Connection is a directed relationship record between two users.
// Timestamps are Unix milliseconds.
type Connection struct {
	ID              string           `db:"id" json:"id" bson:"_id"`
	FromUserID      string           `db:"from_user_id" json:"from_user_id" bson:"from_user_id"`
	ToUserID        string           `db:"to_user_id" json:"to_user_id" bson:"to_user_id"`
	Status          ConnectionStatus `db:"status" json:"status" bson:"status"`
	CreatedAt       int64            `db:"created_at" json:"created_at" bson:"created_at"`
	UpdatedAt       int64            `db:"updated_at" json:"updated_at" bson:"updated_at"`
	FromUsername    string           `db:"from_username" json:"from_username,omitempty" bson:"from_username,omitempty"`
	FromDisplayName string           `db:"from_display_name" json:"from_display_name,omitempty" bson:"from_display_name,omitempty"`
	ToUsername      string           `db:"to_username" json:"to_username,omitempty" bson:"to_username,omitempty"`
	ToDisplayName   string           `db:"to_display_name" json:"to_display_name,omitempty" bson:"to_display_name,omitempty"`
}

// TableName returns the table name for Connection.
func (Connection) TableName() string {
	return "connections"
}

// Validate checks the structural invariants of a connection.
func (c *Connection) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("connection id is required")
	}
	if c.FromUserID == "" || c.ToUserID == "" {
		return fmt.Errorf("connection %s: both user ids are required", c.ID)
	}
	if c.FromUserID == c.ToUserID {
		return fmt.Errorf("connection %s: user cannot connect to itself", c.ID)
	}
	if !c.Status.Valid() {
		return fmt.Errorf("connection %s: unknown status %q", c.ID, c.Status)
	}
	return nil
}

// Involves reports whether userID is either party of the connection.
func (c *Connection) Involves(userID string) bool {
	return c.FromUserID == userID || c.ToUserID == userID
}

// Between reports whether the connection links a and b in either direction.
func (c *Connection) Between(a, b string) bool {
	return (c.FromUserID == a && c.ToUserID == b) || (c.FromUserID == b && c.ToUserID == a)
}

// Counterpart returns the other party from userID's point of view.
func (c *Connection) Counterpart(userID string) string {
	if c.FromUserID == userID {
		return c.ToUserID
	}
	return c.FromUserID
}

// PairKey identifies the unordered pair of users, independent of direction.
func (c *Connection) PairKey() string {
	return PairKey(c.FromUserID, c.ToUserID)
}

// PairKey builds the unordered pair key for two user ids.
func PairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

// SplitPairKey is the inverse of PairKey.
func SplitPairKey(key string) (string, string) {
	a, b, _ := strings.Cut(key, "|")
	return a, b
}

// Touch stamps UpdatedAt.
func (c *Connection) Touch(now time.Time) {
	c.UpdatedAt = now.UnixMilli()
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (c *Connection) CreatedAtTime() time.Time {
	return time.UnixMilli(c.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (c *Connection) UpdatedAtTime() time.Time {
	return time.UnixMilli(c.UpdatedAt)
}

// ApplySender copies the sender's display metadata onto the connection.
func (c *Connection) ApplySender(meta UserMetadata) {
	meta = meta.Normalize()
	c.FromUsername = meta.Username
	c.FromDisplayName = meta.DisplayName
}

// ApplyAcceptor copies the acceptor's display metadata onto the connection.
func (c *Connection) ApplyAcceptor(meta UserMetadata) {
	meta = meta.Normalize()
	c.ToUsername = meta.Username
	c.ToDisplayName = meta.DisplayName
}
