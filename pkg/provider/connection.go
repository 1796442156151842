package provider

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionStatus tracks the lifecycle of an authorized provider link.
type ConnectionStatus string

const (
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionError        ConnectionStatus = "error"
)

// Connection is an authorized link to one provider account. The token is
// shared mutable state: a refresh replaces the single copy atomically so
// every subsequent read, including from operations already in flight,
// observes the refreshed value.
type Connection struct {
	ID       string           `json:"id"`
	UserID   string           `json:"user_id"`
	Provider Provider         `json:"provider"`
	Status   ConnectionStatus `json:"status"`

	mu    sync.RWMutex
	token Token
}

// NewConnection creates a connected Connection holding the given token.
func NewConnection(id, userID string, p Provider, token Token) *Connection {
	return &Connection{
		ID:       id,
		UserID:   userID,
		Provider: p,
		Status:   ConnectionConnected,
		token:    token,
	}
}

// Token returns the current token snapshot.
func (c *Connection) Token() Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// SetToken atomically replaces the connection's token. A refresh that did not
// rotate the refresh token keeps the previous one.
func (c *Connection) SetToken(t Token) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.RefreshToken == "" {
		t.RefreshToken = c.token.RefreshToken
	}
	c.token = t
}

// AccessToken returns the current access token.
func (c *Connection) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token.AccessToken
}

// RefreshToken returns the current refresh token, if any.
func (c *Connection) RefreshToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token.RefreshToken
}

// Usable reports whether a transfer leg may be attempted on this connection:
// it is connected and its token is either unexpired or refreshable.
func (c *Connection) Usable() error {
	if c.Status != ConnectionConnected {
		return fmt.Errorf("connection %s is %s", c.ID, c.Status)
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token.AccessToken == "" {
		return fmt.Errorf("connection %s has no access token", c.ID)
	}
	if c.token.Expired() && c.token.RefreshToken == "" {
		return fmt.Errorf("connection %s token expired with no refresh token", c.ID)
	}
	return nil
}

// NeedsRefresh reports whether the token should be proactively refreshed
// before the next operation.
func (c *Connection) NeedsRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token.Expired() && c.token.RefreshToken != ""
}

// ExpiresWithin reports whether the token expires inside the given window.
func (c *Connection) ExpiresWithin(d time.Duration) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.token.ExpiresAt.IsZero() && time.Until(c.token.ExpiresAt) < d
}
