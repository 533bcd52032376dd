package room

import (
	"log/slog"
	"sync"
)

// Identity is the local participant.
type Identity struct {
	UserID         string
	DisplayName    string
	HighlightColor string
}

// Context holds the map and story session this client is currently attached to.
// Logging stamps every record with it.
type Context struct {
	mu        sync.RWMutex
	identity  Identity
	mapID     string
	sessionID string
}

// NewContext creates a Context for the given local identity.
func NewContext(id Identity) *Context {
	return &Context{identity: id}
}

// Identity returns the local participant.
func (c *Context) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// MapID returns the map collaboration room, or "" when not attached.
func (c *Context) MapID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mapID
}

// SessionID returns the story session, or "" when not attached.
func (c *Context) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

// SetMap records the map room the client joined.
func (c *Context) SetMap(mapID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mapID = mapID
}

// SetSession records the story session the client joined.
func (c *Context) SetSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = sessionID
}

// LogAttrs returns the non-empty room identifiers as log attributes.
func (c *Context) LogAttrs() []slog.Attr {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	attrs := make([]slog.Attr, 0, 3)
	if c.identity.UserID != "" {
		attrs = append(attrs, slog.String("userId", c.identity.UserID))
	}
	if c.mapID != "" {
		attrs = append(attrs, slog.String("mapId", c.mapID))
	}
	if c.sessionID != "" {
		attrs = append(attrs, slog.String("sessionId", c.sessionID))
	}
	return attrs
}
