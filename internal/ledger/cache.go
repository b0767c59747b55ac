package ledger

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Cache holds at most one live Connection per identity. Construction is
// serialized per identity: concurrent first-use callers share a single dial,
// with losers of the race waiting on the winner's result instead of dialing
// again. Failed dials are never cached; the next Get retries from scratch.
type Cache struct {
	mu     sync.Mutex
	dial   Dialer
	conns  map[string]*cacheEntry
	logger zerolog.Logger
}

// cacheEntry is a promise for an in-flight or completed dial. ready is closed
// once conn/err are set; after that both fields are immutable.
type cacheEntry struct {
	ready chan struct{}
	conn  Connection
	err   error
}

// NewCache creates an empty cache backed by the given dialer.
func NewCache(dial Dialer, logger zerolog.Logger) *Cache {
	return &Cache{
		dial:   dial,
		conns:  make(map[string]*cacheEntry),
		logger: logger.With().Str("component", "connection_cache").Logger(),
	}
}

// Get returns the live connection for identity, dialing one on first use.
// Waiting callers honor ctx cancellation without abandoning the dial itself,
// so a connection that finishes building is still cached for later callers.
func (c *Cache) Get(ctx context.Context, identity string) (Connection, error) {
	c.mu.Lock()
	if e, ok := c.conns[identity]; ok {
		c.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.conn, nil
	}

	e := &cacheEntry{ready: make(chan struct{})}
	c.conns[identity] = e
	c.mu.Unlock()

	conn, err := c.dial.Dial(ctx, identity)
	if err != nil {
		// Do not cache the failure: remove the entry before releasing
		// waiters so the next Get dials fresh.
		c.mu.Lock()
		delete(c.conns, identity)
		c.mu.Unlock()

		e.err = err
		close(e.ready)
		c.logger.Error().Err(err).Str("identity", identity).Msg("connection build failed")
		return nil, err
	}

	e.conn = conn
	close(e.ready)
	c.logger.Info().Str("identity", identity).Msg("connection established")
	return conn, nil
}

// Evict removes the identity's connection so the next Get rebuilds it. The
// executor calls this when an operation reports an authentication failure.
// The underlying session is closed once any in-flight dial settles.
func (c *Cache) Evict(identity string) {
	c.mu.Lock()
	e, ok := c.conns[identity]
	if ok {
		delete(c.conns, identity)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	go func() {
		<-e.ready
		if e.conn != nil {
			e.conn.Close()
		}
	}()
	c.logger.Info().Str("identity", identity).Msg("connection evicted")
}

// Len reports how many identities currently have a cached (or in-flight)
// connection.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Close tears down every cached connection. Called on shutdown.
func (c *Cache) Close() {
	c.mu.Lock()
	entries := make([]*cacheEntry, 0, len(c.conns))
	for id, e := range c.conns {
		entries = append(entries, e)
		delete(c.conns, id)
	}
	c.mu.Unlock()

	for _, e := range entries {
		<-e.ready
		if e.conn != nil {
			e.conn.Close()
		}
	}
}
