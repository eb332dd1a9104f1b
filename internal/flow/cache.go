package flow

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/pitabwire/triage/model"
)

// Source loads flows from persistence. FlowVersion must be cheap: it is
// consulted on every cache hit.
type Source interface {
	LoadFlow(ctx context.Context, flowID string) (model.Flow, error)
	FlowVersion(ctx context.Context, flowID string) (int, error)
}

// Cache keeps indexed graphs so each flow version is indexed once rather than
// once per submission. A hit is only served while the stored version still
// matches the cached graph, so edits made by another process are picked up on
// the next lookup. Entries also expire after the configured TTL.
type Cache struct {
	source Source
	graphs *gocache.Cache
}

// NewCache creates a Cache in front of source. A ttl of zero keeps entries
// until they are invalidated.
func NewCache(source Source, ttl time.Duration) *Cache {
	exp := ttl
	if exp <= 0 {
		exp = gocache.NoExpiration
	}
	return &Cache{
		source: source,
		graphs: gocache.New(exp, 10*time.Minute),
	}
}

// Graph returns the indexed graph of the current version of flowID, loading
// it on a miss or when the stored version has moved on.
func (c *Cache) Graph(ctx context.Context, flowID string) (*Graph, error) {
	if v, ok := c.graphs.Get(flowID); ok {
		cached := v.(*Graph)
		version, err := c.source.FlowVersion(ctx, flowID)
		if err != nil {
			if model.IsCode(err, model.ErrFlowNotFound) {
				c.graphs.Delete(flowID)
			}
			return nil, err
		}
		if version == cached.Version() {
			return cached, nil
		}
	}
	f, err := c.source.LoadFlow(ctx, flowID)
	if err != nil {
		return nil, err
	}
	g := NewGraph(f)
	c.graphs.SetDefault(flowID, g)
	return g, nil
}

// Invalidate drops the cached graph of flowID.
func (c *Cache) Invalidate(flowID string) {
	c.graphs.Delete(flowID)
}

// Flush drops every cached graph.
func (c *Cache) Flush() {
	c.graphs.Flush()
}

// Len returns the number of cached graphs. For testing.
func (c *Cache) Len() int {
	return c.graphs.ItemCount()
}
