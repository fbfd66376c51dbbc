// Package relcache stores loaded relationship collections for one identity and
// lets readers wait for the first load of a requested relationship.
package relcache

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/singleflight"

	"myft-client/internal/telemetry"
	"myft-client/pkg/myft"
)

// pendingLoad is the completion signal for one tracked relationship.
type pendingLoad struct {
	done    chan struct{}
	err     error
	settled bool
}

// Cache is the loaded store plus pending-load tracker for one identity.
type Cache struct {
	transport myft.Transport
	sink      myft.EventSink
	identity  myft.Identity
	cfg       config

	group singleflight.Group
	loads sync.WaitGroup

	mu      sync.Mutex
	loaded  map[myft.RelationshipKey]myft.Collection
	pending map[myft.RelationshipKey]*pendingLoad
}

// New creates an empty cache loading relationships of identity through transport.
// Load events are published to sink when it is non-nil.
func New(transport myft.Transport, sink myft.EventSink, identity myft.Identity, options ...Option) (*Cache, error) {
	if transport == nil {
		return nil, fmt.Errorf("new relationship cache: nil transport")
	}
	if identity.UserID == "" {
		return nil, fmt.Errorf("new relationship cache: missing user id")
	}

	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &Cache{
		transport: transport,
		sink:      sink,
		identity:  identity,
		cfg:       cfg,
		loaded:    make(map[myft.RelationshipKey]myft.Collection),
		pending:   make(map[myft.RelationshipKey]*pendingLoad),
	}, nil
}

// Track registers a first-load completion signal for every key that is neither
// loaded nor pending. A key whose previous load failed gets a fresh signal.
func (c *Cache) Track(keys ...myft.RelationshipKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range keys {
		if _, ok := c.loaded[key]; ok {
			continue
		}
		if existing, ok := c.pending[key]; ok && !existing.settled {
			continue
		}
		c.pending[key] = &pendingLoad{done: make(chan struct{})}
	}
}

// Load starts a background load of key and returns immediately.
//
// The load is not canceled with ctx. Failures are reported to the async error
// handler and recorded on the key's completion signal.
func (c *Cache) Load(ctx context.Context, key myft.RelationshipKey) {
	if err := key.Validate(); err != nil {
		c.cfg.onAsyncError(ctx, key, fmt.Errorf("load: %w", err))
		return
	}
	c.Track(key)

	loadCtx := context.WithoutCancel(ctx)
	c.loads.Add(1)
	go func() {
		defer c.loads.Done()
		if _, err := c.Refresh(loadCtx, key); err != nil {
			c.cfg.onAsyncError(loadCtx, key, err)
		}
	}()
}

// Refresh loads key synchronously and returns the stored collection.
//
// Concurrent refreshes of one key share a single fetch. ctx bounds the wait,
// not the fetch.
func (c *Cache) Refresh(ctx context.Context, key myft.RelationshipKey) (myft.Collection, error) {
	if err := key.Validate(); err != nil {
		return myft.Collection{}, fmt.Errorf("refresh: %w", err)
	}
	c.Track(key)

	fetchCtx := context.WithoutCancel(ctx)
	results := c.group.DoChan(key.String(), func() (any, error) {
		return c.fetch(fetchCtx, key)
	})

	select {
	case result := <-results:
		if result.Err != nil {
			return myft.Collection{}, result.Err
		}
		collection, _ := result.Val.(myft.Collection)
		return collection.Clone(), nil
	case <-ctx.Done():
		return myft.Collection{}, fmt.Errorf("refresh %s: %w", key, ctx.Err())
	}
}

// Wait blocks until every background load started by Load has finished.
func (c *Cache) Wait() {
	c.loads.Wait()
}

// GetAll returns the items of key, waiting for a pending first load.
//
// It fails with myft.ErrUnknownRelationship when key was never requested and
// returns the load failure when the pending load failed. It never starts a load.
func (c *Cache) GetAll(ctx context.Context, key myft.RelationshipKey) ([]myft.Item, error) {
	for {
		c.mu.Lock()
		pending, isPending := c.pending[key]
		waiting := isPending && !pending.settled
		collection, isLoaded := c.loaded[key]
		c.mu.Unlock()

		switch {
		case isLoaded:
			return collection.Clone().Items, nil
		case waiting:
		case isPending:
			return nil, fmt.Errorf("get all %s: %w", key, pending.err)
		default:
			return nil, fmt.Errorf("get all %s: %w", key, myft.ErrUnknownRelationship)
		}

		select {
		case <-pending.done:
		case <-ctx.Done():
			return nil, fmt.Errorf("get all %s: %w", key, ctx.Err())
		}
	}
}

// Get returns the items of key whose uuid contains subject.
func (c *Cache) Get(ctx context.Context, key myft.RelationshipKey, subject string) ([]myft.Item, error) {
	items, err := c.GetAll(ctx, key)
	if err != nil {
		return nil, err
	}

	matched := make([]myft.Item, 0, len(items))
	for _, item := range items {
		if item.Matches(subject) {
			matched = append(matched, item)
		}
	}

	return matched, nil
}

// Has reports whether any item of key matches subject.
func (c *Cache) Has(ctx context.Context, key myft.RelationshipKey, subject string) (bool, error) {
	items, err := c.Get(ctx, key, subject)
	if err != nil {
		return false, err
	}

	return len(items) > 0, nil
}

// Snapshot returns the stored collection of key without waiting.
func (c *Cache) Snapshot(key myft.RelationshipKey) (myft.Collection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	collection, ok := c.loaded[key]
	if !ok {
		return myft.Collection{}, false
	}

	return collection.Clone(), true
}

func (c *Cache) fetch(ctx context.Context, key myft.RelationshipKey) (myft.Collection, error) {
	body, err := c.transport.Do(ctx, myft.Request{
		Method:       http.MethodGet,
		Endpoint:     myft.JoinEndpoint(c.identity.UserID, key.Relationship, key.Type),
		SessionToken: c.identity.SessionToken,
	})

	var collection myft.Collection
	switch {
	case err == nil:
		collection = myft.DecodeCollection(body)
	case myft.IsNoUserData(err):
		collection = myft.EmptyCollection()
	default:
		err = fmt.Errorf("load %s: %w", key, err)
		c.settleFailure(key, err)
		c.cfg.metrics.RecordLoad(key.String(), telemetry.LoadResultFailed)
		return myft.Collection{}, err
	}

	c.store(key, collection)
	if len(collection.Items) == 0 {
		c.cfg.metrics.RecordLoad(key.String(), telemetry.LoadResultEmpty)
	} else {
		c.cfg.metrics.RecordLoad(key.String(), telemetry.LoadResultLoaded)
	}
	// Blocked waiters resume after subscribers have seen the load event. Readers
	// arriving after store, load handlers included, see the collection at once.
	c.publish(ctx, key, collection)
	c.settleSuccess(key)

	return collection, nil
}

func (c *Cache) store(key myft.RelationshipKey, collection myft.Collection) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.loaded[key] = collection
}

func (c *Cache) settleSuccess(key myft.RelationshipKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.pending[key]
	if !ok {
		return
	}
	delete(c.pending, key)
	if !pending.settled {
		pending.settled = true
		close(pending.done)
	}
}

func (c *Cache) settleFailure(key myft.RelationshipKey, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, ok := c.pending[key]
	if !ok || pending.settled {
		return
	}
	pending.err = err
	pending.settled = true
	close(pending.done)
}

func (c *Cache) publish(ctx context.Context, key myft.RelationshipKey, collection myft.Collection) {
	if c.sink == nil {
		return
	}

	if err := c.sink.Publish(ctx, myft.NewEvent(myft.LoadEventName(key), collection.Clone())); err != nil {
		c.cfg.onAsyncError(ctx, key, fmt.Errorf("publish load event: %w", err))
		return
	}
	c.cfg.metrics.RecordEvent("load")
}
