// Package client is the facade applications use to read and mutate a user's
// relationships and to subscribe to relationship events.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"myft-client/internal/bus"
	"myft-client/internal/relcache"
	"myft-client/internal/transport"
	"myft-client/pkg/myft"
)

// State is the client initialization state.
type State string

const (
	// StateUninitialized means Init has not been called.
	StateUninitialized State = "uninitialized"
	// StateInitializing means identity resolution is in progress.
	StateInitializing State = "initializing"
	// StateReady means identity is known and requested relationships are loading.
	StateReady State = "ready"
	// StateFailedInit means identity resolution failed; the user may be anonymous.
	StateFailedInit State = "failed_init"
)

// Config holds the data the client is built from.
type Config struct {
	// APIRoot is the absolute base URL of the relationship API.
	APIRoot string
	// Relationships are requested at every Init. Nil means myft.DefaultRelationships.
	Relationships []myft.RelationshipKey
	// Verbs maps legacy verbs onto relationships. Nil means myft.DefaultVerbs.
	Verbs map[string]myft.VerbMapping
}

// Client caches one user's relationships and propagates relationship events.
type Client struct {
	cfg       Config
	opts      options
	transport myft.Transport
	bus       myft.EventBus
	ownsBus   bool

	identityOnce sync.Once
	identityDone chan struct{}
	identity     myft.Identity
	identityErr  error

	mu        sync.Mutex
	state     State
	initDone  chan struct{}
	initErr   error
	anonymous bool
	cache     *relcache.Cache
	requested []myft.RelationshipKey

	background sync.WaitGroup
}

// New creates an uninitialized client.
//
// It fails with myft.ErrMissingAPIRoot when cfg.APIRoot is empty.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg.APIRoot = strings.TrimSpace(cfg.APIRoot)
	if cfg.APIRoot == "" {
		return nil, fmt.Errorf("new client: %w", myft.ErrMissingAPIRoot)
	}
	parsed, err := url.Parse(cfg.APIRoot)
	if err != nil || !parsed.IsAbs() {
		return nil, fmt.Errorf("new client: api root %q must be an absolute url", cfg.APIRoot)
	}
	if cfg.Relationships == nil {
		cfg.Relationships = myft.DefaultRelationships
	}
	for _, key := range cfg.Relationships {
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("new client: %w", err)
		}
	}
	if cfg.Verbs == nil {
		cfg.Verbs = myft.DefaultVerbs()
	}
	for verb, mapping := range cfg.Verbs {
		if err := mapping.Key().Validate(); err != nil {
			return nil, fmt.Errorf("new client: verb %s: %w", verb, err)
		}
	}

	resolved := defaultOptions()
	for _, opt := range opts {
		opt(&resolved)
	}

	apiTransport := resolved.transport
	if apiTransport == nil {
		transportOptions := append([]transport.Option{
			transport.WithLogger(resolved.logger),
			transport.WithMetrics(resolved.metrics),
		}, resolved.transportOptions...)
		httpTransport, err := transport.New(cfg.APIRoot, transportOptions...)
		if err != nil {
			return nil, fmt.Errorf("new client: %w", err)
		}
		apiTransport = httpTransport
	}

	eventBus := resolved.bus
	ownsBus := false
	if eventBus == nil {
		eventBus = bus.New(bus.WithLogger(resolved.logger))
		ownsBus = true
	}

	return &Client{
		cfg:          cfg,
		opts:         resolved,
		transport:    apiTransport,
		bus:          eventBus,
		ownsBus:      ownsBus,
		identityDone: make(chan struct{}),
		state:        StateUninitialized,
	}, nil
}

// Init resolves identity once and starts loading the requested relationships.
//
// Repeated and concurrent calls share the first call's outcome; additional
// relationships passed to later calls are ignored. A missing session is not an
// error: the client stays anonymous with nothing loaded.
func (c *Client) Init(ctx context.Context, additional ...myft.RelationshipKey) error {
	for _, key := range additional {
		if err := key.Validate(); err != nil {
			return fmt.Errorf("init: %w", err)
		}
	}

	c.mu.Lock()
	start := c.state == StateUninitialized
	if start {
		c.state = StateInitializing
		c.initDone = make(chan struct{})
	}
	done := c.initDone
	c.mu.Unlock()

	if start {
		initCtx := context.WithoutCancel(ctx)
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			c.initialize(initCtx, additional)
		}()
	}

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("init: %w", ctx.Err())
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.initErr
}

func (c *Client) initialize(ctx context.Context, additional []myft.RelationshipKey) {
	identity, err := c.resolveIdentity(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateFailedInit
		if errors.Is(err, myft.ErrNoSession) {
			c.anonymous = true
			c.opts.logger.DebugContext(ctx, "myft client initialized anonymously", "reason", err)
		} else {
			c.initErr = fmt.Errorf("init: %w", err)
		}
		close(c.initDone)
		c.mu.Unlock()
		return
	}

	requested := myft.MergeRelationships(c.cfg.Relationships, additional...)
	cache, err := relcache.New(c.transport, c.bus, identity,
		relcache.WithLogger(c.opts.logger),
		relcache.WithMetrics(c.opts.metrics),
	)
	if err != nil {
		c.mu.Lock()
		c.state = StateFailedInit
		c.initErr = fmt.Errorf("init: %w", err)
		close(c.initDone)
		c.mu.Unlock()
		return
	}
	cache.Track(requested...)

	c.mu.Lock()
	c.cache = cache
	c.requested = requested
	c.state = StateReady
	close(c.initDone)
	c.mu.Unlock()

	c.opts.logger.DebugContext(ctx, "myft client ready", "user_id", identity.UserID, "relationships", len(requested))
	for _, key := range requested {
		cache.Load(ctx, key)
	}
}

// resolveIdentity resolves identity at most once per client.
func (c *Client) resolveIdentity(ctx context.Context) (myft.Identity, error) {
	c.identityOnce.Do(func() {
		resolveCtx := context.WithoutCancel(ctx)
		c.background.Add(1)
		go func() {
			defer c.background.Done()
			defer close(c.identityDone)
			c.identity, c.identityErr = c.opts.identity.ResolveIdentity(resolveCtx)
		}()
	})

	select {
	case <-c.identityDone:
		return c.identity, c.identityErr
	case <-ctx.Done():
		return myft.Identity{}, fmt.Errorf("resolve identity: %w", ctx.Err())
	}
}

// State returns the current initialization state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.state
}

// Identity returns the resolved identity once resolution succeeded.
func (c *Client) Identity() (myft.Identity, bool) {
	select {
	case <-c.identityDone:
		return c.identity, c.identityErr == nil
	default:
		return myft.Identity{}, false
	}
}

// ready waits for Init to finish and returns the cache of the identified user.
func (c *Client) ready(ctx context.Context) (*relcache.Cache, error) {
	c.mu.Lock()
	state := c.state
	done := c.initDone
	c.mu.Unlock()

	if state == StateUninitialized {
		return nil, myft.ErrNotInitialized
	}

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.cache != nil:
		return c.cache, nil
	case c.anonymous:
		return nil, myft.ErrNoSession
	default:
		return nil, c.initErr
	}
}

// GetAll returns the items of key, waiting for an in-progress Init and the first load.
func (c *Client) GetAll(ctx context.Context, key myft.RelationshipKey) ([]myft.Item, error) {
	cache, err := c.ready(ctx)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", key, err)
	}

	return cache.GetAll(ctx, key)
}

// Get returns the items of key whose uuid contains subject.
func (c *Client) Get(ctx context.Context, key myft.RelationshipKey, subject string) ([]myft.Item, error) {
	cache, err := c.ready(ctx)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}

	return cache.Get(ctx, key, subject)
}

// Has reports whether any item of key contains subject in its uuid.
func (c *Client) Has(ctx context.Context, key myft.RelationshipKey, subject string) (bool, error) {
	cache, err := c.ready(ctx)
	if err != nil {
		return false, fmt.Errorf("has %s: %w", key, err)
	}

	return cache.Has(ctx, key, subject)
}

// Load fetches key again and replaces the stored collection.
//
// Add and Remove never touch stored collections; Load is how callers observe them.
func (c *Client) Load(ctx context.Context, key myft.RelationshipKey) (myft.Collection, error) {
	cache, err := c.ready(ctx)
	if err != nil {
		return myft.Collection{}, fmt.Errorf("load %s: %w", key, err)
	}

	return cache.Refresh(ctx, key)
}

// WaitLoaded waits until every relationship requested at Init has loaded and
// returns the first load failure.
func (c *Client) WaitLoaded(ctx context.Context) error {
	cache, err := c.ready(ctx)
	if err != nil {
		return fmt.Errorf("wait loaded: %w", err)
	}

	c.mu.Lock()
	requested := append([]myft.RelationshipKey(nil), c.requested...)
	c.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, key := range requested {
		group.Go(func() error {
			_, err := cache.GetAll(groupCtx, key)
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("wait loaded: %w", err)
	}

	return nil
}

// Requested returns the relationships requested at Init.
func (c *Client) Requested() []myft.RelationshipKey {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]myft.RelationshipKey(nil), c.requested...)
}

// Add creates a relationship and publishes "<actor>.<relationship>.<type>.add".
func (c *Client) Add(ctx context.Context, mutation myft.Mutation) (myft.MutationDetails, error) {
	return c.mutate(ctx, mutation, myft.MutationActionAdd)
}

// Remove deletes a relationship and publishes "<actor>.<relationship>.<type>.remove".
func (c *Client) Remove(ctx context.Context, mutation myft.Mutation) (myft.MutationDetails, error) {
	return c.mutate(ctx, mutation, myft.MutationActionRemove)
}

func (c *Client) mutate(
	ctx context.Context,
	mutation myft.Mutation,
	action myft.MutationAction,
) (myft.MutationDetails, error) {
	if mutation.Actor == "" {
		mutation.Actor = myft.ActorUser
	}
	if err := mutation.Key.Validate(); err != nil {
		return myft.MutationDetails{}, fmt.Errorf("%s: %w", action, err)
	}
	if mutation.ActorID == "" && mutation.Actor != myft.ActorUser {
		return myft.MutationDetails{}, fmt.Errorf("%s %s: no actor id specified: %w", action, mutation.Actor, myft.ErrInvalidActor)
	}

	// An explicit actor id can still be mutated without a session.
	identity, err := c.resolveIdentity(ctx)
	if err != nil && (mutation.ActorID == "" || !errors.Is(err, myft.ErrNoSession)) {
		return myft.MutationDetails{}, fmt.Errorf("%s: %w", action, err)
	}
	actorID := mutation.ActorID
	if actorID == "" {
		actorID = identity.UserID
	}

	request := myft.Request{
		Endpoint:     mutation.Endpoint(actorID),
		SessionToken: identity.SessionToken,
	}
	switch action {
	case myft.MutationActionAdd:
		request.Method = http.MethodPut
		request.Body = mutation.Data
		if request.Body == nil {
			request.Body = struct{}{}
		}
	default:
		request.Method = http.MethodDelete
	}

	results, err := c.transport.Do(ctx, request)
	c.opts.metrics.RecordMutation(string(action), err)
	if err != nil {
		return myft.MutationDetails{}, fmt.Errorf("%s %s: %w", action, request.Endpoint, err)
	}

	details := myft.MutationDetails{
		ActorID: actorID,
		Subject: mutation.Subject,
		Data:    mutation.Data,
	}
	if action == myft.MutationActionAdd {
		details.Results = results
	}

	name := myft.MutationEventName(mutation.Actor, mutation.Key, action)
	if err := c.bus.Publish(ctx, myft.NewEvent(name, details)); err != nil {
		c.opts.logger.WarnContext(ctx, "myft mutation event not published", "event", name, "error", err)
	} else {
		c.opts.metrics.RecordEvent(string(action))
	}

	return details, nil
}

// AddVerb adds subject under the relationship mapped to verb for the current user.
func (c *Client) AddVerb(ctx context.Context, verb, subject string, data any) (myft.MutationDetails, error) {
	mapping, err := c.verb(verb)
	if err != nil {
		return myft.MutationDetails{}, err
	}

	return c.Add(ctx, myft.Mutation{Actor: myft.ActorUser, Key: mapping.Key(), Subject: mapping.Subject(subject), Data: data})
}

// RemoveVerb removes subject from the relationship mapped to verb for the current user.
func (c *Client) RemoveVerb(ctx context.Context, verb, subject string) (myft.MutationDetails, error) {
	mapping, err := c.verb(verb)
	if err != nil {
		return myft.MutationDetails{}, err
	}

	return c.Remove(ctx, myft.Mutation{Actor: myft.ActorUser, Key: mapping.Key(), Subject: mapping.Subject(subject)})
}

// HasVerb reports whether the relationship mapped to verb contains subject.
func (c *Client) HasVerb(ctx context.Context, verb, subject string) (bool, error) {
	mapping, err := c.verb(verb)
	if err != nil {
		return false, err
	}

	return c.Has(ctx, mapping.Key(), mapping.Subject(subject))
}

func (c *Client) verb(verb string) (myft.VerbMapping, error) {
	mapping, ok := c.cfg.Verbs[verb]
	if !ok {
		return myft.VerbMapping{}, fmt.Errorf("verb %q: %w", verb, myft.ErrUnknownRelationship)
	}

	return mapping, nil
}

// PersonaliseURL rewrites rawURL to address the current user's page.
func (c *Client) PersonaliseURL(ctx context.Context, rawURL string) (string, error) {
	identity, err := c.resolveIdentity(ctx)
	if err != nil {
		return "", fmt.Errorf("personalise url: %w", err)
	}

	return c.opts.personaliser.Personalise(rawURL, identity.UserID), nil
}

// Subscribe registers handler for relationship events.
func (c *Client) Subscribe(
	ctx context.Context,
	spec myft.SubscriptionSpec,
	handler myft.EventHandler,
) (myft.Subscription, error) {
	subscription, err := c.bus.Subscribe(ctx, spec, handler)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}

	return subscription, nil
}

// Close waits for background work and closes the event bus when the client owns it.
// ctx bounds the wait.
func (c *Client) Close(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		defer close(idle)
		c.background.Wait()
		c.mu.Lock()
		cache := c.cache
		c.mu.Unlock()
		if cache != nil {
			cache.Wait()
		}
	}()

	select {
	case <-idle:
	case <-ctx.Done():
		return fmt.Errorf("close client: %w", ctx.Err())
	}

	if !c.ownsBus {
		return nil
	}
	if err := c.bus.Close(ctx); err != nil {
		return fmt.Errorf("close client: %w", err)
	}

	return nil
}
