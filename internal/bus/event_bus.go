package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"myft-client/pkg/myft"
)

// EventBus is the in-process named-topic pub/sub implementation.
//
// Subscribers are notified in registration order. Events are never buffered for
// subscribers that register after Publish returns.
type EventBus struct {
	mu            sync.RWMutex
	nextID        int64
	closed        bool
	subscriptions []*busSubscription
	cfg           config
}

// New creates an event bus.
func New(options ...Option) *EventBus {
	cfg := defaultConfig()
	for _, option := range options {
		option(&cfg)
	}

	return &EventBus{cfg: cfg}
}

// Publish dispatches an event to all matching subscribers.
//
// Handler failures are reported to the async error sink and never returned.
// Publish fails only for invalid events, a closed bus, or blocked enqueues whose
// context expired.
func (b *EventBus) Publish(ctx context.Context, event *myft.Event) error {
	if err := event.Validate(); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}

	subs, err := b.snapshotSubscriptions()
	if err != nil {
		return fmt.Errorf("publish event %s: %w", event.Name, err)
	}

	var publishErrs []error
	for _, sub := range subs {
		if !sub.spec.Topics.Matches(event.Name) {
			continue
		}
		if !sub.claim() {
			continue
		}
		if sub.spec.Once {
			b.detach(sub.id)
		}
		if err := sub.deliver(ctx, event); err != nil {
			if errors.Is(err, myft.ErrEventDropped) || errors.Is(err, myft.ErrSubscriptionClosed) {
				b.reportAsyncError(ctx, sub.spec.Name, err)
				continue
			}
			publishErrs = append(publishErrs, err)
		}
	}

	if len(publishErrs) > 0 {
		return fmt.Errorf("publish event %s: %w", event.Name, errors.Join(publishErrs...))
	}

	return nil
}

// Subscribe registers an inline or queued consumer.
func (b *EventBus) Subscribe(
	ctx context.Context,
	spec myft.SubscriptionSpec,
	handler myft.EventHandler,
) (myft.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}
	if handler == nil {
		return nil, fmt.Errorf("subscribe %s: %w: nil handler", spec.Name, myft.ErrInvalidSubscription)
	}

	subID := atomic.AddInt64(&b.nextID, 1)
	spec, err := b.normalizeSpec(spec, subID)
	if err != nil {
		return nil, err
	}
	sub := newBusSubscription(subID, spec, handler, b)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.signalClose()
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, myft.ErrBusClosed)
	}
	b.subscriptions = append(b.subscriptions, sub)

	return sub, nil
}

// Subscribers returns the number of registered subscriptions.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscriptions)
}

// Close stops all active subscriptions and rejects further publishes/subscribes.
func (b *EventBus) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()

	var closeErrs []error
	for _, sub := range subs {
		if err := sub.shutdown(ctx); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}

	if len(closeErrs) > 0 {
		return fmt.Errorf("close event bus: %w", errors.Join(closeErrs...))
	}

	return nil
}

// snapshotSubscriptions returns a registration-ordered copy for lock-free fan-out.
// It fails when the bus is closed to prevent post-shutdown dispatch.
func (b *EventBus) snapshotSubscriptions() ([]*busSubscription, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, myft.ErrBusClosed
	}

	return slices.Clone(b.subscriptions), nil
}

// normalizeSpec applies bus defaults when callers omit optional fields.
func (b *EventBus) normalizeSpec(spec myft.SubscriptionSpec, subID int64) (myft.SubscriptionSpec, error) {
	if spec.Name == "" {
		spec.Name = fmt.Sprintf("subscription-%d", subID)
	}
	if spec.Buffer <= 0 {
		spec.Buffer = b.cfg.subscriptionBuffer
	}
	if spec.Workers <= 0 {
		spec.Workers = b.cfg.subscriptionWorker
	}
	if spec.HandlerTimeout <= 0 {
		spec.HandlerTimeout = b.cfg.handlerTimeout
	}
	switch spec.Backpressure {
	case "":
		spec.Backpressure = b.cfg.backpressure
	case myft.BackpressureBlock, myft.BackpressureDropNewest, myft.BackpressureDropOldest:
	default:
		return spec, fmt.Errorf("subscribe %s: %w: backpressure %q", spec.Name, myft.ErrInvalidSubscription, spec.Backpressure)
	}
	spec.Topics = slices.Clone(spec.Topics)

	return spec, nil
}

// detach removes a subscription from fan-out without waiting for its workers.
func (b *EventBus) detach(subID int64) *busSubscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := slices.IndexFunc(b.subscriptions, func(sub *busSubscription) bool {
		return sub.id == subID
	})
	if idx < 0 {
		return nil
	}
	sub := b.subscriptions[idx]
	b.subscriptions = slices.Delete(b.subscriptions, idx, idx+1)

	return sub
}

// unsubscribe removes and shuts down a subscription by id.
func (b *EventBus) unsubscribe(ctx context.Context, subID int64) error {
	sub := b.detach(subID)
	if sub == nil {
		return nil
	}

	if err := sub.shutdown(ctx); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", sub.spec.Name, err)
	}

	return nil
}

// reportAsyncError forwards handler failures to the configured error sink.
func (b *EventBus) reportAsyncError(ctx context.Context, scope string, err error) {
	if b.cfg.onAsyncError != nil {
		b.cfg.onAsyncError(ctx, scope, err)
	}
}

// busSubscription owns delivery and worker lifecycle for a single subscriber.
// Queue closure is driven by context cancellation rather than channel close.
type busSubscription struct {
	id      int64
	spec    myft.SubscriptionSpec
	handler myft.EventHandler
	queue   chan *myft.Event
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	closed  atomic.Bool
	fired   atomic.Bool
	once    sync.Once
	bus     *EventBus
}

// newBusSubscription creates the subscription and starts queue workers when needed.
func newBusSubscription(
	subID int64,
	spec myft.SubscriptionSpec,
	handler myft.EventHandler,
	bus *EventBus,
) *busSubscription {
	subCtx, cancel := context.WithCancel(context.Background())
	sub := &busSubscription{
		id:      subID,
		spec:    spec,
		handler: handler,
		ctx:     subCtx,
		cancel:  cancel,
		done:    make(chan struct{}),
		bus:     bus,
	}

	if !spec.Queued {
		close(sub.done)
		return sub
	}

	sub.queue = make(chan *myft.Event, spec.Buffer)
	sub.startWorkers()

	return sub
}

// Name returns the stable subscription name.
func (s *busSubscription) Name() string {
	return s.spec.Name
}

// Close unregisters this subscription from its parent bus.
func (s *busSubscription) Close(ctx context.Context) error {
	return s.bus.unsubscribe(ctx, s.id)
}

// claim reports whether the subscription accepts another event.
// Once subscriptions accept exactly one.
func (s *busSubscription) claim() bool {
	if !s.spec.Once {
		return true
	}

	return s.fired.CompareAndSwap(false, true)
}

// deliver runs inline handlers directly and enqueues for queued subscriptions.
func (s *busSubscription) deliver(ctx context.Context, event *myft.Event) error {
	if s.closed.Load() {
		return fmt.Errorf("deliver %s: %w", s.spec.Name, myft.ErrSubscriptionClosed)
	}
	if s.spec.Queued {
		return s.enqueue(ctx, event)
	}

	if err := s.handleEvent(ctx, 0, event); err != nil {
		s.bus.reportAsyncError(ctx, s.spec.Name, err)
	}
	if s.spec.Once {
		s.signalClose()
	}

	return nil
}

// enqueue applies the configured backpressure policy for the subscriber queue.
func (s *busSubscription) enqueue(ctx context.Context, event *myft.Event) error {
	switch s.spec.Backpressure {
	case myft.BackpressureDropNewest:
		return s.enqueueDropNewest(event)
	case myft.BackpressureDropOldest:
		return s.enqueueDropOldest(event)
	case myft.BackpressureBlock:
		return s.enqueueBlock(ctx, event)
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, myft.ErrInvalidSubscription)
	}
}

// enqueueDropNewest drops the incoming event when the queue is full.
func (s *busSubscription) enqueueDropNewest(event *myft.Event) error {
	select {
	case s.queue <- event:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, myft.ErrEventDropped)
	}
}

// enqueueDropOldest evicts one queued event before enqueueing the new event.
func (s *busSubscription) enqueueDropOldest(event *myft.Event) error {
	select {
	case s.queue <- event:
		return nil
	default:
	}

	select {
	case <-s.queue:
	default:
	}

	select {
	case s.queue <- event:
		return nil
	default:
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, myft.ErrEventDropped)
	}
}

// enqueueBlock waits for queue capacity, subscription closure, or caller cancellation.
func (s *busSubscription) enqueueBlock(ctx context.Context, event *myft.Event) error {
	select {
	case s.queue <- event:
		return nil
	case <-s.ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, myft.ErrSubscriptionClosed)
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s: %w", s.spec.Name, ctx.Err())
	}
}

// startWorkers launches worker goroutines and closes done after all workers exit.
func (s *busSubscription) startWorkers() {
	workerWG := &sync.WaitGroup{}
	for idx := 0; idx < s.spec.Workers; idx++ {
		workerID := idx
		workerWG.Add(1)
		go s.runWorker(workerWG, workerID)
	}

	go func() {
		workerWG.Wait()
		close(s.done)
	}()
}

// runWorker drains the queue until subscription context cancellation.
// Every handler failure is routed to the async error sink.
func (s *busSubscription) runWorker(workerWG *sync.WaitGroup, workerID int) {
	defer workerWG.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case event := <-s.queue:
			if err := s.handleEvent(s.ctx, workerID, event); err != nil {
				s.bus.reportAsyncError(s.ctx, s.spec.Name, err)
			}
			if s.spec.Once {
				s.signalClose()
				return
			}
		}
	}
}

// handleEvent executes one handler call with timeout and panic recovery.
func (s *busSubscription) handleEvent(ctx context.Context, workerID int, event *myft.Event) error {
	handlerCtx := ctx
	cancel := func() {}
	if s.spec.HandlerTimeout > 0 {
		handlerCtx, cancel = context.WithTimeout(ctx, s.spec.HandlerTimeout)
	}
	defer cancel()

	if err := s.invoke(handlerCtx, event); err != nil {
		return fmt.Errorf("handle event %s: subscription %s worker %d: %w", event.Name, s.spec.Name, workerID, err)
	}

	return nil
}

// invoke calls the handler and converts a panic into an error.
func (s *busSubscription) invoke(ctx context.Context, event *myft.Event) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()

	return s.handler(ctx, event)
}

// signalClose marks the subscription closed exactly once and cancels workers.
func (s *busSubscription) signalClose() {
	s.once.Do(func() {
		s.closed.Store(true)
		s.cancel()
	})
}

// shutdown waits for worker exit or returns when the supplied context expires.
func (s *busSubscription) shutdown(ctx context.Context) error {
	s.signalClose()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown subscription %s: %w", s.spec.Name, ctx.Err())
	}
}
