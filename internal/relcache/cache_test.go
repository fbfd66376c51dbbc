package relcache

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"myft-client/internal/bus"
	"myft-client/internal/telemetry"
	"myft-client/pkg/myft"
)

var followedTopic = myft.RelationshipKey{Relationship: "followed", Type: "topic"}

// fakeTransport answers loads from a per-endpoint table, optionally gated.
type fakeTransport struct {
	mu        sync.Mutex
	responses map[string]fakeResponse
	requests  []myft.Request
	gate      chan struct{}
	calls     atomic.Int32
}

type fakeResponse struct {
	body json.RawMessage
	err  error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{responses: make(map[string]fakeResponse)}
}

func (f *fakeTransport) respond(endpoint string, body string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[endpoint] = fakeResponse{body: json.RawMessage(body), err: err}
}

func (f *fakeTransport) Do(ctx context.Context, req myft.Request) (json.RawMessage, error) {
	f.calls.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	gate := f.gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	response, ok := f.responses[req.Endpoint]
	if !ok {
		return nil, &myft.TransportError{Method: req.Method, Endpoint: req.Endpoint, Kind: myft.TransportErrorKindNoData, StatusCode: http.StatusNotFound}
	}

	return response.body, response.err
}

type loadRecorder struct {
	mu     sync.Mutex
	events []*myft.Event
}

func (r *loadRecorder) handle(_ context.Context, event *myft.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *loadRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func newTestCache(t *testing.T, transport myft.Transport, options ...Option) (*Cache, *loadRecorder) {
	t.Helper()

	eventBus := bus.New()
	recorder := &loadRecorder{}
	if _, err := eventBus.Subscribe(context.Background(), myft.SubscriptionSpec{
		Name:   "loads",
		Topics: myft.Topics{"user.*.*.load"},
	}, recorder.handle); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	options = append([]Option{WithAsyncErrorHandler(func(context.Context, myft.RelationshipKey, error) {})}, options...)
	cache, err := New(transport, eventBus, myft.Identity{UserID: "abcd", SessionToken: "token"}, options...)
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() {
		cache.Wait()
		_ = eventBus.Close(context.Background())
	})

	return cache, recorder
}

func TestCacheLoadStoresCollectionAndPublishesOnce(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.respond("abcd/followed/topic", `{"total":2,"count":2,"items":[{"uuid":"00000000-0000-0000-0000-000000000001","name":"a"},{"uuid":"00000000-0000-0000-0000-000000000002"}]}`, nil)
	cache, recorder := newTestCache(t, transport)

	cache.Load(context.Background(), followedTopic)

	items, err := cache.GetAll(context.Background(), followedTopic)
	if err != nil {
		t.Fatalf("get all failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items len = %d, want 2", len(items))
	}
	if got := items[0].Field("name").String(); got != "a" {
		t.Fatalf("raw field name = %q, want a", got)
	}

	cache.Wait()
	if recorder.count() != 1 {
		t.Fatalf("load events = %d, want 1", recorder.count())
	}
	event := recorder.events[0]
	if event.Name != "user.followed.topic.load" {
		t.Fatalf("event name = %s", event.Name)
	}
	collection, ok := event.Collection()
	if !ok || collection.Total != 2 {
		t.Fatalf("event payload = %#v, want collection with total 2", event.Payload)
	}

	transport.mu.Lock()
	request := transport.requests[0]
	transport.mu.Unlock()
	if request.Method != http.MethodGet || request.SessionToken != "token" {
		t.Fatalf("request = %+v, want authenticated GET", request)
	}
}

func TestCacheGetAllBeforeAndAfterLoadAgree(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.gate = make(chan struct{})
	transport.respond("abcd/followed/topic", `{"total":1,"count":1,"items":[{"uuid":"x1"}]}`, nil)
	cache, recorder := newTestCache(t, transport)

	cache.Load(context.Background(), followedTopic)

	before := make(chan []myft.Item, 1)
	go func() {
		items, _ := cache.GetAll(context.Background(), followedTopic)
		before <- items
	}()

	select {
	case <-before:
		t.Fatal("get all returned before the load completed")
	case <-time.After(20 * time.Millisecond):
	}

	close(transport.gate)
	earlyItems := <-before

	lateItems, err := cache.GetAll(context.Background(), followedTopic)
	if err != nil {
		t.Fatalf("late get all failed: %v", err)
	}
	if len(earlyItems) != 1 || len(lateItems) != 1 || earlyItems[0].UUID != lateItems[0].UUID {
		t.Fatalf("early = %v, late = %v, want identical single item", earlyItems, lateItems)
	}

	cache.Wait()
	if recorder.count() != 1 {
		t.Fatalf("load events = %d, want 1", recorder.count())
	}
	if transport.calls.Load() != 1 {
		t.Fatalf("transport calls = %d, want 1", transport.calls.Load())
	}
}

func TestCacheNormalizesEmptyResponses(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
	}{
		{name: "null body", body: "null"},
		{name: "empty body", body: ""},
		{name: "malformed body", body: `{"items":`},
		{
			name: "no user data",
			err: &myft.TransportError{
				Kind:       myft.TransportErrorKindNoData,
				StatusCode: http.StatusBadRequest,
				Message:    "No user data exists",
			},
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			transport := newFakeTransport()
			transport.respond("abcd/followed/topic", testCase.body, testCase.err)
			cache, recorder := newTestCache(t, transport)

			collection, err := cache.Refresh(context.Background(), followedTopic)
			if err != nil {
				t.Fatalf("refresh failed: %v", err)
			}
			if collection.Total != 0 || collection.Count != 0 || collection.Items == nil || len(collection.Items) != 0 {
				t.Fatalf("collection = %#v, want canonical empty", collection)
			}
			if recorder.count() != 1 {
				t.Fatalf("load events = %d, want 1", recorder.count())
			}
			if _, ok := cache.Snapshot(followedTopic); !ok {
				t.Fatal("empty collection was not stored")
			}
		})
	}
}

func TestCacheLoadFailureReportedAndReturned(t *testing.T) {
	t.Parallel()

	serverErr := &myft.TransportError{Kind: myft.TransportErrorKindServer, StatusCode: http.StatusInternalServerError}
	transport := newFakeTransport()
	transport.respond("abcd/followed/topic", "", serverErr)

	reported := make(chan error, 1)
	cache, recorder := newTestCache(t, transport, WithAsyncErrorHandler(func(_ context.Context, key myft.RelationshipKey, err error) {
		if key == followedTopic {
			reported <- err
		}
	}))

	cache.Load(context.Background(), followedTopic)

	_, err := cache.GetAll(context.Background(), followedTopic)
	if !errors.Is(err, serverErr) {
		t.Fatalf("get all error = %v, want load failure", err)
	}

	select {
	case err := <-reported:
		if !errors.Is(err, serverErr) {
			t.Fatalf("reported error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("load failure was not reported")
	}

	cache.Wait()
	if recorder.count() != 0 {
		t.Fatalf("load events = %d, want 0 after failure", recorder.count())
	}
	if transport.calls.Load() != 1 {
		t.Fatalf("transport calls = %d, want no retry", transport.calls.Load())
	}

	transport.respond("abcd/followed/topic", `{"items":[{"uuid":"x1"}]}`, nil)
	if _, err := cache.Refresh(context.Background(), followedTopic); err != nil {
		t.Fatalf("refresh after failure failed: %v", err)
	}
	if has, err := cache.Has(context.Background(), followedTopic, "x1"); err != nil || !has {
		t.Fatalf("has after refresh = %v, %v; want true", has, err)
	}
}

func TestCacheGetAllUnknownRelationshipFailsFast(t *testing.T) {
	t.Parallel()

	cache, _ := newTestCache(t, newFakeTransport())

	_, err := cache.GetAll(context.Background(), followedTopic)
	if !errors.Is(err, myft.ErrUnknownRelationship) {
		t.Fatalf("error = %v, want ErrUnknownRelationship", err)
	}
}

func TestCacheGetAllHonorsContext(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.gate = make(chan struct{})
	cache, _ := newTestCache(t, transport)

	cache.Load(context.Background(), followedTopic)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := cache.GetAll(ctx, followedTopic); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want deadline exceeded", err)
	}

	close(transport.gate)
}

func TestCacheGetAndHasMatchSubstring(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.respond("abcd/followed/topic", `{"total":2,"count":2,"items":[{"uuid":"topic-uk-politics"},{"uuid":"topic-us-politics"}]}`, nil)
	cache, _ := newTestCache(t, transport)

	if _, err := cache.Refresh(context.Background(), followedTopic); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	tests := []struct {
		subject string
		want    int
	}{
		{subject: "topic-uk-politics", want: 1},
		{subject: "politics", want: 2},
		{subject: "", want: 2},
		{subject: "markets", want: 0},
	}
	for _, testCase := range tests {
		items, err := cache.Get(context.Background(), followedTopic, testCase.subject)
		if err != nil {
			t.Fatalf("get %q failed: %v", testCase.subject, err)
		}
		if len(items) != testCase.want {
			t.Fatalf("get %q len = %d, want %d", testCase.subject, len(items), testCase.want)
		}
		has, err := cache.Has(context.Background(), followedTopic, testCase.subject)
		if err != nil {
			t.Fatalf("has %q failed: %v", testCase.subject, err)
		}
		if has != (testCase.want > 0) {
			t.Fatalf("has %q = %v", testCase.subject, has)
		}
	}
}

func TestCacheConcurrentRefreshSharesOneFetch(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.gate = make(chan struct{})
	transport.respond("abcd/followed/topic", `{"items":[{"uuid":"x1"}]}`, nil)
	cache, recorder := newTestCache(t, transport)

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = cache.Refresh(context.Background(), followedTopic)
		}()
	}

	for transport.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(10 * time.Millisecond)
	close(transport.gate)
	wg.Wait()

	if transport.calls.Load() != 1 {
		t.Fatalf("transport calls = %d, want 1", transport.calls.Load())
	}
	if recorder.count() != 1 {
		t.Fatalf("load events = %d, want 1", recorder.count())
	}
}

func TestCacheSnapshotIsolatedFromCallers(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.respond("abcd/followed/topic", `{"items":[{"uuid":"x1"}]}`, nil)
	cache, _ := newTestCache(t, transport)

	if _, ok := cache.Snapshot(followedTopic); ok {
		t.Fatal("snapshot present before load")
	}
	if _, err := cache.Refresh(context.Background(), followedTopic); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}

	items, _ := cache.GetAll(context.Background(), followedTopic)
	items[0].UUID = "mutated"

	snapshot, ok := cache.Snapshot(followedTopic)
	if !ok || snapshot.Items[0].UUID != "x1" {
		t.Fatalf("snapshot = %#v, want untouched x1", snapshot)
	}
}

func TestCacheRecordsLoadMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(registry)

	transport := newFakeTransport()
	transport.respond("abcd/followed/topic", `{"items":[{"uuid":"x1"}]}`, nil)
	cache, _ := newTestCache(t, transport, WithMetrics(metrics))

	if _, err := cache.Refresh(context.Background(), followedTopic); err != nil {
		t.Fatalf("refresh failed: %v", err)
	}
	if _, err := cache.Refresh(context.Background(), myft.RelationshipKey{Relationship: "saved", Type: "content"}); err != nil {
		t.Fatalf("refresh empty failed: %v", err)
	}

	if got := testutil.CollectAndCount(registry, "myft_relationship_loads_total"); got != 2 {
		t.Fatalf("load series = %d, want 2", got)
	}
	if got := testutil.CollectAndCount(registry, "myft_events_published_total"); got != 1 {
		t.Fatalf("event series = %d, want 1", got)
	}
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	t.Parallel()

	if _, err := New(nil, nil, myft.Identity{UserID: "abcd"}); err == nil {
		t.Fatal("expected error for nil transport")
	}
	if _, err := New(newFakeTransport(), nil, myft.Identity{}); err == nil {
		t.Fatal("expected error for missing user id")
	}
}

func TestCacheLoadHandlerReadsStoredCollection(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport()
	transport.respond("abcd/followed/topic", `{"items":[{"uuid":"X"}]}`, nil)

	eventBus := bus.New()
	var cache *Cache
	found := make(chan bool, 1)
	if _, err := eventBus.Subscribe(context.Background(), myft.SubscriptionSpec{
		Name:   "reader",
		Topics: myft.Topics{"user.followed.topic.load"},
	}, func(ctx context.Context, _ *myft.Event) error {
		readCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer cancel()
		has, err := cache.Has(readCtx, followedTopic, "X")
		found <- err == nil && has
		return err
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	var err error
	cache, err = New(transport, eventBus, myft.Identity{UserID: "abcd", SessionToken: "token"},
		WithAsyncErrorHandler(func(context.Context, myft.RelationshipKey, error) {}))
	if err != nil {
		t.Fatalf("new cache failed: %v", err)
	}
	t.Cleanup(func() {
		cache.Wait()
		_ = eventBus.Close(context.Background())
	})

	cache.Load(context.Background(), followedTopic)

	select {
	case ok := <-found:
		if !ok {
			t.Fatal("load handler did not see the stored collection")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("load handler did not run")
	}
}
