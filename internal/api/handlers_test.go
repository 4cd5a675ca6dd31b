package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pedrofnts/queue-consumer/internal/broker"
	"github.com/pedrofnts/queue-consumer/internal/delivery"
	"github.com/pedrofnts/queue-consumer/internal/epoch"
	"github.com/pedrofnts/queue-consumer/internal/model"
	"github.com/pedrofnts/queue-consumer/internal/registry"
	"github.com/pedrofnts/queue-consumer/internal/store"
	"github.com/pedrofnts/queue-consumer/internal/webhook"
)

// fakeLink satisfies both api.Link and delivery.Link without a live
// broker connection.
type fakeLink struct {
	mu       sync.Mutex
	healthy  bool
	queues   map[string]broker.QueueInfo
	notFound map[string]bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{healthy: true, queues: map[string]broker.QueueInfo{}, notFound: map[string]bool{}}
}

func (f *fakeLink) Healthy() bool { return f.healthy }

func (f *fakeLink) CheckQueue(queue string) (broker.QueueInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFound[queue] {
		return broker.QueueInfo{}, broker.ErrNotFound
	}
	return f.queues[queue], nil
}

func (f *fakeLink) Subscribe(queue, consumerTag string, handler broker.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFound[queue] {
		return broker.ErrNotFound
	}
	return nil
}

func (f *fakeLink) Ack(d *broker.Delivery) error                { return nil }
func (f *fakeLink) Nack(d *broker.Delivery, requeue bool) error { return nil }
func (f *fakeLink) Cancel(tag string) error                     { return nil }

type testServer struct {
	link *fakeLink
	reg  *registry.Registry
	st   *store.Store
	loop *delivery.Loop
	em   *epoch.Manager
	mux  http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	link := newFakeLink()
	reg := registry.New()
	em := epoch.New()

	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	loc, err := time.LoadLocation("America/Sao_Paulo")
	require.NoError(t, err)

	wc := webhook.NewClient(time.Second)
	finish := webhook.NewNotifier("http://127.0.0.1:1", time.Second)
	loop := delivery.New(em, reg, st, link, wc, finish, loc)

	mux := NewRouter(Deps{
		Link:                 link,
		Registry:             reg,
		Store:                st,
		Loop:                 loop,
		Epoch:                em,
		DefaultMinIntervalMs: model.DefaultMinIntervalMs,
		DefaultMaxIntervalMs: model.DefaultMaxIntervalMs,
		Ctx:                  context.Background(),
	})

	return &testServer{link: link, reg: reg, st: st, loop: loop, em: em, mux: mux}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	ts.mux.ServeHTTP(rec, req)
	return rec
}

func TestHandleHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.link.healthy = false
	rec = ts.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleConsume_StartsAndPersists(t *testing.T) {
	ts := newTestServer(t)
	ts.link.queues["orders"] = broker.QueueInfo{MessageCount: 3}

	rec := ts.do(t, http.MethodPost, "/consume", map[string]any{
		"queue":   "orders",
		"webhook": "http://example.com/hook",
	})
	assert.Equal(t, http.StatusCreated, rec.Code)

	_, ok := ts.reg.Get("orders")
	assert.True(t, ok)
	spec, err := ts.st.Get("orders")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultMinIntervalMs, spec.MinIntervalMs)
	assert.Equal(t, model.DefaultMaxIntervalMs, spec.MaxIntervalMs)
}

func TestHandleConsume_InvalidWebhookRejected(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/consume", map[string]any{
		"queue":   "orders",
		"webhook": "not-a-url",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleConsume_AlreadyConsumingRejected(t *testing.T) {
	ts := newTestServer(t)
	ts.link.queues["orders"] = broker.QueueInfo{}

	rec := ts.do(t, http.MethodPost, "/consume", map[string]any{
		"queue":   "orders",
		"webhook": "http://example.com/hook",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = ts.do(t, http.MethodPost, "/consume", map[string]any{
		"queue":   "orders",
		"webhook": "http://example.com/hook",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleConsume_QueueNotFoundOnBroker(t *testing.T) {
	ts := newTestServer(t)
	ts.link.notFound["ghost"] = true

	rec := ts.do(t, http.MethodPost, "/consume", map[string]any{
		"queue":   "ghost",
		"webhook": "http://example.com/hook",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := ts.st.Get("ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHandleQueueInfo_NotFound(t *testing.T) {
	ts := newTestServer(t)
	ts.link.notFound["missing"] = true

	rec := ts.do(t, http.MethodGet, "/queue-info/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleQueueInfo_Found(t *testing.T) {
	ts := newTestServer(t)
	ts.link.queues["orders"] = broker.QueueInfo{MessageCount: 5, ConsumerCount: 1}

	rec := ts.do(t, http.MethodGet, "/queue-info/orders", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp queueInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.MessageCount)
	assert.Equal(t, 1, resp.ConsumerCount)
	assert.False(t, resp.IsActive)
}

func TestHandleQueuesInfo_PerElementErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.link.queues["ok"] = broker.QueueInfo{MessageCount: 2}
	ts.link.notFound["bad"] = true

	rec := ts.do(t, http.MethodPost, "/queues-info", map[string]any{
		"queues": []string{"ok", "bad"},
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []queuesInfoItem
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 2)
	assert.Equal(t, "ok", resp[0].Queue)
	assert.Empty(t, resp[0].Error)
	assert.Equal(t, "bad", resp[1].Queue)
	assert.NotEmpty(t, resp[1].Error)
}

func TestHandlePauseResume(t *testing.T) {
	ts := newTestServer(t)
	ts.link.queues["orders"] = broker.QueueInfo{}

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/consume", map[string]any{
		"queue":   "orders",
		"webhook": "http://example.com/hook",
	}).Code)

	rec := ts.do(t, http.MethodPost, "/pause", map[string]any{"queue": "orders"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/pause", map[string]any{"queue": "orders"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rc, _ := ts.reg.Get("orders")
	assert.True(t, rc.Paused)
	spec, err := ts.st.Get("orders")
	require.NoError(t, err)
	assert.True(t, spec.Paused)

	rec = ts.do(t, http.MethodPost, "/resume", map[string]any{"queue": "orders"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodPost, "/resume", map[string]any{"queue": "orders"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandlePause_NotConsuming(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/pause", map[string]any{"queue": "missing"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleStop(t *testing.T) {
	ts := newTestServer(t)
	ts.link.queues["orders"] = broker.QueueInfo{}

	require.Equal(t, http.StatusCreated, ts.do(t, http.MethodPost, "/consume", map[string]any{
		"queue":   "orders",
		"webhook": "http://example.com/hook",
	}).Code)

	rec := ts.do(t, http.MethodPost, "/stop", map[string]any{"queue": "orders"})
	assert.Equal(t, http.StatusOK, rec.Code)

	_, ok := ts.reg.Get("orders")
	assert.False(t, ok)
	_, err := ts.st.Get("orders")
	assert.ErrorIs(t, err, store.ErrNotFound)

	rec = ts.do(t, http.MethodPost, "/stop", map[string]any{"queue": "orders"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0h 0m 0s", formatDuration(0))
	assert.Equal(t, "1h 1m 5s", formatDuration(3665))
}
