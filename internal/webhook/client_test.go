package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Post_DeliveredOnAnyStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(time.Second)
	res, err := c.Post(context.Background(), srv.URL, map[string]int{"x": 1})
	require.NoError(t, err)
	assert.Equal(t, Delivered, res.Outcome)
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
}

func TestClient_Post_TransportError(t *testing.T) {
	c := NewClient(50 * time.Millisecond)
	_, err := c.Post(context.Background(), "http://127.0.0.1:1", map[string]int{"x": 1})
	assert.Error(t, err)
}

func TestNotifier_NotifyFinish_PostsExpectedBody(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := make([]byte, r.ContentLength)
		_, _ = r.Body.Read(body)
		received <- string(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL, time.Second)
	n.NotifyFinish(context.Background(), "q1", map[string]any{"x": 1.0})

	select {
	case body := <-received:
		assert.Contains(t, body, `"queue":"q1"`)
		assert.Contains(t, body, `"lastMessage":{"x":1}`)
	case <-time.After(time.Second):
		t.Fatal("webhook was not called")
	}
}

func TestNotifier_NotifyFinish_DoesNotPanicOnFailure(t *testing.T) {
	n := NewNotifier("http://127.0.0.1:1", 50*time.Millisecond)
	n.NotifyFinish(context.Background(), "q1", nil)
}
