package registry

import (
	"testing"

	"github.com/pedrofnts/queue-consumer/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConsumer(queue string) *model.RuntimeConsumer {
	return &model.RuntimeConsumer{Queue: queue, BrokerTag: "tag-" + queue, Epoch: 1}
}

func TestRegistry_InsertGet(t *testing.T) {
	r := New()
	r.Insert(newConsumer("q1"))

	rc, ok := r.Get("q1")
	require.True(t, ok)
	assert.Equal(t, "q1", rc.Queue)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_Remove(t *testing.T) {
	r := New()
	r.Insert(newConsumer("q1"))
	r.Remove("q1")

	_, ok := r.Get("q1")
	assert.False(t, ok)
}

func TestRegistry_Snapshot(t *testing.T) {
	r := New()
	r.Insert(newConsumer("q1"))
	r.Insert(newConsumer("q2"))

	snap := r.Snapshot()
	assert.Len(t, snap, 2)

	// Mutating the snapshot slice must not affect the registry.
	snap[0] = nil
	rc, ok := r.Get("q1")
	require.True(t, ok)
	assert.NotNil(t, rc)
}

func TestRegistry_Clear(t *testing.T) {
	r := New()
	r.Insert(newConsumer("q1"))
	r.Insert(newConsumer("q2"))
	r.Clear()
	assert.Equal(t, 0, r.Len())
}

func TestRegistry_SetPaused(t *testing.T) {
	r := New()
	r.Insert(newConsumer("q1"))

	ok := r.SetPaused("q1", true)
	require.True(t, ok)

	rc, _ := r.Get("q1")
	assert.True(t, rc.Paused)

	ok = r.SetPaused("missing", true)
	assert.False(t, ok)
}

func TestRegistry_UpdateLast(t *testing.T) {
	r := New()
	r.Insert(newConsumer("q1"))
	r.UpdateLast("q1", map[string]any{"x": 1.0})

	rc, _ := r.Get("q1")
	assert.Equal(t, map[string]any{"x": 1.0}, rc.LastMessage)

	// Updating a queue that isn't registered is a silent no-op.
	r.UpdateLast("missing", "payload")
}
