package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/BrunoKrugel/stream2bucket/internal/metrics"
	"github.com/BrunoKrugel/stream2bucket/internal/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu       sync.Mutex
	messages []Envelope
	err      error
	block    chan struct{}
	closed   bool
}

func (r *recordingPublisher) Publish(ctx context.Context, pattern string, payload any) error {
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.messages = append(r.messages, Envelope{Pattern: pattern, Data: payload})
	return nil
}

func (r *recordingPublisher) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func result(key string) model.UploadResult {
	return model.UploadResult{
		ImageID:    "limon.jpg",
		StorageKey: key,
		Metadata:   model.Metadata{CapturedAt: "2025-01-01T00:00:00.000Z", ProcessedAt: "2025-01-01T00:00:00.000Z"},
		Status:     model.StatusUploaded,
	}
}

func TestDispatcher_PublishesInOrder(t *testing.T) {
	pub := &recordingPublisher{}
	c := metrics.New()
	d := NewDispatcher(pub, DispatcherOptions{Pattern: "nueva_fruta", Logger: discard, Metrics: c})

	for _, k := range []string{"raw/a", "raw/b", "raw/c"} {
		require.True(t, d.Dispatch(result(k)))
	}
	require.NoError(t, d.Close(context.Background()))

	require.Len(t, pub.messages, 3)
	for i, k := range []string{"raw/a", "raw/b", "raw/c"} {
		assert.Equal(t, "nueva_fruta", pub.messages[i].Pattern)
		assert.Equal(t, k, pub.messages[i].Data.(model.UploadResult).StorageKey)
	}
	assert.True(t, pub.closed)
	assert.Equal(t, float64(3), testutil.ToFloat64(c.Notifications.WithLabelValues("published")))
}

func TestDispatcher_FailureIsLoggedNotPropagated(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("channel closed")}
	c := metrics.New()
	d := NewDispatcher(pub, DispatcherOptions{Pattern: "nueva_fruta", Logger: discard, Metrics: c})

	assert.True(t, d.Dispatch(result("raw/a")))
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.Notifications.WithLabelValues("failed")))
}

func TestDispatcher_NeverBlocks(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	c := metrics.New()
	d := NewDispatcher(pub, DispatcherOptions{Pattern: "p", Buffer: 1, Logger: discard, Metrics: c})

	accepted := 0
	start := time.Now()
	for range 10 {
		if d.Dispatch(result("raw/x")) {
			accepted++
		}
	}
	assert.Less(t, time.Since(start), time.Second)
	// One in flight in the worker at most, one in the buffer.
	assert.LessOrEqual(t, accepted, 2)
	assert.GreaterOrEqual(t, testutil.ToFloat64(c.Notifications.WithLabelValues("dropped")), float64(8))

	close(pub.block)
	require.NoError(t, d.Close(context.Background()))
}

func TestDispatcher_DispatchAfterClose(t *testing.T) {
	d := NewDispatcher(&recordingPublisher{}, DispatcherOptions{Pattern: "p", Logger: discard})
	require.NoError(t, d.Close(context.Background()))
	require.NoError(t, d.Close(context.Background()))
	assert.False(t, d.Dispatch(result("raw/late")))
}

func TestDispatcher_CloseHonorsDeadline(t *testing.T) {
	pub := &recordingPublisher{block: make(chan struct{})}
	d := NewDispatcher(pub, DispatcherOptions{Pattern: "p", Logger: discard, PublishTimeout: time.Minute})
	d.Dispatch(result("raw/a"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.True(t, pub.closed)
	close(pub.block)
}

func TestEncode(t *testing.T) {
	body, err := encode("nueva_fruta", result("raw/1-abc-limon.jpg"))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "nueva_fruta", got["pattern"])

	data := got["data"].(map[string]any)
	assert.Equal(t, "limon.jpg", data["image_id"])
	assert.Equal(t, "raw/1-abc-limon.jpg", data["storage_key"])
	assert.Equal(t, "UPLOADED", data["status"])
	assert.Equal(t, "2025-01-01T00:00:00.000Z", data["metadata"].(map[string]any)["capturedAt"])
}

func TestNewPublisher(t *testing.T) {
	pub, err := NewPublisher("", "fruits_queue", discard)
	require.NoError(t, err)
	assert.IsType(t, NopPublisher{}, pub)
	assert.NoError(t, pub.Publish(context.Background(), "p", nil))

	_, err = NewPublisher("kafka://broker:9092", "fruits_queue", discard)
	assert.ErrorContains(t, err, "unsupported queue URL scheme")

	_, err = NewPublisher("://bad", "fruits_queue", discard)
	assert.Error(t, err)
}

func TestNATSPublisher_Subject(t *testing.T) {
	p := &NATSPublisher{queue: "fruits_queue"}
	assert.Equal(t, "fruits_queue.nueva_fruta", p.Subject("nueva_fruta"))
}
