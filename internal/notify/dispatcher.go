package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BrunoKrugel/stream2bucket/internal/metrics"
	"github.com/BrunoKrugel/stream2bucket/internal/model"
)

const (
	defaultBuffer         = 256
	defaultPublishTimeout = 5 * time.Second
)

// Dispatcher publishes upload results in the background.
//
// Delivery is at-most-once: a full buffer or a failed publish drops the
// message after logging it. The stored object is never rolled back.
type Dispatcher struct {
	pub     Publisher
	pattern string
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Collector

	mu     sync.RWMutex
	closed bool
	queue  chan model.UploadResult
	done   chan struct{}
}

type DispatcherOptions struct {
	Pattern        string
	Buffer         int
	PublishTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Collector
}

func NewDispatcher(pub Publisher, opts DispatcherOptions) *Dispatcher {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = defaultPublishTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		pub:     pub,
		pattern: opts.Pattern,
		timeout: opts.PublishTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		queue:   make(chan model.UploadResult, opts.Buffer),
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

// Dispatch queues result without blocking. It reports whether the result
// was accepted.
func (d *Dispatcher) Dispatch(result model.UploadResult) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(result, "dispatcher closed")
		return false
	}

	select {
	case d.queue <- result:
		return true
	default:
		d.drop(result, "buffer full")
		return false
	}
}

func (d *Dispatcher) run() {
	defer close(d.done)

	for result := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		err := d.pub.Publish(ctx, d.pattern, result)
		cancel()

		if err != nil {
			d.logger.Error("notification lost", "pattern", d.pattern, "key", result.StorageKey, "error", err)
			d.count("failed")
			continue
		}
		d.logger.Debug("notification published", "pattern", d.pattern, "key", result.StorageKey)
		d.count("published")
	}
}

func (d *Dispatcher) drop(result model.UploadResult, reason string) {
	d.logger.Warn("notification dropped", "pattern", d.pattern, "key", result.StorageKey, "reason", reason)
	d.count("dropped")
}

func (d *Dispatcher) count(result string) {
	if d.metrics != nil {
		d.metrics.Notifications.WithLabelValues(result).Inc()
	}
}

// Close stops accepting results, waits for queued ones to be published or
// for ctx to expire, then closes the publisher.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
	case <-ctx.Done():
		d.logger.Warn("notification queue not drained", "pending", len(d.queue))
	}
	return d.pub.Close()
}
