// Package bus implements the typed service buses that mediate every side
// effect in the core. Each bus locates providers in the registry, converts
// provider failures into typed results at the handler boundary, and records
// a correlation for every side effect it performs.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotcommander/ciris/internal/models"
	"github.com/dotcommander/ciris/internal/registry"
)

// CorrelationSink receives the correlation row each bus operation emits.
// The runtime wires a store-backed sink; tests use an in-memory one.
type CorrelationSink interface {
	Record(c *models.ServiceCorrelation)
}

// queuedCall is one fire-and-forget operation awaiting the bus worker.
type queuedCall struct {
	ID          string
	HandlerName string
	Timestamp   time.Time
	Metadata    map[string]string
	run         func(ctx context.Context)
}

// baseBus holds the shared registry/queue plumbing for the typed buses.
// Operations that need a result call providers synchronously; operations
// that can fire-and-forget enqueue and return. Each bus's worker is the
// sole consumer of its queue.
type baseBus struct {
	service  models.ServiceType
	registry *registry.Registry
	sink     CorrelationSink

	queue chan queuedCall

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

const defaultQueueSize = 256

func newBaseBus(service models.ServiceType, reg *registry.Registry, sink CorrelationSink) baseBus {
	return baseBus{
		service:  service,
		registry: reg,
		sink:     sink,
		queue:    make(chan queuedCall, defaultQueueSize),
	}
}

// Start launches the queue worker. Idempotent.
func (b *baseBus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.started = true
	go b.work(ctx)
}

// Stop cancels the worker and waits for it to drain.
func (b *baseBus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	done := b.done
	b.mu.Unlock()

	cancel()
	<-done
}

func (b *baseBus) work(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case <-ctx.Done():
			return
		case call := <-b.queue:
			// Provider panics must not kill the worker; they convert to a
			// logged failure like any other provider error.
			func() {
				defer func() {
					if r := recover(); r != nil {
						slog.Default().Error("bus worker recovered from provider panic",
							"service", string(b.service), "handler", call.HandlerName, "panic", r)
					}
				}()
				call.run(ctx)
			}()
		}
	}
}

// enqueue submits a fire-and-forget call. Returns false when the queue is
// full or the worker is not running; callers treat that as a typed failure.
func (b *baseBus) enqueue(handlerName string, metadata map[string]string, run func(ctx context.Context)) bool {
	b.mu.Lock()
	started := b.started
	b.mu.Unlock()
	if !started {
		return false
	}
	select {
	case b.queue <- queuedCall{
		ID:          uuid.NewString(),
		HandlerName: handlerName,
		Timestamp:   time.Now().UTC(),
		Metadata:    metadata,
		run:         run,
	}:
		return true
	default:
		slog.Default().Warn("bus queue full, dropping call", "service", string(b.service), "handler", handlerName)
		return false
	}
}

// record emits a correlation row for a completed bus operation.
func (b *baseBus) record(c *models.ServiceCorrelation) {
	if b.sink == nil {
		return
	}
	if c.CorrelationID == "" {
		c.CorrelationID = uuid.NewString()
	}
	if c.Timestamp.IsZero() {
		c.Timestamp = time.Now().UTC()
	}
	c.ServiceType = b.service
	b.sink.Record(c)
}
