package orchestrator

import (
	"context"
	"sync"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/optionscan/internal/common"
	"github.com/ternarybob/optionscan/internal/interfaces"
)

// maxQueuedProgress caps how many events may be waiting before job progress is dropped
const maxQueuedProgress = 256

// dispatcher delivers a batch's events in publish order on its own goroutine, so pollers
// and the batch goroutine never wait on subscribers. Pushing never blocks.
type dispatcher struct {
	service interfaces.EventService
	logger  arbor.ILogger
	batchID string

	mu      sync.Mutex
	queue   []interfaces.Event
	closed  bool
	dropped int

	notify chan struct{}
	done   chan struct{}
}

func newDispatcher(service interfaces.EventService, logger arbor.ILogger, batchID string) *dispatcher {
	return &dispatcher{
		service: service,
		logger:  logger,
		batchID: batchID,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (d *dispatcher) start() {
	common.SafeGo(d.logger, "batch-events", d.run)
}

// push queues an event. Droppable events are discarded once the queue is backed up,
// and every event is discarded after close.
func (d *dispatcher) push(event interfaces.Event, droppable bool) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if droppable && len(d.queue) >= maxQueuedProgress {
		d.dropped++
		d.mu.Unlock()
		return
	}
	d.queue = append(d.queue, event)
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
}

// closeAndWait stops accepting events and waits until the queued ones are delivered
func (d *dispatcher) closeAndWait() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	select {
	case d.notify <- struct{}{}:
	default:
	}
	<-d.done
}

func (d *dispatcher) run() {
	defer close(d.done)

	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			dropped := d.dropped
			d.mu.Unlock()
			if closed {
				if dropped > 0 {
					d.logger.Debug().
						Str("batch_id", d.batchID).
						Int("dropped", dropped).
						Msg("Dropped job progress events for slow subscribers")
				}
				return
			}
			<-d.notify
			continue
		}
		event := d.queue[0]
		d.queue[0] = interfaces.Event{}
		d.queue = d.queue[1:]
		d.mu.Unlock()

		if err := d.service.PublishSync(context.Background(), event); err != nil {
			d.logger.Warn().
				Err(err).
				Str("event_type", string(event.Type)).
				Str("batch_id", d.batchID).
				Msg("Failed to publish event")
		}
	}
}
