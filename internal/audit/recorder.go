package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/clinicore/backend/internal/metrics"
	"github.com/clinicore/backend/internal/repository"
)

const (
	defaultQueueSize = 1024
	// writeTimeout bounds each persistence attempt so a stuck database
	// cannot back the queue up forever
	writeTimeout = 5 * time.Second
)

// Recorder implements Sink with a buffered queue drained by a single worker
// goroutine. Enqueueing never blocks; when the queue is full the event is
// dropped, counted, and logged locally.
type Recorder struct {
	repo   repository.AuditLogRepository
	logger *slog.Logger

	queue  chan Event
	done   chan struct{}
	wg     sync.WaitGroup
	closed sync.Once
}

// NewRecorder creates a Recorder and starts its worker
func NewRecorder(repo repository.AuditLogRepository, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		repo:   repo,
		logger: logger,
		queue:  make(chan Event, defaultQueueSize),
		done:   make(chan struct{}),
	}
	r.wg.Add(1)
	go r.run()
	return r
}

// RecordEvent enqueues an event for persistence. It never blocks and never
// reports failure to the caller.
func (r *Recorder) RecordEvent(event Event) {
	select {
	case <-r.done:
		r.logger.Warn("audit recorder closed, event dropped", "event_type", event.Type)
	default:
		select {
		case r.queue <- event:
			metrics.AuditEventsTotal.WithLabelValues(event.Type).Inc()
		default:
			metrics.AuditEventsDropped.Inc()
			r.logger.Warn("audit queue full, event dropped", "event_type", event.Type)
		}
	}
}

// Close stops accepting events and drains the queue
func (r *Recorder) Close() {
	r.closed.Do(func() {
		close(r.done)
		close(r.queue)
	})
	r.wg.Wait()
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for event := range r.queue {
		r.persist(event)
	}
}

func (r *Recorder) persist(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	metadata, err := json.Marshal(event.Metadata)
	if err != nil {
		metadata = []byte("{}")
	}

	entry := &repository.AuditLog{
		EventType:    event.Type,
		UserID:       event.UserID,
		IPAddress:    event.IPAddress,
		UserAgent:    event.UserAgent,
		ResourceType: event.ResourceType,
		ResourceID:   event.ResourceID,
		Metadata:     metadata,
		Success:      event.Success,
	}

	if err := r.repo.Create(ctx, entry); err != nil {
		// Swallowed: availability of the primary flow outranks completeness
		// of the audit trail.
		metrics.AuditEventsDropped.Inc()
		r.logger.Error("failed to persist audit event", "event_type", event.Type, "error", err)
	}
}

// Query returns filtered audit entries for compliance review
func (r *Recorder) Query(ctx context.Context, params repository.ListAuditLogParams) ([]repository.AuditLog, int, error) {
	return r.repo.List(ctx, params)
}
