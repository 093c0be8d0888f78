package audit

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hackgods/clinic-booking/internal/metrics"
)

// AsyncSink queues records on a bounded channel drained by Run. A full or
// closed queue drops the record.
type AsyncSink struct {
	queue   chan Record
	writer  Writer
	timeout time.Duration
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncSink(w Writer, size int, writeTimeout time.Duration, log logrus.FieldLogger, m *metrics.Metrics) *AsyncSink {
	if size <= 0 {
		size = 1
	}
	return &AsyncSink{
		queue:   make(chan Record, size),
		writer:  w,
		timeout: writeTimeout,
		log:     log.WithField("component", "audit"),
		metrics: m,
		done:    make(chan struct{}),
	}
}

func (s *AsyncSink) Record(rec Record) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.drop(rec, "closed")
		return
	}

	select {
	case s.queue <- rec:
		s.metrics.SetAuditQueueDepth(len(s.queue))
	default:
		s.drop(rec, "queue full")
	}
}

// Run writes queued records until Close is called and the queue is empty.
// Writes are detached from ctx cancellation so a shutdown still flushes.
func (s *AsyncSink) Run(ctx context.Context) error {
	defer close(s.done)

	base := context.WithoutCancel(ctx)
	for rec := range s.queue {
		s.write(base, rec)
		s.metrics.SetAuditQueueDepth(len(s.queue))
	}
	return nil
}

// Close stops intake and waits for Run to flush, or for ctx to expire.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *AsyncSink) write(ctx context.Context, rec Record) {
	writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.writer.Write(writeCtx, rec); err != nil {
		s.metrics.AuditWriteFailed()
		s.log.WithError(err).WithFields(logrus.Fields{
			"action": rec.Action,
			"entity": rec.Entity,
		}).Error("audit write failed")
	}
}

func (s *AsyncSink) drop(rec Record, reason string) {
	s.metrics.AuditDropped()
	s.log.WithFields(logrus.Fields{
		"action": rec.Action,
		"entity": rec.Entity,
		"reason": reason,
	}).Warn("audit record dropped")
}
