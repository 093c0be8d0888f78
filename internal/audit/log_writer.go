package audit

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogWriter emits records as structured log lines. Used when no database is
// configured.
type LogWriter struct {
	log logrus.FieldLogger
}

func NewLogWriter(log logrus.FieldLogger) *LogWriter {
	return &LogWriter{log: log.WithField("audit", true)}
}

func (w *LogWriter) Write(_ context.Context, rec Record) error {
	fields := logrus.Fields{
		"action":     rec.Action,
		"entity":     rec.Entity,
		"actor_role": rec.ActorRole,
		"client_ip":  rec.ClientIP,
	}
	if rec.ActorID != nil {
		fields["actor_id"] = *rec.ActorID
	}
	if rec.EntityID != nil {
		fields["entity_id"] = *rec.EntityID
	}
	if len(rec.Details) > 0 {
		fields["details"] = string(rec.Details)
	}
	w.log.WithFields(fields).Info("audit event")
	return nil
}
