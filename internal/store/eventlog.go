package store

import (
	"context"
	"log/slog"

	"github.com/rendis/studygraph/pkg/schema"
)

// EventLog records study mutation events into a LibSQLStore. It implements
// model.Recorder, so a study constructed with model.WithRecorder(log) writes
// its full mutation history without the model knowing about SQL.
type EventLog struct {
	store  *LibSQLStore
	logger *slog.Logger
}

// NewEventLog wraps a LibSQLStore as a mutation event log.
func NewEventLog(s *LibSQLStore, logger *slog.Logger) *EventLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventLog{store: s, logger: logger}
}

// Record appends the event synchronously. The model never checks recording
// errors, so failures are logged and swallowed here; the study itself stays
// consistent either way.
func (el *EventLog) Record(event *schema.Event) {
	if err := el.store.AppendEvent(context.Background(), event); err != nil {
		el.logger.Error("record event",
			slog.String("study_id", event.StudyID),
			slog.String("event_type", event.Type),
			slog.String("error", err.Error()))
	}
}

// History returns the full ordered event history of a study.
func (el *EventLog) History(ctx context.Context, studyID string) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, studyID, 0)
}

// Since returns events with sequence strictly greater than seq.
func (el *EventLog) Since(ctx context.Context, studyID string, seq int64) ([]*schema.Event, error) {
	return el.store.GetEvents(ctx, studyID, seq)
}

// VerifyContiguous checks the per-study sequence for gaps. A gap means the
// log is unusable as an audit trail for that study.
func (el *EventLog) VerifyContiguous(ctx context.Context, studyID string) error {
	events, err := el.store.GetEvents(ctx, studyID, 0)
	if err != nil {
		return err
	}
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in study %s: expected %d, got %d", studyID, expected, e.Sequence)
		}
	}
	return nil
}
