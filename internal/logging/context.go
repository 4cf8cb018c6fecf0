package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	studyIDKey ctxKey = iota
	caseNameKey
	stageNameKey
)

// WithStudyID returns a context with the study ID set.
func WithStudyID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, studyIDKey, id)
}

// WithCaseName returns a context with the case name set.
func WithCaseName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, caseNameKey, name)
}

// WithStageName returns a context with the stage name set.
func WithStageName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, stageNameKey, name)
}

// StudyID extracts the study ID from the context, or "" if absent.
func StudyID(ctx context.Context) string {
	v, _ := ctx.Value(studyIDKey).(string)
	return v
}

// CaseName extracts the case name from the context, or "" if absent.
func CaseName(ctx context.Context) string {
	v, _ := ctx.Value(caseNameKey).(string)
	return v
}

// StageName extracts the stage name from the context, or "" if absent.
func StageName(ctx context.Context) string {
	v, _ := ctx.Value(stageNameKey).(string)
	return v
}

// LogWith returns a logger carrying whichever of the study, case and stage
// identifiers are present in the context.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if id := StudyID(ctx); id != "" {
		logger = logger.With(slog.String("study_id", id))
	}
	if name := CaseName(ctx); name != "" {
		logger = logger.With(slog.String("case_name", name))
	}
	if name := StageName(ctx); name != "" {
		logger = logger.With(slog.String("stage_name", name))
	}
	return logger
}

// CorrelationHandler decorates an slog.Handler so every record logged with
// a context (logger.InfoContext and friends) picks up the study, case and
// stage identifiers stored in that context.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps inner with context attribute injection.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	if v := StudyID(ctx); v != "" {
		r.AddAttrs(slog.String("study_id", v))
	}
	if v := CaseName(ctx); v != "" {
		r.AddAttrs(slog.String("case_name", v))
	}
	if v := StageName(ctx); v != "" {
		r.AddAttrs(slog.String("stage_name", v))
	}
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
