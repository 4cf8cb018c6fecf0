// Package scheduler creates periodic backup cases of a study and persists
// the result, the autosave counterpart of a user-triggered backup.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rendis/studygraph/internal/model"
	"github.com/rendis/studygraph/pkg/schema"
)

// Saver persists study snapshots. Satisfied by *store.LibSQLStore.
type Saver interface {
	SaveStudy(ctx context.Context, snap *model.StudySnapshot) error
}

// BackupScheduler takes cron-timed backup snapshots of one study. The model
// assumes a single mutator, so every study access goes through the
// scheduler's mutex; interactive callers must use the same guard via Do.
type BackupScheduler struct {
	study  *model.Study
	saver  Saver
	parser cron.Parser
	logger *slog.Logger

	schedule cron.Schedule
	interval time.Duration
	keep     int

	mu     sync.Mutex
	next   time.Time
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a BackupScheduler.
type Option func(*BackupScheduler)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *BackupScheduler) { b.logger = l }
}

// WithPollInterval overrides how often the loop checks for a due backup.
func WithPollInterval(d time.Duration) Option {
	return func(b *BackupScheduler) { b.interval = d }
}

// WithKeep limits how many autosave backups are retained; older ones are
// deleted when their stages no longer share with a live case. 0 keeps all.
func WithKeep(n int) Option {
	return func(b *BackupScheduler) { b.keep = n }
}

// New creates a scheduler for the study using a standard 5-field cron
// expression, e.g. "*/30 * * * *" for every 30 minutes.
func New(study *model.Study, saver Saver, cronExpr string, opts ...Option) (*BackupScheduler, error) {
	b := &BackupScheduler{
		study:    study,
		saver:    saver,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   slog.Default(),
		interval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	schedule, err := b.parser.Parse(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	b.schedule = schedule
	b.next = schedule.Next(time.Now().UTC())
	return b, nil
}

// Start launches the background loop.
func (b *BackupScheduler) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.done != nil {
		b.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = make(chan struct{})
	b.mu.Unlock()

	go b.loop(loopCtx)
	b.logger.Info("backup scheduler started", slog.String("study_id", b.study.ID()))
	return nil
}

func (b *BackupScheduler) loop(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			due := !time.Now().UTC().Before(b.next)
			b.mu.Unlock()
			if due {
				if _, err := b.BackupNow(ctx); err != nil {
					b.logger.Error("scheduled backup failed",
						slog.String("study_id", b.study.ID()),
						slog.String("error", err.Error()))
				}
			}
		}
	}
}

// Do runs fn under the scheduler's study guard. Interactive mutations of a
// scheduled study must go through here so a backup never observes a
// half-applied edit.
func (b *BackupScheduler) Do(fn func(*model.Study)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b.study)
}

// NextRun returns when the next backup is due.
func (b *BackupScheduler) NextRun() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.next
}

// BackupNow takes one backup immediately and advances the schedule. The
// backup case shares the current case's stages, so it costs nothing until
// an autocopy mutation splits them.
func (b *BackupScheduler) BackupNow(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	name := autosaveName(now)
	if b.study.Case(name) != nil {
		// Two backups within one second; keep the existing one.
		b.next = b.schedule.Next(now)
		return name, nil
	}
	if _, err := b.study.CurrentCase().Backup(name); err != nil {
		return "", err
	}
	b.prune()
	b.next = b.schedule.Next(now)

	if err := b.saver.SaveStudy(ctx, b.study.Snapshot()); err != nil {
		return "", fmt.Errorf("persist backup %q: %w", name, err)
	}
	b.logger.Info("backup created",
		slog.String("study_id", b.study.ID()),
		slog.String("case_name", name))
	return name, nil
}

// prune deletes the oldest autosaves beyond the keep limit. A backup whose
// stages still share with a live case refuses deletion (the cascade would
// reach the current case) and is skipped until it diverges.
func (b *BackupScheduler) prune() {
	if b.keep <= 0 {
		return
	}
	autosaves := b.autosaves()
	for len(autosaves) > b.keep {
		victim := autosaves[0]
		if err := victim.Delete(); err != nil {
			if schema.CodeOf(err) == schema.ErrCodeState {
				b.logger.Debug("backup still shared, keeping",
					slog.String("case_name", victim.Name()))
			} else {
				b.logger.Error("prune backup",
					slog.String("case_name", victim.Name()),
					slog.String("error", err.Error()))
			}
			return
		}
		autosaves = autosaves[1:]
	}
}

// autosaves returns autosave backup cases in creation order.
func (b *BackupScheduler) autosaves() []*model.Case {
	var out []*model.Case
	for _, c := range b.study.Cases() {
		if c.Role() == schema.RoleBackup && isAutosaveName(c.Name()) {
			out = append(out, c)
		}
	}
	return out
}

// Stop halts the loop and waits for it to drain. Safe to call twice.
func (b *BackupScheduler) Stop() error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.cancel = nil
	b.done = nil
	b.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	b.logger.Info("backup scheduler stopped")
	return nil
}

const autosavePrefix = "autosave-"

func autosaveName(t time.Time) string {
	return autosavePrefix + t.Format("20060102-150405")
}

func isAutosaveName(name string) bool {
	return len(name) > len(autosavePrefix) && name[:len(autosavePrefix)] == autosavePrefix
}
