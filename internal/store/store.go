// Package store persists studies and their mutation event log in an
// embedded libSQL database. Studies are stored relationally: cases, stages
// (deduplicated, so copy-on-write sharing survives), commands with their
// keyword trees, and dependency edges, all keyed by the graph node ids the
// model assigned.
package store

import (
	"context"

	"github.com/rendis/studygraph/internal/model"
	"github.com/rendis/studygraph/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Studies
	SaveStudy(ctx context.Context, snap *model.StudySnapshot) error
	LoadStudy(ctx context.Context, id string) (*model.StudySnapshot, error)
	ListStudies(ctx context.Context) ([]*StudyInfo, error)
	DeleteStudy(ctx context.Context, id string) error

	// Event log (append-only)
	AppendEvent(ctx context.Context, event *schema.Event) error
	GetEvents(ctx context.Context, studyID string, since int64) ([]*schema.Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.Event, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
