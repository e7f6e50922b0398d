package store

import (
	"context"
	"time"

	"github.com/rendis/convo/pkg/schema"
)

// RunStore persists run records. FindActive returns (nil, nil) when the
// conversation has no RUNNING or WAITING run.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	FindActive(ctx context.Context, conv Conversation) (*Run, error)
	ListExpired(ctx context.Context, now time.Time) ([]*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
}

// GraphStore persists graph documents by id.
type GraphStore interface {
	SaveGraph(ctx context.Context, g *schema.Graph) error
	GetGraph(ctx context.Context, id string) (*schema.Graph, error)
	ListGraphs(ctx context.Context) ([]*GraphInfo, error)
}

// EventStore is the append-only lifecycle log.
type EventStore interface {
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID string, since int64) ([]*Event, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	RunStore
	GraphStore
	EventStore

	Migrate(ctx context.Context) error
	Close() error
}
