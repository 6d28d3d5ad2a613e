// Package repo defines the metadata-store contract the scheduler and
// state-machine executor depend on, independent of the backing engine.
package repo

import (
	"context"
	"errors"

	"github.com/buelon-hub/pipehub/internal/domain"
)

// ErrNotFound is returned when a lookup by id finds no row.
var ErrNotFound = errors.New("repo: not found")

// SelectionFilter describes the scheduler's candidate query: rows whose
// scope is in Scopes and whose status is Status, or (if IncludeWorking)
// whose status is working and whose epoch is older than WorkingBefore.
type SelectionFilter struct {
	Scopes         []string
	Status         domain.Status
	IncludeWorking bool
	WorkingBefore  int64
	Reverse        bool
	Limit          int
}

// StepStore is the metadata store's contract over step runtime rows.
type StepStore interface {
	Insert(ctx context.Context, row domain.Row) error
	InsertBatch(ctx context.Context, rows []domain.Row) error
	UpdateStatus(ctx context.Context, id string, status domain.Status, epoch int64) error
	UpdateStatusBatch(ctx context.Context, ids []string, status domain.Status, epoch int64) error
	UpdateError(ctx context.Context, id string, epoch int64, msg, trace string) error
	Select(ctx context.Context, filter SelectionFilter) ([]domain.Row, error)
	Lease(ctx context.Context, ids []string, epoch int64) error
	Get(ctx context.Context, id string) (domain.Row, error)
	GetBatch(ctx context.Context, ids []string) ([]domain.Row, error)
	CountByStatus(ctx context.Context, includeTerminal bool) (map[domain.Status]int, error)
	SelectByStatus(ctx context.Context, status domain.Status, includeWorking bool, limit int) ([]domain.Row, error)
	Delete(ctx context.Context, ids []string) error
}

// VelocityStore is the metadata store's contract over tag velocity rows.
type VelocityStore interface {
	Get(ctx context.Context, tag string) (domain.TagVelocity, bool, error)
	All(ctx context.Context) ([]domain.TagVelocity, error)
	Upsert(ctx context.Context, row domain.TagVelocity) error
}
