// Package statemachine applies step mutations against the metadata
// store, walking the dependency DAG stored in the blob store when a
// transition (done/cancel/reset) must propagate, per spec.md §4.5.
//
// Every Apply call corresponds to one durable-queue item; the executor
// that drains internal/platform/txqueue is expected to call Apply
// exactly once per dequeued item and treat any returned error as a
// logged, non-fatal failure of that one mutation (spec.md §7: an
// application error must never be surfaced back to the client that
// already received its ack).
package statemachine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/buelon-hub/pipehub/internal/blobstore"
	"github.com/buelon-hub/pipehub/internal/domain"
	"github.com/buelon-hub/pipehub/internal/repo"
)

// Machine applies mutations to Steps (metadata) and Blobs (DAG edges +
// payload GC).
type Machine struct {
	Steps   repo.StepStore
	Blobs   *blobstore.Client
	NowFunc func() int64
	Log     *slog.Logger
}

func New(steps repo.StepStore, blobs *blobstore.Client, nowFunc func() int64, log *slog.Logger) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{Steps: steps, Blobs: blobs, NowFunc: nowFunc, Log: log}
}

// UploadStep inserts a new row for a freshly defined step, with the
// caller-supplied initial status (pending for starters, queued
// otherwise — the caller, not the machine, decides that per spec.md
// §3's lifecycle note).
func (m *Machine) UploadStep(ctx context.Context, step domain.Step, status domain.Status) error {
	if err := m.Blobs.PutStep(ctx, step); err != nil {
		return fmt.Errorf("statemachine: put step blob: %w", err)
	}
	if err := m.Steps.Insert(ctx, m.rowFromStep(step, status)); err != nil {
		return fmt.Errorf("statemachine: insert row: %w", err)
	}
	return nil
}

// UploadSteps puts every step's blob, then inserts all of the rows in
// one InsertBatch call instead of one round trip per row, mirroring the
// original worker's own bulk-transaction behavior
// (buelon.hub.bulk_set_data, chunked flushes in worker.py's
// transaction_worker()).
func (m *Machine) UploadSteps(ctx context.Context, steps []domain.Step, statuses []domain.Status) error {
	if len(steps) != len(statuses) {
		return fmt.Errorf("statemachine: upload-steps: %d steps vs %d statuses", len(steps), len(statuses))
	}
	rows := make([]domain.Row, len(steps))
	for i, step := range steps {
		if err := m.Blobs.PutStep(ctx, step); err != nil {
			return fmt.Errorf("statemachine: put step blob %s: %w", step.ID, err)
		}
		rows[i] = m.rowFromStep(step, statuses[i])
	}
	if err := m.Steps.InsertBatch(ctx, rows); err != nil {
		return fmt.Errorf("statemachine: insert rows batch: %w", err)
	}
	return nil
}

func (m *Machine) rowFromStep(step domain.Step, status domain.Status) domain.Row {
	return domain.Row{
		ID:       step.ID,
		Priority: step.Priority,
		Scope:    step.Scope,
		Velocity: step.Velocity,
		Tag:      step.Tag,
		Status:   status,
		Epoch:    m.NowFunc(),
	}
}

// Pending moves id to pending unconditionally.
func (m *Machine) Pending(ctx context.Context, id string) error {
	return m.Steps.UpdateStatus(ctx, id, domain.StatusPending, m.NowFunc())
}

// Done marks id successful and promotes every direct child to pending.
// Per spec.md §4.5 this is not recursive: only direct children move.
func (m *Machine) Done(ctx context.Context, id string) error {
	now := m.NowFunc()
	if err := m.Steps.UpdateStatus(ctx, id, domain.StatusSuccess, now); err != nil {
		return fmt.Errorf("statemachine: done: update %s: %w", id, err)
	}

	step, err := m.Blobs.GetStep(ctx, id)
	if err != nil {
		m.Log.Error("statemachine: done: blob store miss for step definition, DAG propagation skipped", "id", id, "error", err)
		return fmt.Errorf("statemachine: done: fetch step blob %s: %w", id, err)
	}
	if len(step.Children) > 0 {
		if err := m.Steps.UpdateStatusBatch(ctx, step.Children, domain.StatusPending, now); err != nil {
			return fmt.Errorf("statemachine: done: promote children of %s: %w", id, err)
		}
	}
	m.maybeGC(ctx, id, step)
	return nil
}

// Error marks id errored with msg/trace.
func (m *Machine) Error(ctx context.Context, id, msg, trace string) error {
	return m.Steps.UpdateError(ctx, id, m.NowFunc(), msg, trace)
}

// Cancel marks id cancelled and propagates cancel to every step
// reachable by parent or child edges (the whole connected component),
// visiting each id at most once. The cancelled component is terminal by
// construction once this returns, so it is GC'd the same way a Done
// call GC's the closure it completes.
func (m *Machine) Cancel(ctx context.Context, id string) error {
	visited := map[string]bool{}
	if err := m.propagate(ctx, id, visited, func(ctx context.Context, sid string) error {
		return m.Steps.UpdateStatus(ctx, sid, domain.StatusCancel, m.NowFunc())
	}); err != nil {
		return err
	}

	step, err := m.Blobs.GetStep(ctx, id)
	if err != nil {
		m.Log.Error("statemachine: cancel: blob store miss for step definition, GC skipped", "id", id, "error", err)
		return nil
	}
	m.maybeGC(ctx, id, step)
	return nil
}

// Reset moves id (and every step reachable by parent/child edges) back
// to queued (if it has parents) or pending (if it is a starter).
func (m *Machine) Reset(ctx context.Context, id string) error {
	visited := map[string]bool{}
	return m.propagate(ctx, id, visited, m.resetOne)
}

func (m *Machine) resetOne(ctx context.Context, id string) error {
	step, err := m.Blobs.GetStep(ctx, id)
	if err != nil {
		m.Log.Error("statemachine: reset: blob store miss, skipping row transition", "id", id, "error", err)
		return fmt.Errorf("statemachine: reset: fetch step blob %s: %w", id, err)
	}
	status := domain.StatusPending
	if !step.IsStarter() {
		status = domain.StatusQueued
	}
	return m.Steps.UpdateStatus(ctx, id, status, m.NowFunc())
}

// ResetErrors moves every row in status=error (and optionally working)
// back to pending.
func (m *Machine) ResetErrors(ctx context.Context, includeWorking bool) error {
	now := m.NowFunc()
	errored, err := m.Steps.SelectByStatus(ctx, domain.StatusError, false, 0)
	if err != nil {
		return fmt.Errorf("statemachine: reset-errors: select errors: %w", err)
	}
	ids := rowIDs(errored)

	if includeWorking {
		working, err := m.Steps.SelectByStatus(ctx, domain.StatusWorking, false, 0)
		if err != nil {
			return fmt.Errorf("statemachine: reset-errors: select working: %w", err)
		}
		ids = append(ids, rowIDs(working)...)
	}
	if len(ids) == 0 {
		return nil
	}
	return m.Steps.UpdateStatusBatch(ctx, ids, domain.StatusPending, now)
}

// propagate walks the connected component containing id (via both
// parent and child edges) and applies apply to every step in it,
// cycle-guarded by visited. A blob store miss on any node aborts that
// branch but does not stop visiting the rest of the component.
func (m *Machine) propagate(ctx context.Context, id string, visited map[string]bool, apply func(context.Context, string) error) error {
	if visited[id] {
		return nil
	}
	visited[id] = true

	if err := apply(ctx, id); err != nil {
		m.Log.Error("statemachine: propagate: apply failed", "id", id, "error", err)
	}

	step, err := m.Blobs.GetStep(ctx, id)
	if err != nil {
		m.Log.Error("statemachine: propagate: blob store miss, cannot traverse edges from this id", "id", id, "error", err)
		return nil
	}

	for _, parent := range step.Parents {
		if err := m.propagate(ctx, parent, visited, apply); err != nil {
			return err
		}
	}
	for _, child := range step.Children {
		if err := m.propagate(ctx, child, visited, apply); err != nil {
			return err
		}
	}
	return nil
}

// maybeGC deletes step-data/<id> blobs for id and every step in its
// parent/child closure once the whole closure has reached a terminal
// status (success or cancel). The Step definition blob itself is never
// deleted; only the transient payload at step-data/<id>.
func (m *Machine) maybeGC(ctx context.Context, id string, step domain.Step) {
	visited := map[string]bool{}
	closure := m.closureIDs(ctx, id, visited)

	rows, err := m.Steps.GetBatch(ctx, closure)
	if err != nil {
		m.Log.Error("statemachine: gc: fetch closure rows failed", "id", id, "error", err)
		return
	}
	if len(rows) != len(closure) {
		return // a row in the closure could not be loaded; don't GC an incomplete view
	}
	for _, row := range rows {
		if !row.Status.IsTerminal() {
			return
		}
	}
	for _, sid := range closure {
		if err := m.Blobs.DeleteData(ctx, sid); err != nil {
			m.Log.Error("statemachine: gc: delete step-data failed", "id", sid, "error", err)
		}
	}
}

func (m *Machine) closureIDs(ctx context.Context, id string, visited map[string]bool) []string {
	if visited[id] {
		return nil
	}
	visited[id] = true

	step, err := m.Blobs.GetStep(ctx, id)
	if err != nil {
		m.Log.Error("statemachine: gc: blob store miss while computing closure", "id", id, "error", err)
		return []string{id}
	}

	out := []string{id}
	for _, parent := range step.Parents {
		out = append(out, m.closureIDs(ctx, parent, visited)...)
	}
	for _, child := range step.Children {
		out = append(out, m.closureIDs(ctx, child, visited)...)
	}
	return out
}

func rowIDs(rows []domain.Row) []string {
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	return ids
}
