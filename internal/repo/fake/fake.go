// Package fake provides in-memory repo.StepStore and repo.VelocityStore
// implementations for unit-testing the scheduler and state machine
// without a live Postgres instance.
package fake

import (
	"context"
	"sort"
	"sync"

	"github.com/buelon-hub/pipehub/internal/domain"
	"github.com/buelon-hub/pipehub/internal/repo"
)

type StepStore struct {
	mu   sync.Mutex
	rows map[string]domain.Row
}

func NewStepStore() *StepStore {
	return &StepStore{rows: map[string]domain.Row{}}
}

func (s *StepStore) Insert(ctx context.Context, row domain.Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.rows[row.ID]; exists {
		return nil
	}
	s.rows[row.ID] = row
	return nil
}

func (s *StepStore) InsertBatch(ctx context.Context, rows []domain.Row) error {
	for _, row := range rows {
		if err := s.Insert(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

func (s *StepStore) UpdateStatus(ctx context.Context, id string, status domain.Status, epoch int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return repo.ErrNotFound
	}
	row.Status = status
	row.Epoch = epoch
	s.rows[id] = row
	return nil
}

func (s *StepStore) UpdateStatusBatch(ctx context.Context, ids []string, status domain.Status, epoch int64) error {
	for _, id := range ids {
		if err := s.UpdateStatus(ctx, id, status, epoch); err != nil {
			return err
		}
	}
	return nil
}

func (s *StepStore) UpdateError(ctx context.Context, id string, epoch int64, msg, trace string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return repo.ErrNotFound
	}
	row.Status = domain.StatusError
	row.Epoch = epoch
	row.Msg = msg
	row.Trace = trace
	s.rows[id] = row
	return nil
}

func (s *StepStore) Select(ctx context.Context, filter repo.SelectionFilter) ([]domain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scopes := map[string]struct{}{}
	for _, scope := range filter.Scopes {
		scopes[scope] = struct{}{}
	}

	var out []domain.Row
	for _, row := range s.rows {
		if _, ok := scopes[row.Scope]; !ok {
			continue
		}
		matches := row.Status == filter.Status
		if !matches && filter.IncludeWorking && row.Status == domain.StatusWorking && row.Epoch < filter.WorkingBefore {
			matches = true
		}
		if matches {
			out = append(out, row)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			if filter.Reverse {
				return out[i].Priority < out[j].Priority
			}
			return out[i].Priority > out[j].Priority
		}
		return out[i].Epoch < out[j].Epoch
	})

	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *StepStore) Lease(ctx context.Context, ids []string, epoch int64) error {
	return s.UpdateStatusBatch(ctx, ids, domain.StatusWorking, epoch)
}

func (s *StepStore) Get(ctx context.Context, id string) (domain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return domain.Row{}, repo.ErrNotFound
	}
	return row, nil
}

func (s *StepStore) GetBatch(ctx context.Context, ids []string) ([]domain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Row
	for _, id := range ids {
		if row, ok := s.rows[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *StepStore) CountByStatus(ctx context.Context, includeTerminal bool) (map[domain.Status]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[domain.Status]int{}
	for _, row := range s.rows {
		if !includeTerminal && row.Status.IsTerminal() {
			continue
		}
		out[row.Status]++
	}
	return out, nil
}

func (s *StepStore) SelectByStatus(ctx context.Context, status domain.Status, includeWorking bool, limit int) ([]domain.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Row
	for _, row := range s.rows {
		if row.Status == status || (includeWorking && row.Status == domain.StatusWorking) {
			out = append(out, row)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *StepStore) Delete(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.rows, id)
	}
	return nil
}

// All returns a snapshot of every row, for test assertions.
func (s *StepStore) All() []domain.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Row, 0, len(s.rows))
	for _, row := range s.rows {
		out = append(out, row)
	}
	return out
}

type VelocityStore struct {
	mu   sync.Mutex
	rows map[string]domain.TagVelocity
}

func NewVelocityStore() *VelocityStore {
	return &VelocityStore{rows: map[string]domain.TagVelocity{}}
}

func (v *VelocityStore) Get(ctx context.Context, tag string) (domain.TagVelocity, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	row, ok := v.rows[tag]
	return row, ok, nil
}

func (v *VelocityStore) All(ctx context.Context) ([]domain.TagVelocity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.TagVelocity, 0, len(v.rows))
	for _, row := range v.rows {
		out = append(out, row)
	}
	return out, nil
}

func (v *VelocityStore) Upsert(ctx context.Context, row domain.TagVelocity) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rows[row.Tag] = row
	return nil
}
