// Package scheduler implements get-steps: candidate selection, ordering,
// tag-velocity admission, and atomic leasing, per spec.md §4.6.
package scheduler

import (
	"context"
	"fmt"

	"github.com/buelon-hub/pipehub/internal/domain"
	"github.com/buelon-hub/pipehub/internal/repo"
	"github.com/buelon-hub/pipehub/internal/velocity"
)

// LeaseSeconds is the stuck-work reclaim threshold: 0.2 hours.
const LeaseSeconds = int64(0.2 * 3600)

// candidateOverfetch is the factor by which the candidate query exceeds
// limit (capped at maxCandidates): GetSteps pulls limit*candidateOverfetch
// ordered candidates and stops there even if velocity admission has not
// filled limit. Velocity-throttled tags can make the first N rows
// all inadmissible, so we look a little further than limit without
// scanning the whole table.
const candidateOverfetch = 8

const maxCandidates = 2000

// Scheduler wires the metadata store's step/velocity rows to the
// in-memory tag-velocity governor to implement get-steps.
type Scheduler struct {
	Steps    repo.StepStore
	Velocity repo.VelocityStore
	Governor *velocity.Governor
	NowFunc  func() int64
}

// New returns a Scheduler. nowFunc supplies the current epoch (unix
// seconds); tests can inject a fixed clock.
func New(steps repo.StepStore, vel repo.VelocityStore, gov *velocity.Governor, nowFunc func() int64) *Scheduler {
	return &Scheduler{Steps: steps, Velocity: vel, Governor: gov, NowFunc: nowFunc}
}

// GetSteps selects up to limit steps in status (pending, unless the
// caller overrides it) — optionally also stale-working steps — within
// scopes, admits them through the tag-velocity governor, and leases the
// admitted set by setting status=working, epoch=now.
func (s *Scheduler) GetSteps(ctx context.Context, scopes []string, limit int, status domain.Status, includeWorking bool, reverse bool) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := s.NowFunc()

	candidateLimit := limit * candidateOverfetch
	if candidateLimit > maxCandidates {
		candidateLimit = maxCandidates
	}

	filter := repo.SelectionFilter{
		Scopes:         scopes,
		Status:         status,
		IncludeWorking: includeWorking,
		WorkingBefore:  now - LeaseSeconds,
		Reverse:        reverse,
		Limit:          candidateLimit,
	}
	candidates, err := s.Steps.Select(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("scheduler: select candidates: %w", err)
	}

	limitsByTag, err := s.velocityLimits(ctx)
	if err != nil {
		return nil, err
	}

	admitted := make([]string, 0, limit)
	for _, row := range candidates {
		if len(admitted) >= limit {
			break
		}
		var lim *int
		if v, ok := limitsByTag[row.Tag]; ok {
			lim = &v
		}
		if !s.Governor.Admit(row.Tag, lim) {
			continue
		}
		admitted = append(admitted, row.ID)
	}

	if len(admitted) == 0 {
		return nil, nil
	}
	if err := s.Steps.Lease(ctx, admitted, now); err != nil {
		return nil, fmt.Errorf("scheduler: lease: %w", err)
	}
	return admitted, nil
}

func (s *Scheduler) velocityLimits(ctx context.Context) (map[string]int, error) {
	rows, err := s.Velocity.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: load velocity limits: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, r := range rows {
		out[r.Tag] = r.VelocityLimit
	}
	return out, nil
}
