package scheduler

import (
	"context"
	"testing"

	"github.com/buelon-hub/pipehub/internal/domain"
	"github.com/buelon-hub/pipehub/internal/repo/fake"
	"github.com/buelon-hub/pipehub/internal/velocity"
)

func fixedClock(t int64) func() int64 {
	return func() int64 { return t }
}

func TestGetStepsOrdersByPriorityThenEpoch(t *testing.T) {
	steps := fake.NewStepStore()
	ctx := context.Background()
	steps.InsertBatch(ctx, []domain.Row{
		{ID: "low", Priority: 1, Scope: "s", Status: domain.StatusPending, Epoch: 10},
		{ID: "high", Priority: 5, Scope: "s", Status: domain.StatusPending, Epoch: 20},
		{ID: "high-earlier", Priority: 5, Scope: "s", Status: domain.StatusPending, Epoch: 5},
	})
	vel := fake.NewVelocityStore()
	gov := velocity.New()
	sched := New(steps, vel, gov, fixedClock(1000))

	got, err := sched.GetSteps(ctx, []string{"s"}, 3, domain.StatusPending, true, false)
	if err != nil {
		t.Fatalf("GetSteps() err=%v", err)
	}
	want := []string{"high-earlier", "high", "low"}
	if len(got) != len(want) {
		t.Fatalf("GetSteps() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("GetSteps() = %v, want %v", got, want)
		}
	}
}

func TestGetStepsLeasesSelectedRows(t *testing.T) {
	steps := fake.NewStepStore()
	ctx := context.Background()
	steps.Insert(ctx, domain.Row{ID: "a", Priority: 1, Scope: "s", Status: domain.StatusPending, Epoch: 1})
	vel := fake.NewVelocityStore()
	gov := velocity.New()
	sched := New(steps, vel, gov, fixedClock(500))

	got, err := sched.GetSteps(ctx, []string{"s"}, 1, domain.StatusPending, true, false)
	if err != nil || len(got) != 1 {
		t.Fatalf("GetSteps() = %v, err=%v", got, err)
	}

	row, err := steps.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get() err=%v", err)
	}
	if row.Status != domain.StatusWorking || row.Epoch != 500 {
		t.Fatalf("Get() after lease = %+v, want working@500", row)
	}
}

func TestGetStepsIncludesStaleWorking(t *testing.T) {
	steps := fake.NewStepStore()
	ctx := context.Background()
	now := int64(10_000)
	steps.Insert(ctx, domain.Row{ID: "stuck", Priority: 1, Scope: "s", Status: domain.StatusWorking, Epoch: now - LeaseSeconds - 1})
	steps.Insert(ctx, domain.Row{ID: "fresh", Priority: 1, Scope: "s", Status: domain.StatusWorking, Epoch: now - 10})
	vel := fake.NewVelocityStore()
	gov := velocity.New()
	sched := New(steps, vel, gov, fixedClock(now))

	got, err := sched.GetSteps(ctx, []string{"s"}, 10, domain.StatusPending, true, false)
	if err != nil {
		t.Fatalf("GetSteps() err=%v", err)
	}
	if len(got) != 1 || got[0] != "stuck" {
		t.Fatalf("GetSteps() = %v, want [stuck]", got)
	}
}

func TestGetStepsVelocityAdmissionSkipsOverLimit(t *testing.T) {
	steps := fake.NewStepStore()
	ctx := context.Background()
	steps.InsertBatch(ctx, []domain.Row{
		{ID: "a", Priority: 5, Scope: "s", Tag: "hot", Status: domain.StatusPending, Epoch: 1},
		{ID: "b", Priority: 4, Scope: "s", Tag: "hot", Status: domain.StatusPending, Epoch: 2},
		{ID: "c", Priority: 3, Scope: "s", Tag: "cold", Status: domain.StatusPending, Epoch: 3},
	})
	vel := fake.NewVelocityStore()
	vel.Upsert(ctx, domain.TagVelocity{Tag: "hot", VelocityLimit: 1})
	gov := velocity.New()
	sched := New(steps, vel, gov, fixedClock(1))

	got, err := sched.GetSteps(ctx, []string{"s"}, 10, domain.StatusPending, true, false)
	if err != nil {
		t.Fatalf("GetSteps() err=%v", err)
	}
	want := map[string]bool{"a": true, "c": true}
	if len(got) != 2 {
		t.Fatalf("GetSteps() = %v, want 2 admitted ids", got)
	}
	for _, id := range got {
		if !want[id] {
			t.Fatalf("GetSteps() admitted unexpected id %q (b should be throttled)", id)
		}
	}
}

func TestGetStepsReverseOrdering(t *testing.T) {
	steps := fake.NewStepStore()
	ctx := context.Background()
	steps.InsertBatch(ctx, []domain.Row{
		{ID: "low", Priority: 1, Scope: "s", Status: domain.StatusPending, Epoch: 1},
		{ID: "high", Priority: 5, Scope: "s", Status: domain.StatusPending, Epoch: 2},
	})
	vel := fake.NewVelocityStore()
	gov := velocity.New()
	sched := New(steps, vel, gov, fixedClock(1))

	got, err := sched.GetSteps(ctx, []string{"s"}, 1, domain.StatusPending, true, true)
	if err != nil {
		t.Fatalf("GetSteps() err=%v", err)
	}
	if len(got) != 1 || got[0] != "low" {
		t.Fatalf("GetSteps() reverse = %v, want [low]", got)
	}
}

func TestGetStepsEmptyWhenNoCandidates(t *testing.T) {
	steps := fake.NewStepStore()
	vel := fake.NewVelocityStore()
	gov := velocity.New()
	sched := New(steps, vel, gov, fixedClock(1))

	got, err := sched.GetSteps(context.Background(), []string{"s"}, 5, domain.StatusPending, true, false)
	if err != nil {
		t.Fatalf("GetSteps() err=%v", err)
	}
	if len(got) != 0 {
		t.Fatalf("GetSteps() = %v, want empty", got)
	}
}
