package hub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/buelon-hub/pipehub/internal/blobstore"
	"github.com/buelon-hub/pipehub/internal/domain"
	"github.com/buelon-hub/pipehub/internal/platform/txqueue"
	"github.com/buelon-hub/pipehub/internal/repo/fake"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	dir := t.TempDir()
	queue, err := txqueue.Open(dir)
	if err != nil {
		t.Fatalf("txqueue.Open() err=%v", err)
	}
	steps := fake.NewStepStore()
	vel := fake.NewVelocityStore()
	blobs := blobstore.New(blobstore.NewFakeStore())
	h := New(steps, vel, blobs, queue, nil)
	return h, dir
}

func TestUploadStepThenDoneThenGetSteps(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)

	a := domain.Step{ID: "A", Priority: 1, Scope: "s", Children: []string{"B"}}
	b := domain.Step{ID: "B", Priority: 1, Scope: "s", Parents: []string{"A"}}

	mustUpload(t, h, ctx, a, domain.StatusPending)
	mustUpload(t, h, ctx, b, domain.StatusQueued)
	drainAll(t, h, ctx)

	getReply, err := h.HandleRead(ctx, "get-steps", mustJSON(t, []any{[]string{"s"}, map[string]any{"limit": 1}}))
	if err != nil {
		t.Fatalf("get-steps err=%v", err)
	}
	var ids []string
	if err := json.Unmarshal(getReply, &ids); err != nil {
		t.Fatalf("decode get-steps reply: %v", err)
	}
	if len(ids) != 1 || ids[0] != "A" {
		t.Fatalf("get-steps = %v, want [A]", ids)
	}

	if err := h.EnqueueMutation(ctx, "done", []byte("A")); err != nil {
		t.Fatalf("EnqueueMutation(done) err=%v", err)
	}
	drainAll(t, h, ctx)

	row, err := h.Steps.Get(ctx, "B")
	if err != nil || row.Status != domain.StatusPending {
		t.Fatalf("Get(B) = %+v err=%v, want pending", row, err)
	}
}

func TestHandleReadStepCount(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)

	h.Steps.InsertBatch(ctx, []domain.Row{
		{ID: "a", Status: domain.StatusPending},
		{ID: "b", Status: domain.StatusPending},
		{ID: "c", Status: domain.StatusSuccess},
	})

	reply, err := h.HandleRead(ctx, "step-count", mustJSON(t, map[string]string{"types": "pending"}))
	if err != nil {
		t.Fatalf("step-count err=%v", err)
	}
	var counts map[string]int
	if err := json.Unmarshal(reply, &counts); err != nil {
		t.Fatalf("decode step-count reply: %v", err)
	}
	if counts["pending"] != 2 {
		t.Fatalf("step-count pending = %d, want 2", counts["pending"])
	}
	if _, ok := counts["success"]; ok {
		t.Fatalf("step-count with types!='*' must exclude success, got %v", counts)
	}
}

func TestHandleReadFetchErrorsExcludesSubstring(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)

	h.Steps.InsertBatch(ctx, []domain.Row{
		{ID: "e1", Status: domain.StatusError, Msg: "connection refused", Epoch: 1},
		{ID: "e2", Status: domain.StatusError, Msg: "out of memory", Epoch: 2},
	})

	reply, err := h.HandleRead(ctx, "fetch-errors", mustJSON(t, map[string]any{"count": 10, "exclude": "refused"}))
	if err != nil {
		t.Fatalf("fetch-errors err=%v", err)
	}
	var out struct {
		Total int              `json:"total"`
		Count int              `json:"count"`
		Table []map[string]any `json:"table"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("decode fetch-errors reply: %v", err)
	}
	if out.Total != 2 {
		t.Fatalf("fetch-errors total = %d, want 2", out.Total)
	}
	if out.Count != 1 || out.Table[0]["id"] != "e2" {
		t.Fatalf("fetch-errors table = %v, want only e2", out.Table)
	}
}

func TestHandleReadFetchRowsCommaSeparated(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)

	h.Steps.InsertBatch(ctx, []domain.Row{
		{ID: "a", Status: domain.StatusPending},
		{ID: "b", Status: domain.StatusWorking},
	})

	reply, err := h.HandleRead(ctx, "fetch-rows", mustJSON(t, map[string]string{"step_id": "a, b"}))
	if err != nil {
		t.Fatalf("fetch-rows err=%v", err)
	}
	var rows []map[string]any
	if err := json.Unmarshal(reply, &rows); err != nil {
		t.Fatalf("decode fetch-rows reply: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("fetch-rows = %v, want 2 rows", rows)
	}
	statuses := map[string]string{}
	for _, r := range rows {
		statuses[r["id"].(string)] = r["status"].(string)
	}
	if statuses["a"] != "pending" || statuses["b"] != "working" {
		t.Fatalf("fetch-rows statuses = %v", statuses)
	}
}

func TestHandleDeleteStepsWipesAllRows(t *testing.T) {
	ctx := context.Background()
	h, _ := newTestHub(t)

	h.Steps.InsertBatch(ctx, []domain.Row{
		{ID: "a", Status: domain.StatusPending},
		{ID: "b", Status: domain.StatusSuccess},
	})

	reply, err := h.HandleRead(ctx, "delete-steps", []byte("anything"))
	if err != nil {
		t.Fatalf("delete-steps err=%v", err)
	}
	var out struct {
		Deleted int `json:"deleted"`
	}
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatalf("decode delete-steps reply: %v", err)
	}
	if out.Deleted != 2 {
		t.Fatalf("delete-steps deleted=%d, want 2", out.Deleted)
	}
	if len(h.Steps.(interface{ All() []domain.Row }).All()) != 0 {
		t.Fatalf("rows remain after delete-steps")
	}
}

func mustUpload(t *testing.T, h *Hub, ctx context.Context, step domain.Step, status domain.Status) {
	t.Helper()
	body := mustJSON(t, []any{step, int(status)})
	if err := h.EnqueueMutation(ctx, "upload-step", body); err != nil {
		t.Fatalf("EnqueueMutation(upload-step) err=%v", err)
	}
}

func drainAll(t *testing.T, h *Hub, ctx context.Context) {
	t.Helper()
	for {
		applied, err := h.DrainOne(ctx)
		if err != nil {
			t.Fatalf("DrainOne() err=%v", err)
		}
		if !applied {
			return
		}
	}
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json.Marshal() err=%v", err)
	}
	return raw
}
