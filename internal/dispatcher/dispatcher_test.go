package dispatcher

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/buelon-hub/pipehub/internal/blobstore"
	"github.com/buelon-hub/pipehub/internal/domain"
	"github.com/buelon-hub/pipehub/internal/hub"
	"github.com/buelon-hub/pipehub/internal/hubclient"
	"github.com/buelon-hub/pipehub/internal/platform/txqueue"
	"github.com/buelon-hub/pipehub/internal/repo/fake"
)

func startTestDispatcher(t *testing.T) (addr string, h *hub.Hub, stop func()) {
	t.Helper()
	dir := t.TempDir()
	queue, err := txqueue.Open(dir)
	if err != nil {
		t.Fatalf("txqueue.Open() err=%v", err)
	}
	steps := fake.NewStepStore()
	vel := fake.NewVelocityStore()
	blobs := blobstore.New(blobstore.NewFakeStore())
	h = hub.New(steps, vel, blobs, queue, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ln, err := Listen(ctx, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() err=%v", err)
	}
	addr = ln.Addr().String()

	d := New(h, nil)
	go d.Serve(ctx, ln)
	go d.RunExecutor(ctx)

	return addr, h, func() {
		cancel()
		queue.Close()
	}
}

func TestDispatcherUploadAndGetSteps(t *testing.T) {
	addr, h, stop := startTestDispatcher(t)
	defer stop()

	c := hubclient.New(addr, 2*time.Second)

	step := domain.Step{ID: "A", Priority: 1, Scope: "s"}
	body, _ := json.Marshal([]any{step, int(domain.StatusPending)})
	if _, err := c.Call("upload-step", body); err != nil {
		t.Fatalf("upload-step err=%v", err)
	}

	waitForExecutorDrain(t, h)

	ids, err := c.GetSteps([]string{"s"}, 1, false)
	if err != nil {
		t.Fatalf("GetSteps() err=%v", err)
	}
	if len(ids) != 1 || ids[0] != "A" {
		t.Fatalf("GetSteps() = %v, want [A]", ids)
	}
}

func TestDispatcherDoneAck(t *testing.T) {
	addr, h, stop := startTestDispatcher(t)
	defer stop()
	ctx := context.Background()

	h.Steps.Insert(ctx, domain.Row{ID: "A", Status: domain.StatusWorking})
	c := hubclient.New(addr, 2*time.Second)

	if err := c.Done("A"); err != nil {
		t.Fatalf("Done() err=%v", err)
	}

	waitForExecutorDrain(t, h)

	row, err := h.Steps.Get(ctx, "A")
	if err != nil || row.Status != domain.StatusSuccess {
		t.Fatalf("Get(A) = %+v err=%v, want success", row, err)
	}
}

func waitForExecutorDrain(t *testing.T, h *hub.Hub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := h.Queue.Size(context.Background())
		if err == nil && n == 0 {
			time.Sleep(20 * time.Millisecond) // let the in-flight DrainOne finish applying
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("executor did not drain the transaction queue in time")
}
