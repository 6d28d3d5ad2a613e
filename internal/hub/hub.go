// Package hub wires the metadata store, blob store, durable transaction
// queue, scheduler, tag-velocity governor, and state-machine executor
// into the single object the dispatcher calls into. It implements the
// read path (synchronous) and write path (durable-queued ack) described
// in spec.md §4.4, and the mutation/read method bodies of §6.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/buelon-hub/pipehub/internal/blobstore"
	"github.com/buelon-hub/pipehub/internal/domain"
	"github.com/buelon-hub/pipehub/internal/platform/txqueue"
	"github.com/buelon-hub/pipehub/internal/repo"
	"github.com/buelon-hub/pipehub/internal/scheduler"
	"github.com/buelon-hub/pipehub/internal/statemachine"
	"github.com/buelon-hub/pipehub/internal/velocity"
)

// Hub is the single object the dispatcher's processor and executor
// threads call into. It holds no connection state of its own.
type Hub struct {
	Steps     repo.StepStore
	Velocity  repo.VelocityStore
	Blobs     *blobstore.Client
	Queue     *txqueue.Queue
	Machine   *statemachine.Machine
	Scheduler *scheduler.Scheduler
	Governor  *velocity.Governor
	NowFunc   func() int64
	Log       *slog.Logger
}

// New wires a Hub from its already-constructed dependencies.
func New(steps repo.StepStore, vel repo.VelocityStore, blobs *blobstore.Client, queue *txqueue.Queue, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	now := func() int64 { return time.Now().Unix() }
	gov := velocity.New()
	return &Hub{
		Steps:     steps,
		Velocity:  vel,
		Blobs:     blobs,
		Queue:     queue,
		Machine:   statemachine.New(steps, blobs, now, log),
		Scheduler: scheduler.New(steps, vel, gov, now),
		Governor:  gov,
		NowFunc:   now,
		Log:       log,
	}
}

// EnqueueMutation durably records a mutating request and returns once
// it is committed to the transaction queue; spec.md §4.4's dispatcher
// replies "ok" as soon as this returns without error.
func (h *Hub) EnqueueMutation(ctx context.Context, method string, body []byte) error {
	return h.Queue.Enqueue(ctx, method, body, h.NowFunc())
}

// RunExecutor drains the durable transaction queue and applies each
// mutation serially, giving total ordering of state transitions per
// spec.md §5. It blocks until ctx is cancelled.
func (h *Hub) RunExecutor(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for {
				applied, err := h.DrainOne(ctx)
				if err != nil {
					h.Log.Error("hub: executor: dequeue failed", "error", err)
					break
				}
				if !applied {
					break
				}
			}
		}
	}
}

// DrainOne applies at most one durable-queue item, reporting whether one
// was available. It peeks the item, applies it, and only then acks
// (deletes) it from the durable queue — never the reverse — so a crash
// mid-apply leaves the item in place to be redelivered by the next
// DrainOne instead of lost, per spec.md §4.3. Exposed for tests that
// want deterministic, synchronous control over the executor instead of
// waiting on RunExecutor's ticker.
func (h *Hub) DrainOne(ctx context.Context) (bool, error) {
	item, ok, err := h.Queue.Peek(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	h.applyMutation(ctx, item)
	if err := h.Queue.Ack(ctx, item.Seq); err != nil {
		return false, fmt.Errorf("hub: executor: ack seq %d: %w", item.Seq, err)
	}
	return true, nil
}

func (h *Hub) applyMutation(ctx context.Context, item txqueue.Item) {
	var body []byte
	if err := json.Unmarshal(item.Payload, &body); err != nil {
		h.Log.Error("hub: executor: corrupt queue item, dropping", "method", item.Method, "error", err)
		return
	}

	var err error
	switch item.Method {
	case "upload-step":
		var step domain.Step
		var status domain.Status
		step, status, err = decodeUploadStep(body)
		if err == nil {
			err = h.Machine.UploadStep(ctx, step, status)
		}
	case "upload-steps":
		var steps []domain.Step
		var statuses []domain.Status
		steps, statuses, err = decodeUploadSteps(body)
		if err == nil {
			err = h.Machine.UploadSteps(ctx, steps, statuses)
		}
	case "pending":
		err = h.Machine.Pending(ctx, string(body))
	case "done":
		err = h.Machine.Done(ctx, string(body))
	case "cancel":
		err = h.Machine.Cancel(ctx, string(body))
	case "reset":
		err = h.Machine.Reset(ctx, string(body))
	case "error":
		var eb errorBody
		eb, err = decodeError(body)
		if err == nil {
			err = h.Machine.Error(ctx, eb.StepID, eb.Msg, eb.Trace)
		}
	case "reset-errors":
		err = h.Machine.ResetErrors(ctx, decodeResetErrors(body))
	default:
		err = fmt.Errorf("hub: executor: unknown mutating method %q", item.Method)
	}

	// spec.md §7: an application error applying a mutation is logged,
	// never surfaced — the client's ack has already been sent.
	if err != nil {
		h.Log.Error("hub: executor: apply failed", "method", item.Method, "error", err)
	}
}

// HandleRead executes a read/admin method synchronously and returns its
// serialized JSON response.
func (h *Hub) HandleRead(ctx context.Context, method string, body []byte) ([]byte, error) {
	switch method {
	case "get-steps":
		return h.handleGetSteps(ctx, body)
	case "step-count":
		return h.handleStepCount(ctx, body)
	case "fetch-errors":
		return h.handleFetchErrors(ctx, body)
	case "fetch-rows":
		return h.handleFetchRows(ctx, body)
	case "delete-steps":
		return h.handleDeleteSteps(ctx, body)
	default:
		return nil, fmt.Errorf("hub: unknown read method %q", method)
	}
}

func (h *Hub) handleGetSteps(ctx context.Context, body []byte) ([]byte, error) {
	scopes, opts, err := decodeGetSteps(body)
	if err != nil {
		return nil, err
	}
	includeWorking := true
	if opts.IncludeWorking != nil {
		includeWorking = *opts.IncludeWorking
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = opts.ChunkSize
	}
	status := domain.StatusPending
	if opts.Status != "" {
		parsed, ok := domain.ParseStatus(opts.Status)
		if !ok {
			return nil, fmt.Errorf("hub: get-steps: unknown status %q", opts.Status)
		}
		status = parsed
	}
	ids, err := h.Scheduler.GetSteps(ctx, scopes, limit, status, includeWorking, opts.Reverse)
	if err != nil {
		return nil, err
	}
	if ids == nil {
		ids = []string{}
	}
	return json.Marshal(ids)
}

func (h *Hub) handleStepCount(ctx context.Context, body []byte) ([]byte, error) {
	sc, err := decodeStepCount(body)
	if err != nil {
		return nil, err
	}
	counts, err := h.Steps.CountByStatus(ctx, sc.Types == "*")
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(counts))
	for status, n := range counts {
		out[status.String()] = n
	}
	return json.Marshal(out)
}

func (h *Hub) handleFetchErrors(ctx context.Context, body []byte) ([]byte, error) {
	count, excludesRaw, err := decodeFetchErrors(body)
	if err != nil {
		return nil, err
	}
	excludes := make([]string, len(excludesRaw))
	for i, ex := range excludesRaw {
		excludes[i] = strings.ToLower(sanitizeExclude(ex))
	}

	all, err := h.Steps.SelectByStatus(ctx, domain.StatusError, false, 0)
	if err != nil {
		return nil, err
	}
	total := len(all)

	sort.Slice(all, func(i, j int) bool { return all[i].Epoch < all[j].Epoch })

	rows := make([]map[string]any, 0, count)
	for _, row := range all {
		if len(rows) >= count {
			break
		}
		if matchesExclude(row, excludes) {
			continue
		}
		step, err := h.Blobs.GetStep(ctx, row.ID)
		var stepPtr *domain.Step
		if err == nil {
			stepPtr = &step
		} else {
			h.Log.Warn("hub: fetch-errors: step blob unavailable, returning row without definition", "id", row.ID, "error", err)
		}
		rows = append(rows, rowJSON(row, stepPtr))
	}

	return json.Marshal(map[string]any{
		"total": total,
		"count": len(rows),
		"table": rows,
	})
}

func matchesExclude(row domain.Row, excludes []string) bool {
	if len(excludes) == 0 {
		return false
	}
	haystack := strings.ToLower(row.Msg + "\n" + row.Trace)
	for _, ex := range excludes {
		if ex != "" && strings.Contains(haystack, ex) {
			return true
		}
	}
	return false
}

func (h *Hub) handleFetchRows(ctx context.Context, body []byte) ([]byte, error) {
	ids, err := decodeFetchRows(body)
	if err != nil {
		return nil, err
	}
	rows, err := h.Steps.GetBatch(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(rows))
	for i, row := range rows {
		out[i] = rowJSON(row, nil)
	}
	return json.Marshal(out)
}

// handleDeleteSteps wipes every row in the metadata store. spec.md §6
// specifies the body is "any non-empty body, ignored"; §3's lifecycle
// note ("rows are deleted en masse by an administrative delete-steps")
// is the basis for treating this as an unconditional full wipe rather
// than a filtered delete — see DESIGN.md.
func (h *Hub) handleDeleteSteps(ctx context.Context, body []byte) ([]byte, error) {
	var ids []string
	for status := domain.StatusQueued; status <= domain.StatusCancel; status++ {
		rows, err := h.Steps.SelectByStatus(ctx, status, false, 0)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			ids = append(ids, row.ID)
		}
	}
	if len(ids) == 0 {
		return json.Marshal(map[string]any{"deleted": 0})
	}
	if err := h.Steps.Delete(ctx, ids); err != nil {
		return nil, err
	}
	return json.Marshal(map[string]any{"deleted": len(ids)})
}
