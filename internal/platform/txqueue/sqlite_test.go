package txqueue

import (
	"context"
	"testing"
)

func TestEnqueuePeekAckFIFO(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, "done", "step-1", 100); err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}
	if err := q.Enqueue(ctx, "done", "step-2", 101); err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}

	item, ok, err := q.Peek(ctx)
	if err != nil || !ok {
		t.Fatalf("Peek() ok=%v err=%v", ok, err)
	}
	if string(item.Payload) != `"step-1"` {
		t.Fatalf("Peek() payload=%s, want step-1", item.Payload)
	}
	if err := q.Ack(ctx, item.Seq); err != nil {
		t.Fatalf("Ack() err=%v", err)
	}

	item, ok, err = q.Peek(ctx)
	if err != nil || !ok {
		t.Fatalf("Peek() ok=%v err=%v", ok, err)
	}
	if string(item.Payload) != `"step-2"` {
		t.Fatalf("Peek() payload=%s, want step-2", item.Payload)
	}
	if err := q.Ack(ctx, item.Seq); err != nil {
		t.Fatalf("Ack() err=%v", err)
	}

	if _, ok, err := q.Peek(ctx); err != nil || ok {
		t.Fatalf("Peek() on empty queue ok=%v err=%v", ok, err)
	}
}

// TestUnackedItemSurvivesCrashWindow models a process dying between Peek
// and Ack: the item must still be there for the next Peek, not lost.
func TestUnackedItemSurvivesCrashWindow(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer q.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, "done", "step-1", 100); err != nil {
		t.Fatalf("Enqueue() err=%v", err)
	}

	item, ok, err := q.Peek(ctx)
	if err != nil || !ok {
		t.Fatalf("Peek() ok=%v err=%v", ok, err)
	}
	// simulate a crash here: apply is never acked

	item2, ok, err := q.Peek(ctx)
	if err != nil || !ok {
		t.Fatalf("Peek() after simulated crash ok=%v err=%v", ok, err)
	}
	if item2.Seq != item.Seq || string(item2.Payload) != string(item.Payload) {
		t.Fatalf("Peek() after simulated crash returned a different item: %+v want %+v", item2, item)
	}

	if err := q.Ack(ctx, item2.Seq); err != nil {
		t.Fatalf("Ack() err=%v", err)
	}
	if _, ok, err := q.Peek(ctx); err != nil || ok {
		t.Fatalf("Peek() after Ack ok=%v err=%v", ok, err)
	}
}

func TestSizeTracksPendingItems(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() err=%v", err)
	}
	defer q.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, "pending", "x", 0); err != nil {
			t.Fatalf("Enqueue() err=%v", err)
		}
	}
	n, err := q.Size(ctx)
	if err != nil {
		t.Fatalf("Size() err=%v", err)
	}
	if n != 3 {
		t.Fatalf("Size() = %d, want 3", n)
	}

	item, _, err := q.Peek(ctx)
	if err != nil {
		t.Fatalf("Peek() err=%v", err)
	}
	if err := q.Ack(ctx, item.Seq); err != nil {
		t.Fatalf("Ack() err=%v", err)
	}
	n, err = q.Size(ctx)
	if err != nil {
		t.Fatalf("Size() err=%v", err)
	}
	if n != 2 {
		t.Fatalf("Size() after ack = %d, want 2", n)
	}
}
