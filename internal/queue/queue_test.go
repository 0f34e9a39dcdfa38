package queue

import (
	"testing"
	"time"

	"github.com/beacon-remote/beacon/pkg/protocol"
)

func cmd(text string) protocol.Command {
	return protocol.Command{"type": "relay", "text": text}
}

func TestEnqueueDrainFIFO(t *testing.T) {
	q := New(10, time.Minute)

	q.Enqueue("42", cmd("first"))
	q.Enqueue("42", cmd("second"))
	q.Enqueue("42", cmd("third"))

	got := q.DrainAll("42")
	if len(got) != 3 {
		t.Fatalf("drained %d commands, want 3", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i]["text"] != want {
			t.Errorf("position %d: got %v, want %q", i, got[i]["text"], want)
		}
	}

	// Drain empties the queue.
	if q.Size("42") != 0 {
		t.Errorf("queue size after drain: got %d, want 0", q.Size("42"))
	}
	if again := q.DrainAll("42"); len(again) != 0 {
		t.Errorf("second drain returned %d commands", len(again))
	}
}

func TestEnqueueCeiling(t *testing.T) {
	q := New(2, time.Minute)

	if !q.Enqueue("42", cmd("a")) || !q.Enqueue("42", cmd("b")) {
		t.Fatal("enqueue below the ceiling failed")
	}
	if q.Enqueue("42", cmd("c")) {
		t.Error("enqueue above the ceiling succeeded")
	}
	if q.Size("42") != 2 {
		t.Errorf("queue grew past the ceiling: size %d", q.Size("42"))
	}
}

func TestTTLExpiry(t *testing.T) {
	q := New(10, 50*time.Millisecond)

	q.Enqueue("42", cmd("stale"))
	time.Sleep(80 * time.Millisecond)
	q.Enqueue("42", cmd("fresh"))

	got := q.DrainAll("42")
	if len(got) != 1 {
		t.Fatalf("drained %d commands, want 1", len(got))
	}
	if got[0]["text"] != "fresh" {
		t.Errorf("drained %v, want the fresh command", got[0]["text"])
	}
}

func TestExpiryFreesCapacity(t *testing.T) {
	q := New(1, 50*time.Millisecond)

	if !q.Enqueue("42", cmd("a")) {
		t.Fatal("first enqueue failed")
	}
	if q.Enqueue("42", cmd("b")) {
		t.Fatal("enqueue succeeded on a full queue")
	}

	time.Sleep(80 * time.Millisecond)
	if !q.Enqueue("42", cmd("b")) {
		t.Error("enqueue failed after the blocking entry expired")
	}
}

func TestPrincipalsIsolated(t *testing.T) {
	q := New(10, time.Minute)

	q.Enqueue("42", cmd("for-42"))
	q.Enqueue("43", cmd("for-43"))

	got := q.DrainAll("42")
	if len(got) != 1 || got[0]["text"] != "for-42" {
		t.Errorf("drain for 42 returned %v", got)
	}
	if q.Size("43") != 1 {
		t.Errorf("draining 42 disturbed 43's queue")
	}
}
