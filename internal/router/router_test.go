package router

import (
	"encoding/json"
	"testing"
	"time"
)

type fakeSocket struct {
	frames [][]byte
}

func (f *fakeSocket) WriteFrame(data []byte) error {
	f.frames = append(f.frames, data)
	return nil
}

func TestNewWithTimeout_HonorsOverride(t *testing.T) {
	r := NewWithTimeout(2 * time.Second)
	if r.requestTimeout != 2*time.Second {
		t.Errorf("expected requestTimeout to be overridden to 2s, got %v", r.requestTimeout)
	}
}

func TestNewWithTimeout_FallsBackOnZero(t *testing.T) {
	r := NewWithTimeout(0)
	if r.requestTimeout != DefaultRequestTimeout {
		t.Errorf("expected a zero override to fall back to DefaultRequestTimeout, got %v", r.requestTimeout)
	}
}

func TestRouter_BindCall_RejectsDuplicateID(t *testing.T) {
	r := New()
	sock := &fakeSocket{}

	if !r.BindCall("a", "a", sock, "svc") {
		t.Fatal("expected first BindCall to succeed")
	}
	if r.BindCall("a", "a", sock, "svc") {
		t.Fatal("expected second BindCall with the same id to fail")
	}
}

func TestRouter_ResolveCall_WritesReplyAndRemoves(t *testing.T) {
	r := New()
	sock := &fakeSocket{}
	r.BindCall("a", "a", sock, "svc")

	r.ResolveCall("a", Reply{ID: "a", Success: true, Result: map[string]any{"ok": true}})

	if len(sock.frames) != 1 {
		t.Fatalf("expected exactly one frame written, got %d", len(sock.frames))
	}
	var reply Reply
	if err := json.Unmarshal(sock.frames[0], &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if !reply.Success {
		t.Error("expected success=true")
	}

	// Second resolve for the same id is a no-op: no panic, no extra frame.
	r.ResolveCall("a", Reply{ID: "a", Success: true})
	if len(sock.frames) != 1 {
		t.Fatalf("expected resolve of an unknown id to be a no-op, got %d frames", len(sock.frames))
	}
}

func TestRouter_ResolveCall_UnknownID_NoPanic(t *testing.T) {
	r := New()
	r.ResolveCall("nonexistent", Reply{ID: "nonexistent", Success: false})
}

func TestRouter_TimeoutSweep_ExpiresOldEntries(t *testing.T) {
	r := New()
	sock := &fakeSocket{}
	r.mu.Lock()
	r.calls["old"] = PendingToolCall{ID: "old", OriginalID: float64(42), Socket: sock, Service: "svc", Deadline: time.Now().Add(-time.Second)}
	r.calls["fresh"] = PendingToolCall{ID: "fresh", OriginalID: "fresh", Socket: sock, Service: "svc", Deadline: time.Now().Add(time.Hour)}
	r.mu.Unlock()

	r.TimeoutSweep()

	if len(sock.frames) != 1 {
		t.Fatalf("expected exactly one timeout reply, got %d", len(sock.frames))
	}
	var reply Reply
	if err := json.Unmarshal(sock.frames[0], &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.Error == nil || reply.Error.Code != -32603 {
		t.Fatalf("unexpected error reply: %+v", reply.Error)
	}
	if reply.ID != float64(42) {
		t.Errorf("expected the timeout reply to echo OriginalID 42, not the internal map key %q, got %v", "old", reply.ID)
	}
	if _, stillPending := r.calls["fresh"]; !stillPending {
		t.Error("expected the fresh entry to survive the sweep")
	}
	if _, stillPending := r.calls["old"]; stillPending {
		t.Error("expected the expired entry to be removed")
	}
}

func TestRouter_SpawnSweep_ExpiresOldEntries(t *testing.T) {
	r := New()
	sock := &fakeSocket{}
	r.mu.Lock()
	r.spawns["old"] = PendingSpawn{ID: "old", OriginalID: float64(7), Socket: sock, Service: "svc", Deadline: time.Now().Add(-time.Second)}
	r.mu.Unlock()

	r.SpawnSweep()

	if len(sock.frames) != 1 {
		t.Fatalf("expected exactly one timeout reply, got %d", len(sock.frames))
	}
	var reply Reply
	if err := json.Unmarshal(sock.frames[0], &reply); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if reply.ID != float64(7) {
		t.Errorf("expected the spawn timeout reply to echo OriginalID 7, not the internal map key, got %v", reply.ID)
	}
	if _, stillPending := r.spawns["old"]; stillPending {
		t.Error("expected the expired spawn entry to be removed")
	}
}

func TestRouter_OnSocketClose_DropsWithoutReply(t *testing.T) {
	r := New()
	sock := &fakeSocket{}
	other := &fakeSocket{}
	r.BindCall("a", "a", sock, "svc")
	r.BindSpawn("b", "b", sock, "svc")
	r.BindCall("c", "c", other, "svc")

	r.OnSocketClose(sock)

	if len(sock.frames) != 0 {
		t.Errorf("expected no replies written for the closed socket, got %d", len(sock.frames))
	}
	if _, ok := r.calls["a"]; ok {
		t.Error("expected pending call bound to the closed socket to be dropped")
	}
	if _, ok := r.spawns["b"]; ok {
		t.Error("expected pending spawn bound to the closed socket to be dropped")
	}
	if _, ok := r.calls["c"]; !ok {
		t.Error("expected pending call bound to a different socket to survive")
	}
}

func TestRouter_Reset_ClearsWithoutReplies(t *testing.T) {
	r := New()
	sock := &fakeSocket{}
	r.BindCall("a", "a", sock, "svc")
	r.BindSpawn("b", "b", sock, "svc")

	r.Reset()

	if len(sock.frames) != 0 {
		t.Errorf("expected Reset to write no replies, got %d", len(sock.frames))
	}
	if len(r.calls) != 0 || len(r.spawns) != 0 {
		t.Error("expected Reset to empty both pending maps")
	}
}

func TestRouter_SpawnsForService(t *testing.T) {
	r := New()
	sock := &fakeSocket{}
	r.BindSpawn("a", "a", sock, "svc-1")
	r.BindSpawn("b", "b", sock, "svc-2")

	spawns := r.SpawnsForService("svc-1")
	if len(spawns) != 1 || spawns[0].ID != "a" {
		t.Errorf("expected [a], got %v", spawns)
	}
}

func TestRouter_GetCall(t *testing.T) {
	r := New()
	sock := &fakeSocket{}
	r.BindCall("a", float64(42), sock, "svc")

	pc, ok := r.GetCall("a")
	if !ok {
		t.Fatal("expected GetCall to find the pending entry")
	}
	if pc.OriginalID != float64(42) {
		t.Errorf("expected OriginalID to round-trip, got %v", pc.OriginalID)
	}

	// GetCall must not remove the entry.
	if _, ok := r.GetCall("a"); !ok {
		t.Fatal("expected a second GetCall to still find the entry")
	}
}
