package wsclient

import "testing"

func TestRegistryCountTracksAddRemove(t *testing.T) {
	r := NewRegistry()
	if r.Count() != 0 {
		t.Fatalf("got count %d, want 0", r.Count())
	}
	// The registry keys on the connection pointer, so a nil *websocket.Conn
	// is enough to exercise Add/Remove bookkeeping without a live socket.
	r.Add(nil)
	if r.Count() != 1 {
		t.Fatalf("got count %d after Add, want 1", r.Count())
	}
	r.Remove(nil)
	if r.Count() != 0 {
		t.Fatalf("got count %d after Remove, want 0", r.Count())
	}
}

func TestBroadcastNoClientsIsNoop(t *testing.T) {
	r := NewRegistry()
	r.Broadcast([]byte(`{"type":"snapshot"}`))
}
