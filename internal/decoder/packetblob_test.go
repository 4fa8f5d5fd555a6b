package decoder

import "testing"

func TestFindPacketBlobHex_FromHexField(t *testing.T) {
	doc := decodeJSON(t, `{"payload": {"hex": "0011223344556677889900aabbccdd"}}`)
	hx, path, ok := findPacketBlobHex(doc)
	if !ok {
		t.Fatal("expected hex field to be found")
	}
	if path != "payload.hex" {
		t.Fatalf("got path %q", path)
	}
	if hx != "0011223344556677889900aabbccdd" {
		t.Fatalf("got hex %q", hx)
	}
}

func TestFindPacketBlobHex_FromByteList(t *testing.T) {
	doc := decodeJSON(t, `{"packet_bytes": [1,2,3,4,5,6,7,8,9,10,11,12]}`)
	hx, _, ok := findPacketBlobHex(doc)
	if !ok {
		t.Fatal("expected byte list to be found")
	}
	if hx != "0102030405060708090a0b0c" {
		t.Fatalf("got hex %q", hx)
	}
}

func TestFindPacketBlobHex_NoCandidate(t *testing.T) {
	doc := decodeJSON(t, `{"foo": "bar"}`)
	if _, _, ok := findPacketBlobHex(doc); ok {
		t.Fatal("expected no packet blob found")
	}
}
