package decoder

import "testing"

func TestNormalizeNodeHash(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{"4a", "4A"},
		{"0x4A", "4A"},
		{"a", "0A"},
		{float64(74), "4A"},
		{int(74), "4A"},
	}
	for _, c := range cases {
		got, ok := NormalizeNodeHash(c.in)
		if !ok || got != c.want {
			t.Errorf("NormalizeNodeHash(%v) = (%q, %v), want %q", c.in, got, ok, c.want)
		}
	}
	if _, ok := NormalizeNodeHash(nil); ok {
		t.Error("expected nil to not normalize")
	}
	if _, ok := NormalizeNodeHash("not-hex"); ok {
		t.Error("expected non-hex string to not normalize")
	}
}

func TestNodeHashFromDeviceID(t *testing.T) {
	hx, ok := NodeHashFromDeviceID("4a9f1234")
	if !ok || hx != "4A" {
		t.Fatalf("got (%q, %v)", hx, ok)
	}
	if _, ok := NodeHashFromDeviceID("a"); ok {
		t.Fatal("expected a too-short device id to fail")
	}
}

func TestDeviceIDFromTopic(t *testing.T) {
	id, ok := DeviceIDFromTopic("msh/US/2/json/mqtt/!abcd1234/status")
	if !ok || id != "2" {
		t.Fatalf("got (%q, %v)", id, ok)
	}
	if _, ok := DeviceIDFromTopic("msh"); ok {
		t.Fatal("expected too-short topic to fail")
	}
}

func TestTopicMarksOnline(t *testing.T) {
	suffixes := map[string]struct{}{"/status": {}}
	if !TopicMarksOnline("msh/US/2/json/mqtt/!abcd1234/status", suffixes) {
		t.Fatal("expected /status suffix to mark online")
	}
	if TopicMarksOnline("msh/US/2/json/mqtt/!abcd1234/data", suffixes) {
		t.Fatal("did not expect /data suffix to mark online")
	}
}
