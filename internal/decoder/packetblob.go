package decoder

import (
	"encoding/hex"
	"strings"
)

// likelyPacketKeys is the priority order candidate keys are searched under
// when looking for an embedded packet blob inside a JSON document.
var likelyPacketKeys = []string{
	"hex", "raw", "packet", "packet_hex", "frame", "data", "payload",
	"mesh_packet", "meshcore_packet", "rx_packet", "bytes", "packet_bytes",
}

// findPacketBlobHex searches obj for a packet-blob field under the
// prioritized candidate keys, returning its hex form and the key path it
// was found under. Accepts an even-length hex string, a base64 string
// decoding to >=10 bytes, or a list of small integers convertible to a
// >=10-byte sequence.
func findPacketBlobHex(obj any) (string, string, bool) {
	for _, key := range likelyPacketKeys {
		if val, path, ok := findKeyAnywhere(obj, key, ""); ok {
			if hx, ok := blobToHex(val); ok {
				return hx, path, true
			}
		}
	}
	return "", "", false
}

func findKeyAnywhere(obj any, key, path string) (any, string, bool) {
	switch v := obj.(type) {
	case map[string]any:
		if val, ok := v[key]; ok {
			return val, joinPath(path, key), true
		}
		for k, val := range v {
			if found, p, ok := findKeyAnywhere(val, key, joinPath(path, k)); ok {
				return found, p, true
			}
		}
	case []any:
		for i, item := range v {
			if found, p, ok := findKeyAnywhere(item, key, path); ok {
				_ = i
				return found, p, true
			}
		}
	}
	return nil, "", false
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

func blobToHex(val any) (string, bool) {
	switch v := val.(type) {
	case string:
		if looksLikeHex(v) {
			return strings.ToLower(strings.TrimSpace(v)), true
		}
		if hx, ok := tryBase64ToHex(v); ok {
			return hx, true
		}
	case []any:
		bytes := make([]byte, 0, len(v))
		for _, item := range v {
			f, ok := item.(float64)
			if !ok || f < 0 || f > 255 {
				return "", false
			}
			bytes = append(bytes, byte(f))
		}
		if len(bytes) >= 10 {
			return hex.EncodeToString(bytes), true
		}
	}
	return "", false
}
