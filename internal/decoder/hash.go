package decoder

import (
	"fmt"
	"regexp"
	"strings"
)

var reNodeHash = regexp.MustCompile(`^[0-9a-fA-F]{2}$`)

// NormalizeNodeHash canonicalizes a node-hash value (int, "0x4A", "4a", ...)
// to uppercase two-hex-digit form.
func NormalizeNodeHash(value any) (string, bool) {
	switch v := value.(type) {
	case nil:
		return "", false
	case int:
		return fmt.Sprintf("%02X", v), true
	case float64:
		return fmt.Sprintf("%02X", int(v)), true
	case string:
		s := strings.TrimSpace(v)
		if strings.HasPrefix(strings.ToLower(s), "0x") {
			s = s[2:]
		}
		if len(s) == 1 {
			s = "0" + s
		}
		if len(s) != 2 || !reNodeHash.MatchString(s) {
			return "", false
		}
		return strings.ToUpper(s), true
	default:
		return "", false
	}
}

// NodeHashFromDeviceID returns the two-hex-digit node-hash implied by a
// device id's first two characters.
func NodeHashFromDeviceID(deviceID string) (string, bool) {
	if len(deviceID) < 2 {
		return "", false
	}
	return NormalizeNodeHash(deviceID[:2])
}

// DeviceIDFromTopic extracts the device id implied by a topic of the form
// mesh-root/<x>/<device-id>/... (third path segment).
func DeviceIDFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}

// TopicMarksOnline reports whether topic ends in one of the configured
// online-marker suffixes.
func TopicMarksOnline(topic string, suffixes map[string]struct{}) bool {
	for suffix := range suffixes {
		if strings.HasSuffix(topic, suffix) {
			return true
		}
	}
	return false
}
