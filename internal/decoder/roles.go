package decoder

import (
	"strconv"
	"strings"

	"github.com/jarv/meshmap/internal/model"
)

var deviceNameKeys = []string{
	"name", "device_name", "deviceName", "node_name", "nodeName",
	"display_name", "displayName", "callsign", "label",
}

var deviceRoleKeys = []string{
	"role", "device_role", "deviceRole", "node_role", "nodeRole",
	"node_type", "nodeType", "device_type", "deviceType", "class", "profile",
}

// extractDeviceName looks for a name field at any depth in obj, falling
// back to an "origin" field for /status topics.
func extractDeviceName(obj any, topic string) (string, bool) {
	if name, ok := findKeyStringAnyDepth(obj, deviceNameKeys); ok {
		return name, true
	}
	if strings.HasSuffix(topic, "/status") {
		if name, ok := findStringKey(obj, []string{"origin"}); ok {
			return name, true
		}
	}
	return "", false
}

// extractDeviceRole looks for a role field at any depth in obj and
// normalizes it.
func extractDeviceRole(obj any) (model.Role, bool) {
	if raw, ok := findKeyStringAnyDepth(obj, deviceRoleKeys); ok {
		if role, ok := NormalizeRole(raw); ok {
			return role, true
		}
	}
	return "", false
}

func findKeyStringAnyDepth(obj any, keys []string) (string, bool) {
	switch v := obj.(type) {
	case map[string]any:
		for _, k := range keys {
			if val, ok := v[k]; ok {
				if s, ok := val.(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s), true
				}
			}
		}
		for _, val := range v {
			if s, ok := findKeyStringAnyDepth(val, keys); ok {
				return s, true
			}
		}
	case []any:
		for _, item := range v {
			if s, ok := findKeyStringAnyDepth(item, keys); ok {
				return s, true
			}
		}
	}
	return "", false
}

// NormalizeRole maps a free-text role hint to a canonical Role by substring
// match: repeater/relay, companion/chat node/chat, room server/room.
func NormalizeRole(value string) (model.Role, bool) {
	s := strings.ToLower(strings.TrimSpace(value))
	if s == "" {
		return "", false
	}
	if strings.Contains(s, "repeater") || s == "repeat" || strings.Contains(s, "relay") {
		return model.RoleRepeater, true
	}
	if strings.Contains(s, "companion") || strings.Contains(s, "chat node") || s == "chatnode" || strings.Contains(s, "chat") {
		return model.RoleCompanion, true
	}
	if strings.Contains(s, "room server") || s == "roomserver" || strings.Contains(s, "room") {
		return model.RoleRoom, true
	}
	return "", false
}

// RoleFromNumeric maps the wire format's numeric deviceRole (1/2/3) to a Role.
func RoleFromNumeric(code int) (model.Role, bool) {
	switch code {
	case 1:
		return model.RoleCompanion, true
	case 2:
		return model.RoleRepeater, true
	case 3:
		return model.RoleRoom, true
	}
	return "", false
}

// roleFromDecoderMeta resolves a role hint from the decoder's "role"/
// "deviceRoleName" string field or numeric "deviceRole" field.
func roleFromDecoderMeta(meta map[string]any) (model.Role, bool) {
	if meta == nil {
		return "", false
	}
	if v, ok := meta["role"]; ok {
		if s, ok := v.(string); ok {
			if role, ok := NormalizeRole(s); ok {
				return role, true
			}
		}
	}
	if v, ok := meta["deviceRoleName"]; ok {
		if s, ok := v.(string); ok {
			if role, ok := NormalizeRole(s); ok {
				return role, true
			}
		}
	}
	if v, ok := meta["deviceRole"]; ok {
		switch n := v.(type) {
		case float64:
			if role, ok := RoleFromNumeric(int(n)); ok {
				return role, true
			}
		case string:
			if code, err := strconv.Atoi(n); err == nil {
				if role, ok := RoleFromNumeric(code); ok {
					return role, true
				}
			} else if role, ok := NormalizeRole(n); ok {
				return role, true
			}
		}
	}
	return "", false
}
