package decoder

import (
	"strconv"
	"strings"
)

// Go's encoding/json already decodes arbitrary documents into the tagged
// variant this needs: map[string]any, []any, string, float64, bool, nil.
// These walkers traverse that shape directly instead of introducing a
// parallel sum type.

var latKeys = []string{"lat", "latitude"}
var lonKeys = []string{"lon", "lng", "longitude"}

// findLatLonInJSON recursively searches a decoded JSON document for a
// lat/lon key pair, preferring a match at the current object level before
// descending into children (first match wins, depth-first over keys then
// children, matching the original's dict-then-values-then-list order).
func findLatLonInJSON(obj any) (float64, float64, bool) {
	switch v := obj.(type) {
	case map[string]any:
		var latRaw, lonRaw any
		for _, k := range latKeys {
			if val, ok := v[k]; ok {
				latRaw = val
				break
			}
		}
		for _, k := range lonKeys {
			if val, ok := v[k]; ok {
				lonRaw = val
				break
			}
		}
		if latRaw != nil && lonRaw != nil {
			if lat, lon, ok := toFloatPair(latRaw, lonRaw); ok {
				if nlat, nlon, ok := normalizeLatLon(lat, lon); ok {
					return nlat, nlon, true
				}
			}
		}
		for _, val := range v {
			if lat, lon, ok := findLatLonInJSON(val); ok {
				return lat, lon, true
			}
		}
	case []any:
		for _, item := range v {
			if lat, lon, ok := findLatLonInJSON(item); ok {
				return lat, lon, true
			}
		}
	}
	return 0, 0, false
}

func toFloatPair(a, b any) (float64, float64, bool) {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return af, bf, aok && bok
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// stringsFromJSON collects all string leaves from a decoded JSON document.
func stringsFromJSON(obj any) []string {
	var out []string
	collectStrings(obj, &out)
	return out
}

func collectStrings(obj any, out *[]string) {
	switch v := obj.(type) {
	case string:
		*out = append(*out, v)
	case map[string]any:
		for _, val := range v {
			collectStrings(val, out)
		}
	case []any:
		for _, item := range v {
			collectStrings(item, out)
		}
	}
}

var locationHintKeys = map[string]struct{}{
	"location": {}, "gps": {}, "position": {}, "coords": {},
	"coordinate": {}, "geo": {}, "geolocation": {}, "latlon": {},
}

// hasLocationHints reports whether any key in the document (at any depth)
// names a location-ish field, used by the "strict" direct-coordinate policy.
func hasLocationHints(obj any) bool {
	switch v := obj.(type) {
	case map[string]any:
		for k, val := range v {
			if _, ok := locationHintKeys[strings.ToLower(k)]; ok {
				return true
			}
			if hasLocationHints(val) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if hasLocationHints(item) {
				return true
			}
		}
	}
	return false
}

// findFloatKey returns a pointer to the first numeric value found under key
// at the document's top level, or nil.
func findFloatKey(obj any, key string) *float64 {
	m, ok := obj.(map[string]any)
	if !ok {
		return nil
	}
	if v, ok := m[key]; ok {
		if f, ok := toFloat(v); ok {
			return &f
		}
	}
	return nil
}

// findStringKey returns the first non-blank string value stored under any of
// the given key names (tried in order) at the document's top level; nested
// objects are not searched.
func findStringKey(obj any, keys []string) (string, bool) {
	if m, ok := obj.(map[string]any); ok {
		for _, k := range keys {
			if val, ok := m[k]; ok {
				if s, ok := val.(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s), true
				}
			}
		}
	}
	return "", false
}
