package decoder

import "github.com/jarv/meshmap/internal/geo"

var scales = [...]float64{1e7, 1e6, 1e5, 1e4}

func validLatLon(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// normalizeLatLon accepts raw lat/lon values and, if out of range, retries
// at progressively smaller fixed-point scales (the wire format sometimes
// encodes degrees * 1e7/1e6/1e5/1e4).
func normalizeLatLon(lat, lon float64) (float64, float64, bool) {
	if validLatLon(lat, lon) {
		return lat, lon, true
	}
	for _, scale := range scales {
		lat2 := lat / scale
		lon2 := lon / scale
		if validLatLon(lat2, lon2) {
			return lat2, lon2, true
		}
	}
	return 0, 0, false
}

func coordsAreZero(lat, lon float64) bool {
	return geo.IsZero(lat, lon)
}
