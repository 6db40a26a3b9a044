package matching

import "math"

const earthRadiusKm = 6371.0

// DistanceKm is the haversine great-circle distance. Coordinates are not
// range checked.
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)

	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// ProfileDistanceKm returns nil unless both profiles carry coordinates.
func ProfileDistanceKm(a, b *UserProfile) *float64 {
	if !a.HasLocation() || !b.HasLocation() {
		return nil
	}
	d := DistanceKm(*a.Latitude, *a.Longitude, *b.Latitude, *b.Longitude)
	return &d
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

func toDegrees(rad float64) float64 {
	return rad * 180 / math.Pi
}

// boundingBox returns a lat/lng box holding every point within km of
// (lat, lng). lngOK is false when the circle reaches a pole or crosses the
// antimeridian; only the latitude bounds are usable then.
func boundingBox(lat, lng, km float64) (minLat, maxLat, minLng, maxLng float64, lngOK bool) {
	angular := km / earthRadiusKm
	minLat, maxLat = lat-toDegrees(angular), lat+toDegrees(angular)
	if minLat <= -90 || maxLat >= 90 {
		return math.Max(minLat, -90), math.Min(maxLat, 90), -180, 180, false
	}

	ratio := math.Sin(angular) / math.Cos(toRadians(lat))
	if ratio >= 1 {
		return minLat, maxLat, -180, 180, false
	}
	delta := toDegrees(math.Asin(ratio))
	minLng, maxLng = lng-delta, lng+delta
	if minLng < -180 || maxLng > 180 {
		return minLat, maxLat, -180, 180, false
	}
	return minLat, maxLat, minLng, maxLng, true
}
