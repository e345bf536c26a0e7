package geo

import (
	"math"

	"meshmon/internal/model"
)

// EarthRadiusMeters is the mean earth radius used by the haversine formula.
const EarthRadiusMeters = 6371000.0

// Haversine returns the great-circle distance in meters between two points
// given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	if anyNaN(lat1, lon1, lat2, lon2) {
		return 0
	}
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := (lat2 - lat1) * math.Pi / 180
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dlat/2)*math.Sin(dlat/2) + math.Cos(rlat1)*math.Cos(rlat2)*math.Sin(dlon/2)*math.Sin(dlon/2)
	if a > 1 {
		a = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(a))
}

// Distance returns the distance between two optional positions. It returns 0
// when either side is missing; callers that need to tell "unknown" apart from
// "co-located" must use Between.
func Distance(a, b *model.Position) float64 {
	d, _ := Between(a, b)
	return d
}

// Between returns the distance and whether both positions were known.
func Between(a, b *model.Position) (float64, bool) {
	if a == nil || b == nil {
		return 0, false
	}
	return Haversine(a.Lat, a.Lon, b.Lat, b.Lon), true
}

// Within reports whether both positions are known and closer than radius.
func Within(a, b *model.Position, radius float64) bool {
	d, ok := Between(a, b)
	return ok && d < radius
}

func anyNaN(vals ...float64) bool {
	for _, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}
