package policy

import (
	"math"

	"lastmile/internal/model"
)

const earthRadiusMeters = 6371000.0

// GeoDistanceMeters is the haversine great-circle distance between two pins.
func GeoDistanceMeters(a, b model.GeoPoint) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	phi1, phi2 := toRad(a.Lat), toRad(b.Lat)
	dphi := toRad(b.Lat - a.Lat)
	dlambda := toRad(b.Lng - a.Lng)
	h := math.Sin(dphi/2)*math.Sin(dphi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dlambda/2)*math.Sin(dlambda/2)
	return earthRadiusMeters * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// ValidCoordinates reports whether p lies within latitude/longitude bounds.
func ValidCoordinates(p model.GeoPoint) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}
