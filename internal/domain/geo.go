package domain

import (
	"fmt"
	"math"
)

const earthRadiusMeters = 6371008.8

// DistanceMeters returns the great-circle distance between a and b.
func DistanceMeters(a, b Geo) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := lat2 - lat1
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMeters * math.Asin(math.Min(1, math.Sqrt(h)))
}

// Centroid returns the mean coordinate of points, or the zero Geo when empty.
func Centroid(points []Geo) Geo {
	if len(points) == 0 {
		return Geo{}
	}
	var lat, lon float64
	for _, p := range points {
		lat += p.Lat
		lon += p.Lon
	}
	n := float64(len(points))
	return Geo{Lat: lat / n, Lon: lon / n}
}

// ClusterKey assigns g to a square grid cell of cellDeg degrees. Sensors in
// the same cell are scored together.
func ClusterKey(g Geo, cellDeg float64) string {
	if cellDeg <= 0 {
		cellDeg = DefaultCellDegrees
	}
	return fmt.Sprintf("cell:%d:%d", int(math.Floor(g.Lat/cellDeg)), int(math.Floor(g.Lon/cellDeg)))
}

// DefaultCellDegrees is roughly 1.1 km of latitude.
const DefaultCellDegrees = 0.01

// Valid reports whether g is a finite coordinate within WGS84 bounds.
func (g Geo) Valid() bool {
	return !math.IsNaN(g.Lat) && !math.IsNaN(g.Lon) &&
		g.Lat >= -90 && g.Lat <= 90 && g.Lon >= -180 && g.Lon <= 180
}
