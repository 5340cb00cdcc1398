// Package geo provides the spherical-earth math used across the pipeline:
// great-circle distances, initial bearings, travel-direction classification
// and polyline encoding.
package geo

import (
	"math"
	"strconv"
	"strings"
)

const earthRadiusMeters = 6371000.0

// Point is a WGS-84 coordinate in decimal degrees.
type Point struct {
	Lat float64
	Lon float64
}

// Direction classifies travel along a road segment relative to the
// segment's digitization order.
type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReverse Direction = "reverse"
)

// DistanceMeters returns the haversine great-circle distance between two
// points in meters.
func DistanceMeters(from, to Point) float64 {
	phi1 := from.Lat * math.Pi / 180.0
	phi2 := to.Lat * math.Pi / 180.0
	dPhi := (to.Lat - from.Lat) * math.Pi / 180.0
	dLambda := (to.Lon - from.Lon) * math.Pi / 180.0

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusMeters * c
}

// BearingDegrees returns the initial great-circle bearing from the first
// point to the second, in degrees clockwise from north, in [0, 360).
// Identical points yield 0.
func BearingDegrees(from, to Point) float64 {
	phi1 := from.Lat * math.Pi / 180.0
	phi2 := to.Lat * math.Pi / 180.0
	dLambda := (to.Lon - from.Lon) * math.Pi / 180.0

	y := math.Sin(dLambda) * math.Cos(phi2)
	x := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dLambda)

	deg := math.Atan2(y, x) * 180.0 / math.Pi
	deg = math.Mod(deg+360.0, 360.0)
	return deg
}

// DirectionOf compares a polyline's bearing against a segment's stored
// bearing. The angular difference is folded into [0, 180]; differences up
// to and including 90 degrees count as forward travel.
func DirectionOf(polylineBearing, segmentBearing float64) Direction {
	d := math.Mod(math.Abs(polylineBearing-segmentBearing), 360.0)
	if d > 180.0 {
		d = 360.0 - d
	}
	if d <= 90.0 {
		return DirectionForward
	}
	return DirectionReverse
}

// LineStringWKT renders points as a WKT LINESTRING in (lon lat) axis order,
// suitable for ST_GeomFromText.
func LineStringWKT(points []Point) string {
	var b strings.Builder
	b.WriteString("LINESTRING(")
	for i, p := range points {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(p.Lon, 'f', -1, 64))
		b.WriteByte(' ')
		b.WriteString(strconv.FormatFloat(p.Lat, 'f', -1, 64))
	}
	b.WriteByte(')')
	return b.String()
}
