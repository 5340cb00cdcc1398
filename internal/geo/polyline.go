package geo

import (
	"fmt"

	polyline "github.com/twpayne/go-polyline"
)

// EncodePolyline encodes points with the Google polyline algorithm at
// 5-decimal precision.
func EncodePolyline(points []Point) string {
	coords := make([][]float64, len(points))
	for i, p := range points {
		coords[i] = []float64{p.Lat, p.Lon}
	}
	return string(polyline.EncodeCoords(coords))
}

// DecodePolyline is the inverse of EncodePolyline. Coordinates come back
// rounded to the 5-decimal grid.
func DecodePolyline(encoded string) ([]Point, error) {
	coords, rest, err := polyline.DecodeCoords([]byte(encoded))
	if err != nil {
		return nil, fmt.Errorf("decoding polyline: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("decoding polyline: %d trailing bytes", len(rest))
	}
	points := make([]Point, len(coords))
	for i, c := range coords {
		points[i] = Point{Lat: c[0], Lon: c[1]}
	}
	return points, nil
}
