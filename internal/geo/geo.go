package geo

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	geom "github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"
)

// Positions arrive as WGS84 latitude/longitude. Distances are measured on
// the Web Mercator (EPSG:3857) projection and corrected by the scale factor
// at the mean latitude, which is accurate to well under a percent over the
// few kilometres a field operation spans.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// Validate checks that lat and lng are finite and inside WGS84 bounds.
func Validate(lat, lng float64) error {
	switch {
	case math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0):
		return ErrInvalidCoordinates
	case lat < -90 || lat > 90:
		return fmt.Errorf("%w: latitude %g out of range", ErrInvalidCoordinates, lat)
	case lng < -180 || lng > 180:
		return fmt.Errorf("%w: longitude %g out of range", ErrInvalidCoordinates, lng)
	}
	return nil
}

// ParseLatLng parses "lat,lng" (spaces allowed) as typed at the console or
// read from a GPS puck.
func ParseLatLng(s string) (lat, lng float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, ErrInvalidCoordinates
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, ErrInvalidCoordinates
	}
	lng, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, ErrInvalidCoordinates
	}
	if err := Validate(lat, lng); err != nil {
		return 0, 0, err
	}
	return lat, lng, nil
}

// Project converts a WGS84 position into a Web Mercator point.
func Project(lat, lng float64) (geom.Point, error) {
	if err := Validate(lat, lng); err != nil {
		return geom.Point{}, err
	}
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ := f(lng, lat, 0)
	pt, err := geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: x, Y: y},
		Type: geom.DimXY,
	})
	if err != nil {
		return geom.Point{}, fmt.Errorf("project %g,%g: %w", lat, lng, err)
	}
	return pt, nil
}

// Distance returns the ground distance in metres between two positions.
func Distance(lat1, lng1, lat2, lng2 float64) (float64, error) {
	a, err := Project(lat1, lng1)
	if err != nil {
		return 0, err
	}
	b, err := Project(lat2, lng2)
	if err != nil {
		return 0, err
	}
	planar, ok := geom.Distance(a.AsGeometry(), b.AsGeometry())
	if !ok {
		return 0, nil
	}
	mid := (lat1 + lat2) / 2 * math.Pi / 180
	return planar * math.Cos(mid), nil
}

// FormatDistance renders metres the way a briefing shows them.
func FormatDistance(m float64) string {
	if m < 1000 {
		return fmt.Sprintf("%.0f m", m)
	}
	return fmt.Sprintf("%.1f km", m/1000)
}
