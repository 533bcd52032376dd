package geo

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/atlasnote/livesync/pkg/core"
	"github.com/wroge/wgs84"
)

// Route paths and POIs travel as WGS84 lng/lat. Distances are great-circle
// (haversine); interpolation inside a leg is planar on the coordinates, which
// is close enough at city and country zoom.

// ErrInvalidCoordinates is returned when the coordinates are invalid
var ErrInvalidCoordinates = errors.New("invalid coordinates provided")

// EarthRadius is the mean earth radius in metres.
const EarthRadius = 6371008.8

// Valid reports whether p is finite and inside the lng/lat ranges.
func Valid(p core.LngLat) bool {
	if math.IsNaN(p.Lng) || math.IsNaN(p.Lat) || math.IsInf(p.Lng, 0) || math.IsInf(p.Lat, 0) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// ParseLngLat parses "lng,lat" into a coordinate.
func ParseLngLat(coords string) (core.LngLat, error) {
	parts := strings.Split(coords, ",")
	if len(parts) != 2 {
		return core.LngLat{}, ErrInvalidCoordinates
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return core.LngLat{}, ErrInvalidCoordinates
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return core.LngLat{}, ErrInvalidCoordinates
	}
	p := core.LngLat{Lng: lng, Lat: lat}
	if !Valid(p) {
		return core.LngLat{}, ErrInvalidCoordinates
	}
	return p, nil
}

func rad(deg float64) float64 { return deg * math.Pi / 180 }
func deg(rad float64) float64 { return rad * 180 / math.Pi }

// Haversine returns the great-circle distance between a and b in metres.
func Haversine(a, b core.LngLat) float64 {
	lat1, lat2 := rad(a.Lat), rad(b.Lat)
	dLat := lat2 - lat1
	dLng := rad(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * EarthRadius * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bearing returns the initial bearing from a to b in degrees clockwise from
// north, in [0, 360).
func Bearing(a, b core.LngLat) float64 {
	lat1, lat2 := rad(a.Lat), rad(b.Lat)
	dLng := rad(b.Lng - a.Lng)

	y := math.Sin(dLng) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLng)
	return math.Mod(deg(math.Atan2(y, x))+360, 360)
}

// Lerp interpolates planarly between a and b; t is clamped to [0, 1].
func Lerp(a, b core.LngLat, t float64) core.LngLat {
	switch {
	case t <= 0:
		return a
	case t >= 1:
		return b
	}
	return core.LngLat{
		Lng: a.Lng + (b.Lng-a.Lng)*t,
		Lat: a.Lat + (b.Lat-a.Lat)*t,
	}
}

// CleanPath converts [lng,lat] pairs to coordinates, dropping invalid ones.
func CleanPath(pairs [][2]float64) []core.LngLat {
	out := make([]core.LngLat, 0, len(pairs))
	for _, pair := range pairs {
		p := core.LngLatFromPair(pair)
		if Valid(p) {
			out = append(out, p)
		}
	}
	return out
}

// PathLength returns the summed haversine length of path in metres.
func PathLength(path []core.LngLat) float64 {
	var total float64
	for i := 1; i < len(path); i++ {
		total += Haversine(path[i-1], path[i])
	}
	return total
}

// Bounds returns the lng/lat box around the valid points of path.
func Bounds(path []core.LngLat) (core.Bounds, bool) {
	var b core.Bounds
	found := false
	for _, p := range path {
		if !Valid(p) {
			continue
		}
		if !found {
			b = core.Bounds{SouthWest: p, NorthEast: p}
			found = true
			continue
		}
		b.SouthWest.Lng = math.Min(b.SouthWest.Lng, p.Lng)
		b.SouthWest.Lat = math.Min(b.SouthWest.Lat, p.Lat)
		b.NorthEast.Lng = math.Max(b.NorthEast.Lng, p.Lng)
		b.NorthEast.Lat = math.Max(b.NorthEast.Lat, p.Lat)
	}
	return b, found
}

// MercatorBox is a box in EPSG:3857 metres.
type MercatorBox struct {
	MinX, MinY, MaxX, MaxY float64
}

// Width returns the east-west extent in metres.
func (b MercatorBox) Width() float64 { return b.MaxX - b.MinX }

// Height returns the north-south extent in metres.
func (b MercatorBox) Height() float64 { return b.MaxY - b.MinY }

// ToWebMercator projects p from EPSG:4326 to EPSG:3857.
func ToWebMercator(p core.LngLat) (x, y float64) {
	f := wgs84.EPSG().Transform(4326, 3857)
	x, y, _ = f(p.Lng, p.Lat, 0)
	return x, y
}

// MercatorBounds projects a lng/lat box to EPSG:3857.
func MercatorBounds(b core.Bounds) MercatorBox {
	minX, minY := ToWebMercator(b.SouthWest)
	maxX, maxY := ToWebMercator(b.NorthEast)
	return MercatorBox{MinX: minX, MinY: minY, MaxX: maxX, MaxY: maxY}
}
