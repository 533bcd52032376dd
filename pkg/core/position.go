// pkg/core/position.go
package core

// LngLat is a WGS84 coordinate. Route paths travel as [lng,lat] pairs,
// so the field order follows that convention.
type LngLat struct {
	Lng float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

// Pair returns the coordinate as a [lng,lat] pair.
func (p LngLat) Pair() [2]float64 {
	return [2]float64{p.Lng, p.Lat}
}

// LngLatFromPair builds a coordinate from a [lng,lat] pair.
func LngLatFromPair(pair [2]float64) LngLat {
	return LngLat{Lng: pair[0], Lat: pair[1]}
}

// Bounds is an axis-aligned lng/lat box.
type Bounds struct {
	SouthWest LngLat `json:"southWest"`
	NorthEast LngLat `json:"northEast"`
}
