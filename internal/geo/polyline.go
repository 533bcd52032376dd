package geo

import (
	"fmt"

	"github.com/atlasnote/livesync/pkg/core"
	geom "github.com/peterstace/simplefeatures/geom"
)

// ParseRoutePath parses a JSON route path "[[lng,lat],...]". Entries that are
// not numeric pairs or fall outside the lng/lat ranges are skipped; only
// malformed JSON is an error.
func ParseRoutePath(input []byte) ([][2]float64, error) {
	pairs, err := core.DecodeRoutePath(input)
	if err != nil {
		return nil, fmt.Errorf("failed to parse route path JSON: %w", err)
	}

	path := pairs[:0]
	for _, pair := range pairs {
		if Valid(core.LngLatFromPair(pair)) {
			path = append(path, pair)
		}
	}
	return path, nil
}

// LineString builds an XY line string in lng/lat order. Paths with fewer than
// two points, or that fail validation, give an empty line string.
func LineString(path []core.LngLat) geom.LineString {
	if len(path) < 2 {
		return geom.LineString{}
	}
	flat := make([]float64, 0, len(path)*2)
	for _, p := range path {
		flat = append(flat, p.Lng, p.Lat)
	}
	ls, err := geom.NewLineString(geom.NewSequence(flat, geom.DimXY))
	if err != nil {
		return geom.LineString{}
	}
	return ls
}
