package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atlasnote/livesync/pkg/core"
)

func TestParseRoutePath_Valid(t *testing.T) {
	path, err := ParseRoutePath([]byte("[[13.4,52.5],[13.5,52.6],[13.6,52.7]]"))

	require.NoError(t, err)
	require.Len(t, path, 3)
	assert.Equal(t, [2]float64{13.4, 52.5}, path[0])
	assert.Equal(t, [2]float64{13.6, 52.7}, path[2])
}

func TestParseRoutePath_SkipsBadEntries(t *testing.T) {
	path, err := ParseRoutePath([]byte(`[[0,0],[1],null,["a","b"],[1,null],[999,0],[0,1,25]]`))

	require.NoError(t, err)
	assert.Equal(t, [][2]float64{{0, 0}, {0, 1}}, path)
}

func TestParseRoutePath_InvalidJSON(t *testing.T) {
	_, err := ParseRoutePath([]byte("not valid json"))
	require.Error(t, err)
}

func TestLineString_RoundTrip(t *testing.T) {
	path := []core.LngLat{{Lng: 0, Lat: 0}, {Lng: 0, Lat: 1}, {Lng: 1, Lat: 1}}
	ls := LineString(path)

	assert.False(t, ls.IsEmpty())
	assert.Equal(t, 3, ls.Coordinates().Length())
	assert.Equal(t, 1.0, ls.Coordinates().GetXY(2).X)
	assert.InDelta(t, 2.0, ls.Length(), 1e-9)
}

func TestLineString_TooShort(t *testing.T) {
	assert.True(t, LineString([]core.LngLat{{Lng: 1, Lat: 1}}).IsEmpty())
}
