package spatial_test

import (
	"fmt"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
	"github.com/couchcryptid/geosignal-correlator/internal/spatial"
)

func TestHaversineKM_KnownDistances(t *testing.T) {
	// Tokyo to Sendai, roughly 305 km.
	d := spatial.HaversineKM(35.6762, 139.6503, 38.2682, 140.8694)
	assert.InDelta(t, 305, d, 5)

	assert.Zero(t, spatial.HaversineKM(38, 142, 38, 142))

	// Antipodal points sit half a circumference apart.
	half := spatial.EarthRadiusKM * 3.14159265358979
	assert.InDelta(t, half, spatial.HaversineKM(0, 0, 0, 180), 0.01)
}

func TestQueryRadius_RejectsNonPositiveRadius(t *testing.T) {
	idx := spatial.Build(domain.NewRegistry(nil))
	_, err := idx.QueryRadius(38, 142, 0)
	assert.Error(t, err)
	_, err = idx.QueryRadius(38, 142, -5)
	assert.Error(t, err)
}

func TestQueryRadius_EmptyRegistry(t *testing.T) {
	idx := spatial.Build(domain.NewRegistry(nil))
	hits, err := idx.QueryRadius(38, 142, 100)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestQueryRadius_FiltersAndSortsByDistance(t *testing.T) {
	registry := domain.NewRegistry([]domain.Station{
		{StationID: "far", Lat: 40.0, Lon: 145.0},  // well outside 100 km
		{StationID: "near", Lat: 38.1, Lon: 142.1}, // ~14 km
		{StationID: "mid", Lat: 38.5, Lon: 142.5},  // ~70 km
	})
	idx := spatial.Build(registry)

	hits, err := idx.QueryRadius(38.0, 142.0, 100)
	require.NoError(t, err)
	require.Len(t, hits, 2)

	assert.Equal(t, "near", hits[0].StationID)
	assert.Equal(t, "mid", hits[1].StationID)
	assert.Less(t, hits[0].DistanceKM, hits[1].DistanceKM)
	for _, h := range hits {
		assert.LessOrEqual(t, h.DistanceKM, 100.0)
		assert.Equal(t, registry.At(h.Index).StationID, h.StationID)
	}
}

// TestQueryRadius_MatchesBruteForce cross-checks the kd-tree against a
// linear haversine scan over randomly placed stations.
func TestQueryRadius_MatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	stations := make([]domain.Station, 400)
	for i := range stations {
		stations[i] = domain.Station{
			StationID: fmt.Sprintf("st%03d", i),
			Lat:       rng.Float64()*160 - 80,
			Lon:       rng.Float64()*360 - 180,
		}
	}
	registry := domain.NewRegistry(stations)
	idx := spatial.Build(registry)

	for q := 0; q < 25; q++ {
		lat := rng.Float64()*160 - 80
		lon := rng.Float64()*360 - 180
		radius := 200 + rng.Float64()*2000

		hits, err := idx.QueryRadius(lat, lon, radius)
		require.NoError(t, err)

		var want []string
		for _, s := range stations {
			if spatial.HaversineKM(lat, lon, s.Lat, s.Lon) <= radius {
				want = append(want, s.StationID)
			}
		}
		var got []string
		for _, h := range hits {
			got = append(got, h.StationID)
		}
		sort.Strings(want)
		sort.Strings(got)
		assert.Equal(t, want, got, "query %d: center (%.2f, %.2f) radius %.0f km", q, lat, lon, radius)

		for i := 1; i < len(hits); i++ {
			assert.GreaterOrEqual(t, hits[i].DistanceKM, hits[i-1].DistanceKM)
		}
	}
}
