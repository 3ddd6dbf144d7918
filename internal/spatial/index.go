// Package spatial provides a static radius-query index over station
// coordinates. Stations are projected to ECEF space and organized in a
// 3-D kd-tree; a radius query prunes on chord distance and then verifies
// every candidate with the exact haversine distance, so bounding-volume
// over-inclusion can never leak into results.
package spatial

import (
	"fmt"
	"sort"

	"github.com/couchcryptid/geosignal-correlator/internal/domain"
)

// Hit is one station returned by a radius query.
type Hit struct {
	Index      int     // index into the registry
	StationID  string  `json:"station_id"`
	DistanceKM float64 `json:"distance_km"`
}

// Index is a read-only kd-tree over registry stations. Build once per run;
// queries are safe for concurrent callers.
type Index struct {
	registry *domain.Registry
	points   [][3]float64 // ECEF, parallel to registry indices
	nodes    []node
	root     int
}

type node struct {
	point int // registry index
	axis  int
	left  int // node index, -1 if none
	right int
}

// Build constructs the index over every station in the registry.
func Build(registry *domain.Registry) *Index {
	n := registry.Len()
	idx := &Index{
		registry: registry,
		points:   make([][3]float64, n),
		nodes:    make([]node, 0, n),
		root:     -1,
	}
	order := make([]int, n)
	for i := 0; i < n; i++ {
		s := registry.At(i)
		idx.points[i] = ecef(s.Lat, s.Lon)
		order[i] = i
	}
	idx.root = idx.build(order, 0)
	return idx
}

func (ix *Index) build(order []int, depth int) int {
	if len(order) == 0 {
		return -1
	}
	axis := depth % 3
	sort.Slice(order, func(a, b int) bool {
		return ix.points[order[a]][axis] < ix.points[order[b]][axis]
	})
	mid := len(order) / 2

	ix.nodes = append(ix.nodes, node{point: order[mid], axis: axis})
	self := len(ix.nodes) - 1

	// Copy the halves: build mutates the slice it receives.
	left := append([]int(nil), order[:mid]...)
	right := append([]int(nil), order[mid+1:]...)
	ix.nodes[self].left = ix.build(left, depth+1)
	ix.nodes[self].right = ix.build(right, depth+1)
	return self
}

// QueryRadius returns all stations within radiusKM great-circle distance of
// the center, sorted by ascending distance. An empty result is valid.
func (ix *Index) QueryRadius(lat, lon, radiusKM float64) ([]Hit, error) {
	if radiusKM <= 0 {
		return nil, fmt.Errorf("spatial query: non-positive radius %v km", radiusKM)
	}
	if ix.root < 0 {
		return nil, nil
	}
	center := ecef(lat, lon)
	chord := chordKM(radiusKM)

	var hits []Hit
	ix.search(ix.root, center, chord*chord, func(pi int) {
		s := ix.registry.At(pi)
		// Exact refinement: the chord ball can over-include near the
		// boundary, the haversine check is authoritative.
		d := HaversineKM(lat, lon, s.Lat, s.Lon)
		if d <= radiusKM {
			hits = append(hits, Hit{Index: pi, StationID: s.StationID, DistanceKM: d})
		}
	})

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].DistanceKM != hits[b].DistanceKM {
			return hits[a].DistanceKM < hits[b].DistanceKM
		}
		return hits[a].StationID < hits[b].StationID
	})
	return hits, nil
}

// search walks the tree, visiting every point whose squared chord distance
// to center is within sqChord.
func (ix *Index) search(ni int, center [3]float64, sqChord float64, visit func(int)) {
	if ni < 0 {
		return
	}
	nd := ix.nodes[ni]
	p := ix.points[nd.point]

	if sqDist(p, center) <= sqChord {
		visit(nd.point)
	}

	delta := center[nd.axis] - p[nd.axis]
	if delta <= 0 {
		ix.search(nd.left, center, sqChord, visit)
		if delta*delta <= sqChord {
			ix.search(nd.right, center, sqChord, visit)
		}
	} else {
		ix.search(nd.right, center, sqChord, visit)
		if delta*delta <= sqChord {
			ix.search(nd.left, center, sqChord, visit)
		}
	}
}

// Len returns the number of indexed stations.
func (ix *Index) Len() int { return len(ix.points) }
