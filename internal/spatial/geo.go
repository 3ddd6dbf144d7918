package spatial

import "math"

// EarthRadiusKM is the IUGG mean Earth radius.
const EarthRadiusKM = 6371.0088

// HaversineKM returns the great-circle distance in kilometers between two
// WGS84 points.
func HaversineKM(lat1, lon1, lat2, lon2 float64) float64 {
	lat1r := lat1 * math.Pi / 180
	lon1r := lon1 * math.Pi / 180
	lat2r := lat2 * math.Pi / 180
	lon2r := lon2 * math.Pi / 180

	dlat := lat2r - lat1r
	dlon := lon2r - lon1r

	s1 := math.Sin(dlat / 2)
	s2 := math.Sin(dlon / 2)
	a := s1*s1 + math.Cos(lat1r)*math.Cos(lat2r)*s2*s2
	return EarthRadiusKM * 2 * math.Asin(math.Sqrt(a))
}

// ecef projects a lat/lon point onto the sphere of radius EarthRadiusKM,
// returning Cartesian coordinates in kilometers.
func ecef(lat, lon float64) [3]float64 {
	latR := lat * math.Pi / 180
	lonR := lon * math.Pi / 180
	return [3]float64{
		EarthRadiusKM * math.Cos(latR) * math.Cos(lonR),
		EarthRadiusKM * math.Cos(latR) * math.Sin(lonR),
		EarthRadiusKM * math.Sin(latR),
	}
}

// chordKM converts a great-circle radius into the equivalent straight-line
// chord length through the sphere. Points within radiusKM along the surface
// are within chordKM in ECEF space, which is what the tree prunes on.
func chordKM(radiusKM float64) float64 {
	return 2 * EarthRadiusKM * math.Sin(radiusKM/(2*EarthRadiusKM))
}

func sqDist(a, b [3]float64) float64 {
	dx := a[0] - b[0]
	dy := a[1] - b[1]
	dz := a[2] - b[2]
	return dx*dx + dy*dy + dz*dz
}
