package matcher

import (
	"math"

	"github.com/smartdevs17/deal-alerts/internal/models"
)

const earthRadiusMiles = 3958.8

// DistanceMiles is the great-circle (haversine) distance between a and b.
func DistanceMiles(a, b models.GeoPoint) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusMiles * math.Asin(math.Min(1, math.Sqrt(h)))
}
