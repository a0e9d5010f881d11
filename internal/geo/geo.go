// Package geo provides the small amount of geodesy the fleet view needs:
// great-circle distance between sites and nearest-peer lookup. Peer linkage
// lets the dashboard flag a site producing far below a neighbor sitting
// under the same weather.
package geo

import (
	"math"

	"github.com/solwatch/solwatch/internal/models"
)

const earthRadiusMiles = 3958.8

// Haversine returns the great-circle distance in miles between two points.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	lat1, lon1 = lat1*math.Pi/180, lon1*math.Pi/180
	lat2, lon2 = lat2*math.Pi/180, lon2*math.Pi/180

	dlat := lat2 - lat1
	dlon := lon2 - lon1
	a := math.Pow(math.Sin(dlat/2), 2) + math.Cos(lat1)*math.Cos(lat2)*math.Pow(math.Sin(dlon/2), 2)
	return 2 * math.Asin(math.Sqrt(a)) * earthRadiusMiles
}

// NearestPeer finds the closest other site in the fleet that has usable
// coordinates. Fleets are small enough that a linear scan beats maintaining
// a spatial index.
func NearestPeer(fleet []models.Site, siteID string) (models.Site, float64, bool) {
	var self *models.Site
	for i := range fleet {
		if fleet[i].ID == siteID {
			self = &fleet[i]
			break
		}
	}
	if self == nil || !hasCoordinates(*self) {
		return models.Site{}, 0, false
	}

	best := -1
	bestDist := math.MaxFloat64
	for i := range fleet {
		if fleet[i].ID == siteID || !hasCoordinates(fleet[i]) {
			continue
		}
		d := Haversine(self.Latitude, self.Longitude, fleet[i].Latitude, fleet[i].Longitude)
		if d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return models.Site{}, 0, false
	}
	return fleet[best], bestDist, true
}

func hasCoordinates(s models.Site) bool {
	return s.Latitude != 0 || s.Longitude != 0
}
