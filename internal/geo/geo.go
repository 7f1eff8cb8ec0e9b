// Package geo wraps orb for the handful of geodesic operations the matcher
// and deduplicator need.
package geo

import (
	"sipi/internal/model"

	"github.com/paulmach/orb"
	orbgeo "github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// Distance 返回两点间的大圆距离（米）。
func Distance(lat1, lon1, lat2, lon2 float64) float64 {
	return orbgeo.DistanceHaversine(orb.Point{lon1, lat1}, orb.Point{lon2, lat2})
}

// Bound 返回以 (lat, lon) 为中心、半径 radiusM 的外接矩形。
func Bound(lat, lon, radiusM float64) orb.Bound {
	return orbgeo.NewBoundAroundPoint(orb.Point{lon, lat}, radiusM)
}

// Anchor 返回位置的代表点：点位本身或多边形质心。
func Anchor(g model.Geo) (lat, lon float64, ok bool) {
	switch g.Kind {
	case model.GeoPrecise, model.GeoApproximate:
		if g.Lat == nil || g.Lon == nil {
			return 0, 0, false
		}
		return *g.Lat, *g.Lon, true
	case model.GeoPolygon:
		poly := toPolygon(g.Polygon)
		if poly == nil {
			return 0, 0, false
		}
		c, _ := planar.CentroidArea(poly)
		return c.Lat(), c.Lon(), true
	}
	return 0, 0, false
}

// ApplyAnchor 根据当前位置刷新房源的代表点列。
func ApplyAnchor(l *model.Listing) {
	lat, lon, ok := Anchor(l.Geo())
	if !ok {
		l.AnchorLat, l.AnchorLon = nil, nil
		return
	}
	l.AnchorLat, l.AnchorLon = &lat, &lon
}

// DistanceTo 返回位置到某点的距离；点落在多边形内部时为 0。
func DistanceTo(g model.Geo, lat, lon float64) (float64, bool) {
	if g.Kind == model.GeoPolygon {
		if poly := toPolygon(g.Polygon); poly != nil && planar.PolygonContains(poly, orb.Point{lon, lat}) {
			return 0, true
		}
	}
	alat, alon, ok := Anchor(g)
	if !ok {
		return 0, false
	}
	return Distance(alat, alon, lat, lon), true
}

func toPolygon(pts []model.Point) orb.Polygon {
	if len(pts) < 3 {
		return nil
	}
	ring := make(orb.Ring, 0, len(pts)+1)
	for _, p := range pts {
		ring = append(ring, orb.Point{p[0], p[1]})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	return orb.Polygon{ring}
}
