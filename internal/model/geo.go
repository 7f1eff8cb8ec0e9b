package model

import (
	"encoding/json"
	"math"
)

// GeoKind 地理位置精度变体。
type GeoKind string

const (
	GeoNone        GeoKind = "none"
	GeoApproximate GeoKind = "approximate"
	GeoPrecise     GeoKind = "precise"
	GeoPolygon     GeoKind = "polygon"
	GeoAddressOnly GeoKind = "address_only"
	GeoPostalCode  GeoKind = "postal_code"
)

// Point is a [lon, lat] pair, the order GeoJSON uses.
type Point [2]float64

// Geo 是房源位置的标签联合体：Kind 决定哪些字段必须存在。
type Geo struct {
	Kind    GeoKind  `json:"kind"`
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
	RadiusM *float64 `json:"radius_m,omitempty"`
	Polygon []Point  `json:"polygon,omitempty"`
}

// PreciseAt 构造精确坐标。
func PreciseAt(lat, lon float64) Geo {
	return Geo{Kind: GeoPrecise, Lat: &lat, Lon: &lon}
}

// ApproximateAt 构造带半径的近似坐标。
func ApproximateAt(lat, lon, radiusM float64) Geo {
	return Geo{Kind: GeoApproximate, Lat: &lat, Lon: &lon, RadiusM: &radiusM}
}

// Validate 校验变体与字段的一致性。
func (g Geo) Validate() error {
	switch g.Kind {
	case GeoPrecise, GeoApproximate:
		if g.Lat == nil || g.Lon == nil {
			return invalid("geo", string(g.Kind)+" requires lat and lon")
		}
		if err := validateCoord(*g.Lat, *g.Lon); err != nil {
			return err
		}
		if len(g.Polygon) > 0 {
			return invalid("geo", string(g.Kind)+" must not carry a polygon")
		}
		if g.Kind == GeoPrecise && g.RadiusM != nil {
			return invalid("geo", "precise must not carry a radius")
		}
		if g.Kind == GeoApproximate && g.RadiusM == nil {
			return invalid("geo.radius_m", "required for approximate")
		}
		if g.RadiusM != nil && (*g.RadiusM <= 0 || math.IsNaN(*g.RadiusM) || math.IsInf(*g.RadiusM, 0)) {
			return invalid("geo.radius_m", "must be positive")
		}
	case GeoPolygon:
		if len(g.Polygon) < 3 {
			return invalid("geo.polygon", "needs at least 3 vertices")
		}
		for _, p := range g.Polygon {
			if err := validateCoord(p[1], p[0]); err != nil {
				return err
			}
		}
		if g.Lat != nil || g.Lon != nil || g.RadiusM != nil {
			return invalid("geo", "polygon must not carry point fields")
		}
	case GeoNone, GeoAddressOnly, GeoPostalCode:
		if g.Lat != nil || g.Lon != nil || g.RadiusM != nil || len(g.Polygon) > 0 {
			return invalid("geo", string(g.Kind)+" must not carry coordinates")
		}
	case "":
		return invalid("geo.kind", "missing")
	default:
		return invalid("geo.kind", "unknown variant "+string(g.Kind))
	}
	return nil
}

// HasCoordinates reports whether the variant can be used for proximity search.
func (g Geo) HasCoordinates() bool {
	switch g.Kind {
	case GeoPrecise, GeoApproximate, GeoPolygon:
		return true
	}
	return false
}

// Equal 比较两个位置是否一致。
func (g Geo) Equal(o Geo) bool {
	if g.Kind != o.Kind || !floatPtrEqual(g.Lat, o.Lat) || !floatPtrEqual(g.Lon, o.Lon) || !floatPtrEqual(g.RadiusM, o.RadiusM) {
		return false
	}
	if len(g.Polygon) != len(o.Polygon) {
		return false
	}
	for i := range g.Polygon {
		if g.Polygon[i] != o.Polygon[i] {
			return false
		}
	}
	return true
}

func validateCoord(lat, lon float64) error {
	if math.IsNaN(lat) || lat < -90 || lat > 90 {
		return invalid("geo.lat", "out of range")
	}
	if math.IsNaN(lon) || lon < -180 || lon > 180 {
		return invalid("geo.lon", "out of range")
	}
	return nil
}

func floatPtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func marshalPolygon(p []Point) []byte {
	if len(p) == 0 {
		return nil
	}
	data, _ := json.Marshal(p)
	return data
}
