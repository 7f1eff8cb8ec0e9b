package model

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestGeoValidate_Variants(t *testing.T) {
	cases := []struct {
		name string
		geo  Geo
		ok   bool
	}{
		{"precise", PreciseAt(37.1, -5.9), true},
		{"precise missing lon", Geo{Kind: GeoPrecise, Lat: ptr(37.1)}, false},
		{"precise with radius", Geo{Kind: GeoPrecise, Lat: ptr(37.1), Lon: ptr(-5.9), RadiusM: ptr(10.0)}, false},
		{"approximate", ApproximateAt(37.1, -5.9, 500), true},
		{"approximate bad radius", ApproximateAt(37.1, -5.9, -1), false},
		{"approximate without radius", Geo{Kind: GeoApproximate, Lat: ptr(37.1), Lon: ptr(-5.9)}, false},
		{"latitude out of range", PreciseAt(91, 0), false},
		{"polygon", Geo{Kind: GeoPolygon, Polygon: []Point{{-5.9, 37.1}, {-5.8, 37.1}, {-5.8, 37.2}}}, true},
		{"polygon too small", Geo{Kind: GeoPolygon, Polygon: []Point{{-5.9, 37.1}, {-5.8, 37.1}}}, false},
		{"address only", Geo{Kind: GeoAddressOnly}, true},
		{"address only with coords", Geo{Kind: GeoAddressOnly, Lat: ptr(1.0), Lon: ptr(1.0)}, false},
		{"postal code", Geo{Kind: GeoPostalCode}, true},
		{"none", Geo{Kind: GeoNone}, true},
		{"missing kind", Geo{}, false},
		{"unknown kind", Geo{Kind: "wkt"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.geo.Validate()
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

// Random variant/field combinations: whatever passes validation must
// satisfy the per-variant field requirements once stored on a Listing.
func TestGeoValidate_RandomCombinations(t *testing.T) {
	kinds := []GeoKind{GeoNone, GeoApproximate, GeoPrecise, GeoPolygon, GeoAddressOnly, GeoPostalCode, "bogus"}
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 2000; i++ {
		g := Geo{Kind: kinds[rng.Intn(len(kinds))]}
		if rng.Intn(2) == 0 {
			g.Lat = ptr(rng.Float64()*200 - 100)
		}
		if rng.Intn(2) == 0 {
			g.Lon = ptr(rng.Float64()*400 - 200)
		}
		if rng.Intn(3) == 0 {
			g.RadiusM = ptr(rng.Float64()*1000 - 100)
		}
		if rng.Intn(3) == 0 {
			n := rng.Intn(5)
			for j := 0; j < n; j++ {
				g.Polygon = append(g.Polygon, Point{rng.Float64()*10 - 5, rng.Float64()*10 + 35})
			}
		}
		if g.Validate() != nil {
			continue
		}

		var l Listing
		l.SetGeo(g)
		stored := l.Geo()
		require.True(t, stored.Equal(g), "round trip changed geo %+v", g)
		switch g.Kind {
		case GeoPrecise, GeoApproximate:
			require.NotNil(t, l.Lat)
			require.NotNil(t, l.Lon)
			require.Empty(t, l.Polygon)
			require.Equal(t, g.Kind == GeoApproximate, l.RadiusM != nil)
		case GeoPolygon:
			require.NotEmpty(t, l.Polygon)
			require.Nil(t, l.Lat)
		default:
			require.Nil(t, l.Lat)
			require.Nil(t, l.Lon)
			require.Empty(t, l.Polygon)
		}
	}
}

func TestSubmissionValidate(t *testing.T) {
	valid := func() Submission {
		return Submission{
			Portal:   PortalIdealista,
			NativeID: "123",
			Title:    "Antigua iglesia en venta",
			Price:    ptr(int64(200000)),
			Geo:      PreciseAt(37.1, -5.9),
		}
	}

	s := valid()
	assert.NoError(t, s.Validate())

	s = valid()
	s.Price = ptr(int64(0))
	var verr *ValidationError
	require.True(t, errors.As(s.Validate(), &verr))
	assert.Equal(t, "price", verr.Field)

	s = valid()
	s.SurfaceM2 = ptr(-3.0)
	assert.ErrorIs(t, s.Validate(), ErrValidation)

	s = valid()
	s.Portal = "milanuncios"
	assert.ErrorIs(t, s.Validate(), ErrValidation)

	s = valid()
	s.NativeID = "  "
	assert.ErrorIs(t, s.Validate(), ErrValidation)

	s = valid()
	s.Geo = Geo{Kind: GeoApproximate}
	assert.ErrorIs(t, s.Validate(), ErrValidation)

	s = valid()
	s.PortalStatus = PortalStatusSold
	s.Active = ptr(true)
	assert.ErrorIs(t, s.Validate(), ErrValidation)

	s = valid()
	s.PortalStatus = PortalStatusSold
	assert.NoError(t, s.Validate())
	assert.False(t, s.IsActive())
}

func TestNewDuplicateEdge_CanonicalOrder(t *testing.T) {
	now := time.Now()
	e, err := NewDuplicateEdge(9, 4, 80, DedupGeoProximity, now)
	require.NoError(t, err)
	assert.Equal(t, uint(4), e.ListingAID)
	assert.Equal(t, uint(9), e.ListingBID)
	assert.Equal(t, uint(4), e.Other(9))

	_, err = NewDuplicateEdge(7, 7, 80, DedupGeoProximity, now)
	assert.ErrorIs(t, err, ErrIntegrity)

	_, err = NewDuplicateEdge(1, 2, 101, DedupManual, now)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestDetection_AssociationAllOrNothing(t *testing.T) {
	d := NewDetection(1, ptr(int64(100)), time.Now())
	require.NoError(t, d.Validate())

	d.SetAssociation(&Match{GazetteerType: "osm", GazetteerID: "node/1", Confidence: 91, Method: MatchHybrid})
	require.NoError(t, d.Validate())
	assert.Equal(t, "node/1", *d.GazetteerID)

	d.GazetteerType = nil
	assert.ErrorIs(t, d.Validate(), ErrIntegrity)

	d.ClearAssociation()
	assert.NoError(t, d.Validate())

	d.Score = 101
	assert.ErrorIs(t, d.Validate(), ErrIntegrity)
}

func TestDetection_ResetPrices(t *testing.T) {
	d := NewDetection(1, ptr(int64(200000)), time.Now())
	assert.Equal(t, int64(200000), *d.InitialPrice)
	assert.Equal(t, int64(200000), *d.MinPrice)
	assert.Equal(t, int64(200000), *d.MaxPrice)
	assert.Equal(t, 0, d.PriceChanges)

	d.ResetPrices(nil)
	assert.Nil(t, d.CurrentPrice)
}

func TestDetection_AddManualRejectsOutOfRange(t *testing.T) {
	d := NewDetection(1, nil, time.Now())
	assert.ErrorIs(t, d.AddManual(ManualEvidence{Text: "campanario visible", Weight: 120}), ErrValidation)
	assert.ErrorIs(t, d.AddManual(ManualEvidence{Text: "x", Weight: -1}), ErrValidation)
	require.NoError(t, d.AddManual(ManualEvidence{Text: "campanario visible", Weight: 20}))
	require.NoError(t, d.AddManual(ManualEvidence{Text: "confirmado in situ", Weight: 40, Confirming: true}))
	got := d.Manual()
	require.Len(t, got, 2)
	assert.True(t, got[1].Confirming)
}

func TestChangeRecord_Immutable(t *testing.T) {
	c := NewChange(1, ChangePrice, int64(200000), int64(190000), "", time.Now())
	assert.JSONEq(t, "200000", string(c.PriorValue))
	assert.ErrorIs(t, c.BeforeUpdate(nil), ErrImmutable)
	assert.ErrorIs(t, c.BeforeDelete(nil), ErrImmutable)
}
