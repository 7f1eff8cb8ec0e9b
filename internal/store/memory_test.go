package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"sipi/internal/geo"
	"sipi/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newListing(portal model.Portal, id string, lat, lon float64) *model.Listing {
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	l := &model.Listing{
		Portal:      portal,
		NativeID:    id,
		Title:       "Iglesia en venta " + id,
		Active:      true,
		FirstSeenAt: now,
		LastSeenAt:  now,
		Province:    "Sevilla",
	}
	l.SetGeo(model.PreciseAt(lat, lon))
	geo.ApplyAnchor(l)
	return l
}

func TestMemoryStore_UpdateRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	boom := errors.New("boom")

	err := s.Update(ctx, func(tx Tx) error {
		l := newListing(model.PortalIdealista, "1", 37.1, -5.9)
		require.NoError(t, tx.CreateListing(ctx, l))
		require.NoError(t, tx.SaveDetection(ctx, model.NewDetection(l.ID, nil, l.FirstSeenAt)))
		rec := model.NewChange(l.ID, model.ChangeNew, nil, l.Title, "", l.FirstSeenAt)
		require.NoError(t, tx.AppendChange(ctx, &rec))
		return boom
	})
	require.ErrorIs(t, err, boom)

	err = s.Update(ctx, func(tx Tx) error {
		_, err := tx.GetListingByKey(ctx, model.ListingKey{Portal: model.PortalIdealista, NativeID: "1"}, true)
		return err
	})
	assert.ErrorIs(t, err, model.ErrNotFound)
	changes, total, err := s.ListChanges(ctx, 1, Page{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, changes)
}

func TestMemoryStore_NaturalKeyConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		return tx.CreateListing(ctx, newListing(model.PortalIdealista, "1", 37.1, -5.9))
	}))
	err := s.Update(ctx, func(tx Tx) error {
		return tx.CreateListing(ctx, newListing(model.PortalIdealista, "1", 37.1, -5.9))
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	// 同一 native id 在其他门户是另一条房源
	assert.NoError(t, s.Update(ctx, func(tx Tx) error {
		return tx.CreateListing(ctx, newListing(model.PortalFotocasa, "1", 37.1, -5.9))
	}))
}

func TestMemoryStore_SaveListingVersionCAS(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var id uint
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		l := newListing(model.PortalIdealista, "1", 37.1, -5.9)
		err := tx.CreateListing(ctx, l)
		id = l.ID
		return err
	}))

	stale, err := s.FindListing(ctx, id)
	require.NoError(t, err)

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		l, err := tx.GetListing(ctx, id, true)
		if err != nil {
			return err
		}
		l.Title = "fresh"
		return tx.SaveListing(ctx, l)
	}))

	err = s.Update(ctx, func(tx Tx) error {
		stale.Title = "stale"
		return tx.SaveListing(ctx, stale)
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	got, err := s.FindListing(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Title)
	assert.Equal(t, int64(1), got.Version)
}

func TestMemoryStore_RejectsConstraintViolations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	bad := newListing(model.PortalIdealista, "neg", 37.1, -5.9)
	price := int64(-5)
	bad.Price = &price
	err := s.Update(ctx, func(tx Tx) error { return tx.CreateListing(ctx, bad) })
	assert.ErrorIs(t, err, model.ErrIntegrity)

	var a, b uint
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		la := newListing(model.PortalIdealista, "a", 37.1, -5.9)
		lb := newListing(model.PortalFotocasa, "b", 37.1, -5.9)
		if err := tx.CreateListing(ctx, la); err != nil {
			return err
		}
		if err := tx.CreateListing(ctx, lb); err != nil {
			return err
		}
		a, b = la.ID, lb.ID
		return nil
	}))

	err = s.Update(ctx, func(tx Tx) error {
		return tx.SaveDuplicateEdge(ctx, &model.DuplicateEdge{ListingAID: b, ListingBID: a, Confidence: 80, Method: model.DedupGeoProximity})
	})
	assert.ErrorIs(t, err, model.ErrIntegrity)

	err = s.Update(ctx, func(tx Tx) error {
		d := model.NewDetection(a, nil, time.Now())
		d.Score = 101
		return tx.SaveDetection(ctx, d)
	})
	assert.ErrorIs(t, err, model.ErrIntegrity)
}

func TestMemoryStore_DuplicateEdgeUniquePair(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var a, b uint
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		la := newListing(model.PortalIdealista, "a", 37.1, -5.9)
		lb := newListing(model.PortalFotocasa, "b", 37.1, -5.9)
		_ = tx.CreateListing(ctx, la)
		_ = tx.CreateListing(ctx, lb)
		a, b = la.ID, lb.ID
		e, err := model.NewDuplicateEdge(b, a, 75, model.DedupGeoProximity, time.Now())
		if err != nil {
			return err
		}
		return tx.SaveDuplicateEdge(ctx, e)
	}))

	err := s.Update(ctx, func(tx Tx) error {
		e, _ := model.NewDuplicateEdge(a, b, 90, model.DedupAddressMatch, time.Now())
		return tx.SaveDuplicateEdge(ctx, e)
	})
	assert.ErrorIs(t, err, model.ErrConflict)

	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		e, err := tx.GetDuplicateEdge(ctx, b, a)
		if err != nil {
			return err
		}
		e.Confidence = 90
		return tx.SaveDuplicateEdge(ctx, e)
	}))

	edges, total, err := s.ListDuplicates(ctx, DuplicateFilter{ListingID: b})
	require.NoError(t, err)
	require.Equal(t, int64(1), total)
	assert.Equal(t, a, edges[0].ListingAID)
	assert.Equal(t, 90, edges[0].Confidence)
}

func TestMemoryStore_ListChangesOrderedAndPaged(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	var id uint
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		l := newListing(model.PortalIdealista, "1", 37.1, -5.9)
		if err := tx.CreateListing(ctx, l); err != nil {
			return err
		}
		id = l.ID
		// 插入顺序与时间顺序相反
		for i := 4; i >= 0; i-- {
			rec := model.NewChange(id, model.ChangePrice, i, i+1, "", base.Add(time.Duration(i)*time.Hour))
			if err := tx.AppendChange(ctx, &rec); err != nil {
				return err
			}
		}
		return nil
	}))

	page1, total, err := s.ListChanges(ctx, id, Page{Page: 1, PageSize: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(5), total)
	require.Len(t, page1, 2)
	assert.True(t, page1[0].DetectedAt.Equal(base))
	assert.True(t, page1[1].DetectedAt.Equal(base.Add(time.Hour)))

	page3, _, err := s.ListChanges(ctx, id, Page{Page: 3, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page3, 1)

	err = s.Update(ctx, func(tx Tx) error {
		return tx.AppendChange(ctx, &page3[0])
	})
	assert.ErrorIs(t, err, model.ErrImmutable)
}

func TestMemoryStore_SpatialAndAddressQueries(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	var near, far, self uint
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		ls := newListing(model.PortalIdealista, "self", 37.1, -5.9)
		ln := newListing(model.PortalFotocasa, "near", 37.1002, -5.9)
		lf := newListing(model.PortalFotocasa, "far", 37.2, -5.9)
		ln.PostalCode = "41001"
		lf.Locality = "Écija"
		for _, l := range []*model.Listing{ls, ln, lf} {
			if err := tx.CreateListing(ctx, l); err != nil {
				return err
			}
		}
		self, near, far = ls.ID, ln.ID, lf.ID
		return nil
	}))

	got, err := s.ListNearby(ctx, geo.Bound(37.1, -5.9, 50), self, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, near, got[0].ID)

	got, err = s.ListAddressCandidates(ctx, "41001", "écija", self, 10)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = s.ListAddressCandidates(ctx, "", "", self, 10)
	require.NoError(t, err)
	assert.Empty(t, got)
	_ = far
}

func TestMemoryStore_ReportingProjections(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		for i, portal := range []model.Portal{model.PortalIdealista, model.PortalIdealista, model.PortalFotocasa} {
			l := newListing(portal, string(rune('a'+i)), 37.1, -5.9)
			price := int64(100000 * (i + 1))
			l.Price = &price
			if i == 1 {
				l.Active = false
			}
			if err := tx.CreateListing(ctx, l); err != nil {
				return err
			}
			d := model.NewDetection(l.ID, l.Price, l.FirstSeenAt)
			d.Score = 20 * (i + 1)
			if i == 2 {
				d.Status = model.StatusDetected
			}
			if err := tx.SaveDetection(ctx, d); err != nil {
				return err
			}
		}
		return nil
	}))

	stats, err := s.PortalStats(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, model.PortalFotocasa, stats[0].Portal)
	assert.Equal(t, int64(2), stats[1].Total)
	assert.Equal(t, int64(1), stats[1].Delisted)
	assert.InDelta(t, 150000, *stats[1].AvgPrice, 0.1)

	views, total, err := s.ListDetections(ctx, DetectionFilter{MinScore: 30})
	require.NoError(t, err)
	assert.Equal(t, int64(2), total)
	assert.Equal(t, 60, views[0].Score)
	assert.Equal(t, model.PortalFotocasa, views[0].Portal)

	views, _, err = s.ListDetections(ctx, DetectionFilter{Status: model.StatusDetected})
	require.NoError(t, err)
	require.Len(t, views, 1)

	dstats, err := s.DetectionStats(ctx)
	require.NoError(t, err)
	assert.Len(t, dstats, 2)
}

func TestMemoryStore_NotSeenAndEnrichment(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	pass := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Update(ctx, func(tx Tx) error {
		stale := newListing(model.PortalIdealista, "stale", 37.1, -5.9)
		fresh := newListing(model.PortalIdealista, "fresh", 37.1, -5.9)
		fresh.LastSeenAt = pass.Add(time.Hour)
		other := newListing(model.PortalIdealista, "other", 37.1, -5.9)
		other.Province = "Cádiz"
		stale.NeedsEnrichment = true
		for _, l := range []*model.Listing{stale, fresh, other} {
			if err := tx.CreateListing(ctx, l); err != nil {
				return err
			}
		}
		return nil
	}))

	ids, err := s.ListActiveNotSeenSince(ctx, model.PortalIdealista, "Sevilla", pass)
	require.NoError(t, err)
	assert.Equal(t, []uint{1}, ids)

	ids, err = s.ListNeedingEnrichment(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint{1}, ids)
}

func TestMemoryStore_Users(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.CreateUser(ctx, &model.User{Email: "a@b.c", Password: "x", Role: "admin"}))
	assert.ErrorIs(t, s.CreateUser(ctx, &model.User{Email: "a@b.c"}), model.ErrConflict)
	u, err := s.GetUserByEmail(ctx, "a@b.c")
	require.NoError(t, err)
	assert.Equal(t, "admin", u.Role)
	_, err = s.GetUserByEmail(ctx, "nobody@b.c")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPageNormalize(t *testing.T) {
	p := Page{}.Normalize()
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, 20, p.PageSize)
	assert.Equal(t, 200, Page{Page: 2, PageSize: 1000}.Normalize().PageSize)
	assert.Equal(t, 200, Page{Page: 2, PageSize: 1000}.Normalize().Offset())
}
