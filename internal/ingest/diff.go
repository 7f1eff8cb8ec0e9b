package ingest

import (
	"encoding/json"
	"slices"
	"time"

	"sipi/internal/geo"
	"sipi/internal/model"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// fieldChanges 一次提交相对已存储房源的差异。
type fieldChanges struct {
	price      bool
	enrichment bool // 标题、描述、位置或地址变化，需要重新匹配/去重
	other      bool
}

func (f fieldChanges) any() bool { return f.price || f.enrichment || f.other }

// newListing 由提交记录构造一条新房源。
func newListing(sub *model.Submission, now time.Time) *model.Listing {
	l := &model.Listing{
		Portal:          sub.Portal,
		NativeID:        sub.NativeID,
		FirstSeenAt:     now,
		LastSeenAt:      now,
		NeedsEnrichment: true,
	}
	assign(l, sub)
	return l
}

// assign 将提交记录的可变字段写入 l。
func assign(l *model.Listing, sub *model.Submission) {
	l.URL = sub.URL
	l.Title = sub.Title
	l.Description = sub.Description
	l.PropertyType = sub.PropertyType
	l.Price = copyInt(sub.Price)
	l.SurfaceM2 = copyFloat(sub.SurfaceM2)
	l.SetGeo(sub.Geo)
	geo.ApplyAnchor(l)
	l.Address = sub.Address
	l.Locality = sub.Locality
	l.Province = sub.Province
	l.PostalCode = sub.PostalCode
	l.Characteristics = pq.StringArray(nonNil(sub.Characteristics))
	l.Images = pq.StringArray(nonNil(sub.Images))
	if len(sub.Extra) > 0 {
		l.Extra = datatypes.JSONMap(sub.Extra)
	} else {
		l.Extra = nil
	}
	l.PortalStatus = sub.PortalStatus
	l.Active = sub.IsActive()
}

// diff 比较提交记录与已存储房源（不含活跃状态，活跃状态单独处理）。
func diff(l *model.Listing, sub *model.Submission) fieldChanges {
	var f fieldChanges
	f.price = !int64PtrEqual(l.Price, sub.Price)
	f.enrichment = l.Title != sub.Title ||
		l.Description != sub.Description ||
		!l.Geo().Equal(sub.Geo) ||
		l.Address != sub.Address ||
		l.Locality != sub.Locality ||
		l.PostalCode != sub.PostalCode
	f.other = l.URL != sub.URL ||
		l.PropertyType != sub.PropertyType ||
		!float64PtrEqual(l.SurfaceM2, sub.SurfaceM2) ||
		l.Province != sub.Province ||
		!slices.Equal([]string(l.Characteristics), nonNil(sub.Characteristics)) ||
		!slices.Equal([]string(l.Images), nonNil(sub.Images)) ||
		!extraEqual(l.Extra, sub.Extra) ||
		l.PortalStatus != sub.PortalStatus
	return f
}

// snapshot 账本 new 记录中保存的房源摘要。
func snapshot(l *model.Listing) map[string]any {
	out := map[string]any{
		"portal":    l.Portal,
		"native_id": l.NativeID,
		"title":     l.Title,
		"url":       l.URL,
		"active":    l.Active,
		"geo_kind":  l.GeoKind,
	}
	if l.Price != nil {
		out["price"] = *l.Price
	}
	return out
}

func priceValue(p *int64) map[string]any {
	if p == nil {
		return map[string]any{"price": nil}
	}
	return map[string]any{"price": *p}
}

func extraEqual(stored datatypes.JSONMap, in map[string]any) bool {
	if len(stored) == 0 && len(in) == 0 {
		return true
	}
	a, errA := json.Marshal(map[string]any(stored))
	b, errB := json.Marshal(in)
	return errA == nil && errB == nil && string(a) == string(b)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func copyInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func float64PtrEqual(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
