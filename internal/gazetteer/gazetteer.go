// Package gazetteer provides read-only lookups against the reference dataset
// of known candidate locations (OSM / Wikidata extracts).
package gazetteer

import (
	"context"
	"sort"
)

// Entry 地名库中的一个条目，(Type, ID) 稳定且唯一。
type Entry struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"` // osm_node / osm_way / wikidata ...
	Name       string            `json:"name"`
	Class      string            `json:"class,omitempty"` // church / convent / chapel ...
	Lat        float64           `json:"lat"`
	Lon        float64           `json:"lon"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Candidate 一次查询返回的条目及其排序依据。
//
// Nearby 返回时 DistanceM 有效；Search 返回时 Score 为后端的文本相关度。
type Candidate struct {
	Entry     Entry
	DistanceM float64
	Score     float64
}

// Index 地名库查询接口。实现必须是只读的，并且结果有界。
type Index interface {
	// Nearby 返回 radiusM 内按距离升序的至多 k 个条目。
	Nearby(ctx context.Context, lat, lon, radiusM float64, k int) ([]Candidate, error)
	// Search 返回与 text 相关度最高的至多 k 个条目。
	Search(ctx context.Context, text string, k int) ([]Candidate, error)
}

func sortByDistance(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].DistanceM != c[j].DistanceM {
			return c[i].DistanceM < c[j].DistanceM
		}
		return c[i].Entry.ID < c[j].Entry.ID
	})
}

func sortByScore(c []Candidate) {
	sort.SliceStable(c, func(i, j int) bool {
		if c[i].Score != c[j].Score {
			return c[i].Score > c[j].Score
		}
		return c[i].Entry.ID < c[j].Entry.ID
	})
}

func truncate(c []Candidate, k int) []Candidate {
	if k > 0 && len(c) > k {
		return c[:k]
	}
	return c
}
