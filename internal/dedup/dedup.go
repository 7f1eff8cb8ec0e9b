// Package dedup links listings on different portals that describe the same
// physical property. Edges are advisory: listings are never merged.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"sipi/internal/config"
	"sipi/internal/geo"
	"sipi/internal/model"
	"sipi/internal/pkg/metrics"
	"sipi/internal/pkg/textutil"
	"sipi/internal/store"
)

// neutral 某一信号缺失时的中性分。
const neutral = 50.0

const (
	weightDistance     = 0.4
	weightText         = 0.4
	weightPlausibility = 0.2
)

// Candidate 一个达到阈值的疑似重复房源。
type Candidate struct {
	ListingID    uint
	Confidence   int
	Method       model.DedupMethod
	DistanceM    *float64
	TextScore    float64
	Plausibility float64
}

// EdgeAction 重复边写入结果。
type EdgeAction string

const (
	EdgeCreated EdgeAction = "created"
	EdgeRaised  EdgeAction = "raised"
	EdgeKept    EdgeAction = "kept"
)

// EdgeResult Apply 对单个候选的处理结果。
type EdgeResult struct {
	Edge   model.DuplicateEdge
	Action EdgeAction
}

// Deduplicator 跨门户去重。
type Deduplicator struct {
	reader store.Reader
	cfg    config.DedupConfig
	logger *slog.Logger
}

func New(reader store.Reader, cfg config.DedupConfig, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 50
	}
	return &Deduplicator{reader: reader, cfg: cfg, logger: logger}
}

// Find 在半径内以及同邮编/市镇的房源中查找疑似重复，返回达到阈值的候选（置信度降序）。
func (d *Deduplicator) Find(ctx context.Context, l *model.Listing) ([]Candidate, error) {
	seen := make(map[uint]model.Listing)

	g := l.Geo()
	lat, lon, hasAnchor := geo.Anchor(g)
	if hasAnchor {
		nearby, err := d.reader.ListNearby(ctx, geo.Bound(lat, lon, d.cfg.RadiusM), l.ID, d.cfg.MaxCandidates)
		if err != nil {
			return nil, fmt.Errorf("list nearby listings: %w", err)
		}
		for _, o := range nearby {
			seen[o.ID] = o
		}
	}
	if l.PostalCode != "" || l.Locality != "" {
		byAddr, err := d.reader.ListAddressCandidates(ctx, l.PostalCode, l.Locality, l.ID, d.cfg.MaxCandidates)
		if err != nil {
			return nil, fmt.Errorf("list address candidates: %w", err)
		}
		for _, o := range byAddr {
			seen[o.ID] = o
		}
	}

	out := make([]Candidate, 0, len(seen))
	for _, o := range seen {
		o := o
		c, ok := d.Score(l, &o)
		if !ok || c.Confidence < d.cfg.Threshold {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].ListingID < out[j].ListingID
	})
	return out, nil
}

// Score 计算两条房源为同一物业的置信度；ok=false 表示不可比较（同一条或距离超出半径）。
//
// 置信度 = 0.4 距离 + 0.4 文本 + 0.2 价格/面积合理性，缺失信号记为中性 50。
func (d *Deduplicator) Score(a, b *model.Listing) (Candidate, bool) {
	if a.ID == b.ID {
		return Candidate{}, false
	}
	c := Candidate{ListingID: b.ID, Method: model.DedupAddressMatch}

	dist := neutral
	alat, alon, aok := geo.Anchor(a.Geo())
	blat, blon, bok := geo.Anchor(b.Geo())
	if aok && bok {
		m := geo.Distance(alat, alon, blat, blon)
		if m > d.cfg.RadiusM {
			// 坐标明确不重合时不再用地址文本兜底
			return Candidate{}, false
		}
		dist = 100 - 50*m/d.cfg.RadiusM
		c.DistanceM = &m
		c.Method = model.DedupGeoProximity
	}

	c.TextScore = textScore(a, b)
	c.Plausibility = d.plausibility(a, b)

	raw := weightDistance*dist + weightText*c.TextScore + weightPlausibility*c.Plausibility
	c.Confidence = int(math.Round(math.Max(0, math.Min(100, raw))))
	return c, true
}

func textScore(a, b *model.Listing) float64 {
	best := math.Max(textutil.Similarity(a.Title, b.Title), textutil.Similarity(b.Title, a.Title))
	if a.Address != "" && b.Address != "" {
		addr := math.Max(textutil.Similarity(a.Address, b.Address), textutil.Similarity(b.Address, a.Address))
		best = math.Max(best, addr)
	}
	return best
}

// plausibility 价格与面积在容差带内为正分，超出为 0；两者都缺失时为中性分。
func (d *Deduplicator) plausibility(a, b *model.Listing) float64 {
	var scores []float64
	if a.Price != nil && b.Price != nil {
		scores = append(scores, d.band(float64(*a.Price), float64(*b.Price)))
	}
	if a.SurfaceM2 != nil && b.SurfaceM2 != nil {
		scores = append(scores, d.band(*a.SurfaceM2, *b.SurfaceM2))
	}
	if len(scores) == 0 {
		return neutral
	}
	sum := 0.0
	for _, s := range scores {
		sum += s
	}
	return sum / float64(len(scores))
}

func (d *Deduplicator) band(x, y float64) float64 {
	hi := math.Max(x, y)
	if hi <= 0 {
		return neutral
	}
	rel := math.Abs(x-y) / hi
	if d.cfg.PriceTolerance <= 0 {
		if rel == 0 {
			return 100
		}
		return 0
	}
	if rel > d.cfg.PriceTolerance {
		return 0
	}
	return 100 - 50*rel/d.cfg.PriceTolerance
}

// Apply 在事务中写入重复边：新对创建；已存在的边只在置信度更高时上调；人工确认过的边不动。
func (d *Deduplicator) Apply(ctx context.Context, tx store.Tx, listingID uint, candidates []Candidate, now time.Time) ([]EdgeResult, error) {
	results := make([]EdgeResult, 0, len(candidates))
	for _, c := range candidates {
		a, b := model.CanonicalPair(listingID, c.ListingID)
		existing, err := tx.GetDuplicateEdge(ctx, a, b)
		switch {
		case errors.Is(err, model.ErrNotFound):
			edge, err := model.NewDuplicateEdge(listingID, c.ListingID, c.Confidence, c.Method, now)
			if err != nil {
				return nil, err
			}
			if err := tx.SaveDuplicateEdge(ctx, edge); err != nil {
				return nil, fmt.Errorf("create duplicate edge: %w", err)
			}
			results = append(results, EdgeResult{Edge: *edge, Action: EdgeCreated})
			metrics.DuplicateEdgesTotal.WithLabelValues(string(EdgeCreated), string(c.Method)).Inc()
		case err != nil:
			return nil, fmt.Errorf("get duplicate edge: %w", err)
		case existing.Validated || c.Confidence <= existing.Confidence:
			results = append(results, EdgeResult{Edge: *existing, Action: EdgeKept})
			metrics.DuplicateEdgesTotal.WithLabelValues(string(EdgeKept), string(existing.Method)).Inc()
		default:
			existing.Confidence = c.Confidence
			if existing.Method != model.DedupManual {
				existing.Method = c.Method
			}
			existing.UpdatedAt = now
			if err := tx.SaveDuplicateEdge(ctx, existing); err != nil {
				return nil, fmt.Errorf("raise duplicate edge: %w", err)
			}
			results = append(results, EdgeResult{Edge: *existing, Action: EdgeRaised})
			metrics.DuplicateEdgesTotal.WithLabelValues(string(EdgeRaised), string(existing.Method)).Inc()
		}
	}
	return results, nil
}

// CreateManual 审核员手工建立重复边；已存在时返回 model.ErrConflict。
func CreateManual(ctx context.Context, tx store.Tx, a, b uint, confidence int, notes string, now time.Time) (*model.DuplicateEdge, error) {
	for _, id := range []uint{a, b} {
		if _, err := tx.GetListing(ctx, id, false); err != nil {
			return nil, err
		}
	}
	edge, err := model.NewDuplicateEdge(a, b, confidence, model.DedupManual, now)
	if err != nil {
		return nil, err
	}
	edge.Notes = notes
	lo, hi := model.CanonicalPair(a, b)
	if _, err := tx.GetDuplicateEdge(ctx, lo, hi); err == nil {
		return nil, model.ErrConflict
	} else if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}
	if err := tx.SaveDuplicateEdge(ctx, edge); err != nil {
		return nil, err
	}
	metrics.DuplicateEdgesTotal.WithLabelValues(string(EdgeCreated), string(model.DedupManual)).Inc()
	return edge, nil
}

// Validate 审核员确认或否定一条重复边，记录审核人与时间。
func Validate(ctx context.Context, tx store.Tx, edgeID uint, valid bool, reviewer, notes string, now time.Time) (*model.DuplicateEdge, error) {
	edge, err := tx.GetDuplicateEdgeByID(ctx, edgeID)
	if err != nil {
		return nil, err
	}
	edge.Validated = true
	edge.ValidatedBy = &reviewer
	edge.ValidatedAt = &now
	edge.UpdatedAt = now
	if !valid {
		edge.Confidence = 0
	}
	if notes != "" {
		edge.Notes = notes
	}
	if err := tx.SaveDuplicateEdge(ctx, edge); err != nil {
		return nil, err
	}
	return edge, nil
}

// Corroborations 统计与 listingID 相连、位于其他门户且置信度达到阈值的重复边数量。
func Corroborations(ctx context.Context, tx store.Tx, l *model.Listing, threshold int) (int, error) {
	edges, err := tx.ListEdgesFor(ctx, l.ID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, e := range edges {
		if e.Confidence < threshold {
			continue
		}
		other, err := tx.GetListing(ctx, e.Other(l.ID), false)
		if err != nil {
			if errors.Is(err, model.ErrNotFound) {
				continue
			}
			return 0, err
		}
		if other.Portal != l.Portal {
			n++
		}
	}
	return n, nil
}
