// Package matcher associates listings with gazetteer entries using geodesic
// proximity and name similarity.
package matcher

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"sipi/internal/config"
	"sipi/internal/gazetteer"
	"sipi/internal/geo"
	"sipi/internal/model"
	"sipi/internal/pkg/health"
	"sipi/internal/pkg/metrics"
	"sipi/internal/pkg/retry"
	"sipi/internal/pkg/textutil"
)

const (
	// approximateFactor 近似坐标的邻近分折扣。
	approximateFactor = 0.8
	// textOnlyWeight 无坐标时文本路径的权重，保证纯文本永远无法自动确认。
	textOnlyWeight = 0.6
	// dominantSignal 两种信号都达到该分数时方法记为 hybrid。
	dominantSignal = 50
)

// Action 一次匹配的处理结果。
type Action string

const (
	ActionConfirmed Action = "confirmed" // 写入已确认的匹配
	ActionCandidate Action = "candidate" // 写入候选匹配（未确认）
	ActionNone      Action = "none"      // 没有达到下限的候选
	ActionKept      Action = "kept"      // 已有匹配保持不变（滞后或人工）
)

// Proposal 本轮评估得到的最佳候选。
type Proposal struct {
	Entry      gazetteer.Entry
	Confidence int
	Method     model.MatchMethod
	DistanceM  *float64
	Proximity  float64
	NameScore  float64
}

// Decision 将 Proposal 与已有匹配比较后的结论。
type Decision struct {
	Action Action
	// Match 为需要写入的匹配；nil 表示不写。
	Match *model.Match
}

// Matcher 地名库匹配器。
type Matcher struct {
	index  gazetteer.Index
	cfg    config.MatcherConfig
	policy retry.Policy
	health *health.Tracker
	logger *slog.Logger
}

// New 创建匹配器。
//
// 参数:
//
//	index: 地名库索引
//	cfg: 匹配参数（阈值、权重、半径）
//	policy: 地名库调用的重试策略
//	tracker: 依赖健康状态（可为 nil）
//	logger: 日志
func New(index gazetteer.Index, cfg config.MatcherConfig, policy retry.Policy, tracker *health.Tracker, logger *slog.Logger) *Matcher {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.Logger == nil {
		policy.Logger = logger
	}
	if cfg.K <= 0 {
		cfg.K = 5
	}
	return &Matcher{index: index, cfg: cfg, policy: policy, health: tracker, logger: logger}
}

// Propose 查询地名库并返回综合分最高的候选；没有达到下限时返回 nil。
//
// 重试耗尽后返回 *model.DependencyError，调用方应保留已有匹配。
func (m *Matcher) Propose(ctx context.Context, l *model.Listing) (*Proposal, error) {
	g := l.Geo()
	var (
		best *Proposal
		err  error
	)
	if g.HasCoordinates() {
		best, err = m.proposeSpatial(ctx, l, g)
	} else {
		best, err = m.proposeText(ctx, l)
	}
	if err != nil {
		return nil, err
	}
	if best == nil || best.Confidence < m.cfg.LowerThreshold {
		return nil, nil
	}
	return best, nil
}

func (m *Matcher) proposeSpatial(ctx context.Context, l *model.Listing, g model.Geo) (*Proposal, error) {
	lat, lon, ok := geo.Anchor(g)
	if !ok {
		return nil, nil
	}
	// 近似位置只降低接近度，不扩大候选范围
	factor := 1.0
	if g.Kind == model.GeoApproximate {
		factor = approximateFactor
	}
	// 多边形按到边界的距离过滤；查询半径需覆盖从中心到边界的部分
	search := m.cfg.MaxRadiusM
	if g.Kind == model.GeoPolygon {
		search += polygonReach(g, lat, lon)
	}

	var candidates []gazetteer.Candidate
	err := m.lookup(ctx, "nearby", func(ctx context.Context) error {
		var err error
		candidates, err = m.index.Nearby(ctx, lat, lon, search, m.cfg.K)
		return err
	})
	if err != nil {
		return nil, err
	}

	haystack := listingText(l)
	var best *Proposal
	for _, c := range candidates {
		d := c.DistanceM
		if g.Kind == model.GeoPolygon {
			if dp, ok := geo.DistanceTo(g, c.Entry.Lat, c.Entry.Lon); ok {
				d = dp
			}
		}
		if d > m.cfg.MaxRadiusM {
			continue
		}
		prox := m.proximity(d) * factor
		name := textutil.Similarity(c.Entry.Name, haystack)
		p := &Proposal{
			Entry:      c.Entry,
			Confidence: clamp(int(math.Round(m.cfg.ProximityWeight*prox + m.cfg.NameWeight*name))),
			Method:     m.method(prox, name),
			DistanceM:  floatPtr(d),
			Proximity:  prox,
			NameScore:  name,
		}
		if better(p, best) {
			best = p
		}
	}
	return best, nil
}

func (m *Matcher) proposeText(ctx context.Context, l *model.Listing) (*Proposal, error) {
	query := strings.TrimSpace(strings.Join([]string{l.Title, l.Address, l.Locality}, " "))
	if query == "" {
		return nil, nil
	}
	var candidates []gazetteer.Candidate
	err := m.lookup(ctx, "search", func(ctx context.Context) error {
		var err error
		candidates, err = m.index.Search(ctx, query, m.cfg.K)
		return err
	})
	if err != nil {
		return nil, err
	}

	haystack := listingText(l)
	var best *Proposal
	for _, c := range candidates {
		name := textutil.Similarity(c.Entry.Name, haystack)
		p := &Proposal{
			Entry:      c.Entry,
			Confidence: clamp(int(math.Round(textOnlyWeight * name))),
			Method:     model.MatchName,
			NameScore:  name,
		}
		if better(p, best) {
			best = p
		}
	}
	return best, nil
}

func (m *Matcher) lookup(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	err := m.policy.Do(ctx, "gazetteer."+op, func(ctx context.Context) error {
		err := fn(ctx)
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		metrics.DependencyFailuresTotal.WithLabelValues("gazetteer").Inc()
		m.health.MarkDegraded("gazetteer", err)
		return &model.DependencyError{Dependency: "gazetteer", Err: err}
	}
	m.health.MarkHealthy("gazetteer")
	return nil
}

// Decide 比较候选与已有匹配，应用人工优先与滞后规则。
//
// 已有匹配只会被置信度至少高出 HysteresisMargin 的候选覆盖；人工匹配从不被覆盖。
func (m *Matcher) Decide(listingID uint, existing *model.Match, p *Proposal, now time.Time) Decision {
	if existing != nil && existing.Method == model.MatchManual {
		return m.record(Decision{Action: ActionKept}, existing.Method)
	}
	if p == nil {
		if existing != nil {
			return m.record(Decision{Action: ActionKept}, existing.Method)
		}
		return m.record(Decision{Action: ActionNone}, "")
	}
	if existing != nil && p.Confidence < existing.Confidence+m.cfg.HysteresisMargin {
		return m.record(Decision{Action: ActionKept}, existing.Method)
	}

	confirmed := p.Confidence >= m.cfg.ConfirmThreshold
	match := &model.Match{
		ListingID:     listingID,
		GazetteerType: p.Entry.Type,
		GazetteerID:   p.Entry.ID,
		Name:          p.Entry.Name,
		Confidence:    p.Confidence,
		Method:        p.Method,
		DistanceM:     p.DistanceM,
		Confirmed:     confirmed,
		UpdatedAt:     now,
	}
	if existing != nil {
		match.ID = existing.ID
		match.CreatedAt = existing.CreatedAt
	} else {
		match.CreatedAt = now
	}
	action := ActionCandidate
	if confirmed {
		action = ActionConfirmed
	}
	return m.record(Decision{Action: action, Match: match}, p.Method)
}

func (m *Matcher) record(d Decision, method model.MatchMethod) Decision {
	metrics.MatchTotal.WithLabelValues(string(d.Action), string(method)).Inc()
	return d
}

// proximity 距离在饱和距离内为 100，之后按 HalfScoreM 双曲衰减。
func (m *Matcher) proximity(d float64) float64 {
	if d <= m.cfg.SaturationM {
		return 100
	}
	half := m.cfg.HalfScoreM
	if half <= 0 {
		half = 50
	}
	return 100 / (1 + (d-m.cfg.SaturationM)/half)
}

func (m *Matcher) method(prox, name float64) model.MatchMethod {
	if prox >= dominantSignal && name >= dominantSignal {
		return model.MatchHybrid
	}
	if m.cfg.ProximityWeight*prox >= m.cfg.NameWeight*name {
		return model.MatchProximity
	}
	return model.MatchName
}

func better(p, best *Proposal) bool {
	if best == nil {
		return true
	}
	if p.Confidence != best.Confidence {
		return p.Confidence > best.Confidence
	}
	if p.DistanceM != nil && best.DistanceM != nil && *p.DistanceM != *best.DistanceM {
		return *p.DistanceM < *best.DistanceM
	}
	return p.Entry.ID < best.Entry.ID
}

func listingText(l *model.Listing) string {
	return strings.Join([]string{l.Title, l.Address, textutil.StripHTML(l.Description)}, " ")
}

func polygonReach(g model.Geo, lat, lon float64) float64 {
	reach := 0.0
	for _, p := range g.Polygon {
		if d := geo.Distance(lat, lon, p[1], p[0]); d > reach {
			reach = d
		}
	}
	return reach
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

func floatPtr(v float64) *float64 { return &v }
