package lifecycle

import (
	"fmt"
	"strings"

	"sipi/internal/config"
	"sipi/internal/model"
	"sipi/internal/pkg/textutil"
)

// Evidence 评分时除房源文本外的证据。
type Evidence struct {
	Match          *model.Match
	Corroborations int
}

// Assessment 评分结果。
type Assessment struct {
	Score     int
	Evidences []string
	// Explicit 命中明确关键词或人工确认证据。
	Explicit bool
	// ConfirmedMatch 存在置信度达到确认线的已确认地名库匹配。
	ConfirmedMatch bool
}

// Confirming reports whether any explicit confirming evidence is present.
func (a Assessment) Confirming() bool {
	return a.Explicit || a.ConfirmedMatch
}

// Scorer 按关键词、物业特征、地名库匹配、跨门户佐证与人工证据计算 0-100 的分数。
type Scorer struct {
	cfg config.ScoringConfig
}

func NewScorer(cfg config.ScoringConfig) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score 计算分数，结果截断到 [0,100]。
func (s *Scorer) Score(l *model.Listing, d *model.Detection, ev Evidence) Assessment {
	w := s.cfg.Weights
	title := l.Title
	body := strings.Join(append([]string{textutil.StripHTML(l.Description)}, l.Characteristics...), " ")
	all := title + " " + body

	var a Assessment
	score := 0

	explicit := ""
	for _, kw := range s.cfg.KeywordsExplicit {
		if textutil.ContainsPhrase(all, kw) {
			explicit = kw
			break
		}
	}
	if explicit != "" {
		score = 100
		a.Explicit = true
		a.Evidences = append(a.Evidences, fmt.Sprintf("explicit keyword %q", explicit))
	} else {
		for _, kw := range s.cfg.KeywordsHigh {
			switch {
			case textutil.ContainsPhrase(title, kw):
				score += w.KeywordHighTitle
				a.Evidences = append(a.Evidences, fmt.Sprintf("keyword %q in title +%d", kw, w.KeywordHighTitle))
			case textutil.ContainsPhrase(body, kw):
				score += w.KeywordHighDescription
				a.Evidences = append(a.Evidences, fmt.Sprintf("keyword %q in description +%d", kw, w.KeywordHighDescription))
			}
		}
		score += s.keywords(all, s.cfg.KeywordsMedium, w.KeywordMedium, &a)
		score += s.keywords(all, s.cfg.KeywordsLow, w.KeywordLow, &a)
		for _, kw := range s.cfg.KeywordsNegative {
			if textutil.ContainsPhrase(all, kw) {
				score -= w.KeywordNegative
				a.Evidences = append(a.Evidences, fmt.Sprintf("negative keyword %q -%d", kw, w.KeywordNegative))
			}
		}
	}

	if l.SurfaceM2 != nil && s.cfg.LargeSurfaceM2 > 0 && *l.SurfaceM2 >= s.cfg.LargeSurfaceM2 {
		score += w.LargeSurface
		a.Evidences = append(a.Evidences, fmt.Sprintf("surface %.0f m2 +%d", *l.SurfaceM2, w.LargeSurface))
	}
	for _, bt := range s.cfg.BuildingTypes {
		if textutil.ContainsPhrase(l.PropertyType, bt) || textutil.ContainsPhrase(title, bt) {
			score += w.BuildingType
			a.Evidences = append(a.Evidences, fmt.Sprintf("building type %q +%d", bt, w.BuildingType))
			break
		}
	}
	if anyPhrase(body, s.cfg.HighCeilingTerms) {
		score += w.HighCeilings
		a.Evidences = append(a.Evidences, fmt.Sprintf("high ceilings +%d", w.HighCeilings))
	}
	if anyPhrase(body, s.cfg.MultiFloorTerms) {
		score += w.MultipleFloors
		a.Evidences = append(a.Evidences, fmt.Sprintf("multiple floors +%d", w.MultipleFloors))
	}

	if m := ev.Match; m != nil {
		if m.Confirmed && m.Confidence >= s.cfg.ConfirmMatchConfidence {
			score += w.MatchExact
			a.ConfirmedMatch = true
			a.Evidences = append(a.Evidences, fmt.Sprintf("gazetteer %s/%s %q confidence %d +%d", m.GazetteerType, m.GazetteerID, m.Name, m.Confidence, w.MatchExact))
		} else {
			score += w.MatchNearby
			a.Evidences = append(a.Evidences, fmt.Sprintf("gazetteer candidate %s/%s confidence %d +%d", m.GazetteerType, m.GazetteerID, m.Confidence, w.MatchNearby))
		}
	}

	if ev.Corroborations > 0 {
		bonus := ev.Corroborations * w.DuplicateCorroboration
		if w.DuplicateCap > 0 && bonus > w.DuplicateCap {
			bonus = w.DuplicateCap
		}
		score += bonus
		a.Evidences = append(a.Evidences, fmt.Sprintf("%d cross-portal duplicate(s) +%d", ev.Corroborations, bonus))
	}

	if d != nil {
		for _, me := range d.Manual() {
			score += me.Weight
			a.Evidences = append(a.Evidences, fmt.Sprintf("manual %q by %s +%d", me.Text, me.Reviewer, me.Weight))
			if me.Confirming {
				a.Explicit = true
			}
		}
	}

	a.Score = clampScore(score)
	return a
}

func (s *Scorer) keywords(text string, list []string, weight int, a *Assessment) int {
	total := 0
	for _, kw := range list {
		if textutil.ContainsPhrase(text, kw) {
			total += weight
			a.Evidences = append(a.Evidences, fmt.Sprintf("keyword %q +%d", kw, weight))
		}
	}
	return total
}

func anyPhrase(text string, phrases []string) bool {
	for _, p := range phrases {
		if textutil.ContainsPhrase(text, p) {
			return true
		}
	}
	return false
}

func clampScore(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
