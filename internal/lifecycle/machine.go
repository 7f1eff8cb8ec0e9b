// Package lifecycle scores detections and drives their status through the
// tracking → detected → confirmed → listed_for_sale → sold state machine.
package lifecycle

import (
	"fmt"
	"log/slog"
	"time"

	"sipi/internal/config"
	"sipi/internal/model"
	"sipi/internal/pkg/metrics"

	"github.com/lib/pq"
)

// transitions 合法的单步迁移；任何非终态都可以进入 withdrawn。
var transitions = map[model.Status][]model.Status{
	model.StatusTracking:      {model.StatusDetected, model.StatusWithdrawn},
	model.StatusDetected:      {model.StatusConfirmed, model.StatusWithdrawn},
	model.StatusConfirmed:     {model.StatusListedForSale, model.StatusWithdrawn},
	model.StatusListedForSale: {model.StatusSold, model.StatusWithdrawn},
}

// CanTransition reports whether from → to is a single legal step.
func CanTransition(from, to model.Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome 一次评估的结果。
type Outcome struct {
	From    model.Status
	To      model.Status
	Changes []model.ChangeRecord
}

// StatusChanged reports whether the detection moved at least one step.
func (o Outcome) StatusChanged() bool { return o.From != o.To }

// Engine 生命周期引擎。
type Engine struct {
	scorer *Scorer
	cfg    config.ScoringConfig
	logger *slog.Logger
}

func NewEngine(cfg config.ScoringConfig, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{scorer: NewScorer(cfg), cfg: cfg, logger: logger}
}

// Scorer 返回引擎使用的评分器。
func (e *Engine) Scorer() *Scorer { return e.scorer }

// Evaluate 重新计算分数并按状态机推进 d，返回需要追加到账本的记录。
//
// d 在原地修改；调用方必须在同一事务内持久化 d 与返回的记录。
// 迁移逐步进行，每一步对应一条 status_change 记录。
func (e *Engine) Evaluate(l *model.Listing, d *model.Detection, ev Evidence, now time.Time) (Outcome, error) {
	out := Outcome{From: d.Status, To: d.Status}
	if !d.Status.Valid() {
		return out, fmt.Errorf("detection %d status %q: %w", d.ListingID, d.Status, model.ErrIntegrity)
	}

	a := e.scorer.Score(l, d, ev)
	if a.Score != d.Score {
		out.Changes = append(out.Changes, model.NewChange(l.ID, model.ChangeScore,
			map[string]int{"score": d.Score}, map[string]int{"score": a.Score}, "", now))
		d.Score = a.Score
	}
	d.Evidences = pq.StringArray(a.Evidences)
	if d.Evidences == nil {
		d.Evidences = pq.StringArray{}
	}
	d.SetAssociation(ev.Match)

	for _, next := range e.path(l, d, a) {
		if !CanTransition(d.Status, next) {
			return out, fmt.Errorf("detection %d %s -> %s: %w", d.ListingID, d.Status, next, model.ErrInvalidTransition)
		}
		out.Changes = append(out.Changes, model.NewChange(l.ID, model.ChangeStatus,
			map[string]model.Status{"status": d.Status}, map[string]model.Status{"status": next}, transitionNote(l, d.Status, next), now))
		metrics.StatusTransitionsTotal.WithLabelValues(string(d.Status), string(next)).Inc()
		e.logger.Info("detection status changed",
			slog.Uint64("listing_id", uint64(l.ID)),
			slog.String("from", string(d.Status)),
			slog.String("to", string(next)),
			slog.Int("score", d.Score))

		switch next {
		case model.StatusDetected:
			if d.FirstDetectedAt == nil {
				t := now
				d.FirstDetectedAt = &t
			}
		case model.StatusConfirmed:
			t := now
			d.ConfirmedAt = &t
		}
		d.Status = next
	}
	out.To = d.Status

	if len(out.Changes) > 0 {
		d.LastUpdatedAt = now
	}
	if err := d.Validate(); err != nil {
		return out, fmt.Errorf("detection %d after evaluation: %w", d.ListingID, err)
	}
	return out, nil
}

// transitionNote 门户标记已售但房源未进入 listed_for_sale 时只能记为 withdrawn，
// 在账本中注明以区别于真正的撤回。
func transitionNote(l *model.Listing, from, to model.Status) string {
	if to == model.StatusWithdrawn && l.PortalStatus == model.PortalStatusSold {
		return "portal_status sold before " + string(model.StatusListedForSale) + " (from " + string(from) + ")"
	}
	return ""
}

// path 返回从当前状态出发需要依次经过的状态。
func (e *Engine) path(l *model.Listing, d *model.Detection, a Assessment) []model.Status {
	cur := d.Status
	if cur.Terminal() {
		return nil
	}

	if !l.Active {
		if cur == model.StatusListedForSale && l.PortalStatus == model.PortalStatusSold {
			return []model.Status{model.StatusSold}
		}
		return []model.Status{model.StatusWithdrawn}
	}

	var steps []model.Status
	if cur == model.StatusTracking {
		if a.Score < e.cfg.DetectThreshold && !a.Confirming() {
			return nil
		}
		steps = append(steps, model.StatusDetected)
		cur = model.StatusDetected
	}
	if cur == model.StatusDetected {
		if !a.Confirming() {
			return steps
		}
		steps = append(steps, model.StatusConfirmed)
		cur = model.StatusConfirmed
	}
	if cur == model.StatusConfirmed {
		steps = append(steps, model.StatusListedForSale)
	}
	return steps
}
