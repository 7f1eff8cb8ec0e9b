// Package ingest is the entry point for scraped listing submissions: it
// decides new / updated / unchanged, records every material change in the
// ledger, and hands listings to the asynchronous match/dedup/lifecycle
// pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sipi/internal/config"
	"sipi/internal/dedup"
	"sipi/internal/ledger"
	"sipi/internal/lifecycle"
	"sipi/internal/model"
	"sipi/internal/pkg/lock"
	"sipi/internal/pkg/metrics"
	"sipi/internal/pkg/notify"
	"sipi/internal/store"
)

// Outcome 单条提交的处理结果。
type Outcome string

const (
	OutcomeNew       Outcome = "new"
	OutcomeUpdated   Outcome = "updated"
	OutcomeUnchanged Outcome = "unchanged"
)

// Result 返回给调用方的持久化结果。
type Result struct {
	ListingID uint    `json:"listing_id"`
	Outcome   Outcome `json:"outcome"`
}

// Scheduler 后处理任务的投递接口（Pipeline）。
type Scheduler interface {
	Schedule(listingID uint) bool
}

// Coordinator 入库协调器。
type Coordinator struct {
	store    store.Store
	locker   lock.Locker
	ledger   *ledger.Ledger
	engine   *lifecycle.Engine
	sched    Scheduler
	notifier notify.Notifier
	cfg      config.IngestConfig
	dedupMin int
	logger   *slog.Logger
	now      func() time.Time
}

// Options 协调器依赖。
type Options struct {
	Store    store.Store
	Locker   lock.Locker
	Ledger   *ledger.Ledger
	Engine   *lifecycle.Engine
	Pipeline Scheduler
	Notifier notify.Notifier
	Config   config.IngestConfig
	// DedupThreshold 计入跨门户佐证的最低重复边置信度。
	DedupThreshold int
	Logger         *slog.Logger
}

// NewCoordinator 创建协调器。Locker 为空时使用进程内锁。
func NewCoordinator(opts Options) *Coordinator {
	c := &Coordinator{
		store:    opts.Store,
		locker:   opts.Locker,
		ledger:   opts.Ledger,
		engine:   opts.Engine,
		sched:    opts.Pipeline,
		notifier: opts.Notifier,
		cfg:      opts.Config,
		dedupMin: opts.DedupThreshold,
		logger:   opts.Logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if c.locker == nil {
		c.locker = lock.NewLocal()
	}
	if c.notifier == nil {
		c.notifier = notify.Nop{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.cfg.MaxConflictRetries <= 0 {
		c.cfg.MaxConflictRetries = 3
	}
	if c.cfg.DelistAfterMissedPasses <= 0 {
		c.cfg.DelistAfterMissedPasses = 3
	}
	return c
}

// committed 一次事务提交后需要执行的副作用。
type committed struct {
	listing  *model.Listing
	records  []model.ChangeRecord
	outcome  Outcome
	from, to model.Status
	detect   *model.Detection
	schedule bool
}

// Ingest 处理一条提交记录。
//
// 同一房源的并发调用通过 Locker 与行锁串行化；版本冲突在内部重试。
// 校验失败返回 *model.ValidationError，不写入任何数据。
func (c *Coordinator) Ingest(ctx context.Context, sub model.Submission) (Result, error) {
	if err := sub.Validate(); err != nil {
		metrics.IngestTotal.WithLabelValues(string(sub.Portal), "invalid").Inc()
		return Result{}, err
	}
	key := sub.Key()

	unlock, err := c.locker.Lock(ctx, key.String())
	if err != nil {
		return Result{}, fmt.Errorf("lock listing %s: %w", key, err)
	}
	defer unlock()

	var done *committed
	for attempt := 1; ; attempt++ {
		done, err = c.apply(ctx, &sub)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrConflict) || attempt > c.cfg.MaxConflictRetries {
			metrics.IngestTotal.WithLabelValues(string(sub.Portal), "failed").Inc()
			c.logger.Error("ingest listing failed",
				slog.String("listing", key.String()),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			return Result{}, err
		}
		metrics.IngestConflictRetries.Inc()
		c.logger.Warn("ingest conflict, retrying",
			slog.String("listing", key.String()),
			slog.Int("attempt", attempt))
	}

	c.afterCommit(ctx, done)
	metrics.IngestTotal.WithLabelValues(string(sub.Portal), string(done.outcome)).Inc()
	return Result{ListingID: done.listing.ID, Outcome: done.outcome}, nil
}

func (c *Coordinator) apply(ctx context.Context, sub *model.Submission) (*committed, error) {
	now := c.now()
	if sub.ObservedAt != nil {
		now = sub.ObservedAt.UTC()
	}

	var done *committed
	err := c.store.Update(ctx, func(tx store.Tx) error {
		done = nil
		existing, err := tx.GetListingByKey(ctx, sub.Key(), true)
		if errors.Is(err, model.ErrNotFound) {
			done, err = c.create(ctx, tx, sub, now)
			return err
		}
		if err != nil {
			return err
		}
		done, err = c.update(ctx, tx, existing, sub, now)
		return err
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

func (c *Coordinator) create(ctx context.Context, tx store.Tx, sub *model.Submission, now time.Time) (*committed, error) {
	l := newListing(sub, now)
	if err := tx.CreateListing(ctx, l); err != nil {
		return nil, err
	}
	d := model.NewDetection(l.ID, l.Price, now)
	if err := tx.SaveDetection(ctx, d); err != nil {
		return nil, err
	}
	recs, err := c.ledger.Append(ctx, tx, model.NewChange(l.ID, model.ChangeNew, nil, snapshot(l), "", now))
	if err != nil {
		return nil, err
	}
	return &committed{listing: l, records: recs, outcome: OutcomeNew, schedule: true}, nil
}

func (c *Coordinator) update(ctx context.Context, tx store.Tx, l *model.Listing, sub *model.Submission, now time.Time) (*committed, error) {
	if now.Before(l.LastSeenAt) {
		// 乱序到达的旧观测不覆盖更新的数据
		c.logger.Debug("stale submission ignored",
			slog.String("listing", l.Key().String()),
			slog.Time("observed_at", now),
			slog.Time("last_seen_at", l.LastSeenAt))
		return &committed{listing: l, outcome: OutcomeUnchanged}, nil
	}

	d, err := tx.GetDetection(ctx, l.ID)
	if err != nil {
		return nil, err
	}
	done := &committed{listing: l, outcome: OutcomeUnchanged, from: d.Status, to: d.Status}
	changes := diff(l, sub)
	wasActive, nowActive := l.Active, sub.IsActive()
	var recs []model.ChangeRecord

	switch {
	case !wasActive && nowActive:
		// 重新上架：开启新的追踪周期，历史保持不变
		prior := map[string]any{"status": d.Status, "cycle": d.Cycle}
		assign(l, sub)
		l.DelistedAt = nil
		l.NeedsEnrichment = true
		d.Cycle++
		d.Status = model.StatusTracking
		d.Score = 0
		d.Evidences = nil
		d.FirstDetectedAt, d.ConfirmedAt = nil, nil
		d.ClearAssociation()
		d.ResetPrices(l.Price)
		d.LastUpdatedAt = now
		next := snapshot(l)
		next["cycle"] = d.Cycle
		recs = append(recs, model.NewChange(l.ID, model.ChangeNew, prior, next, "reactivated", now))
		done.outcome, done.schedule = OutcomeUpdated, true
		done.to = d.Status

	default:
		if changes.price {
			prev := d.CurrentPrice
			if lifecycle.TrackPrice(d, sub.Price) {
				recs = append(recs, model.NewChange(l.ID, model.ChangePrice, priceValue(prev), priceValue(sub.Price), "", now))
				d.LastUpdatedAt = now
			}
		}
		if changes.enrichment {
			l.NeedsEnrichment = true
			done.schedule = true
		}
		assign(l, sub)
		if wasActive && !nowActive {
			l.DelistedAt = &now
			recs = append(recs, model.NewChange(l.ID, model.ChangeDelisted,
				map[string]any{"active": true}, map[string]any{"active": false, "portal_status": l.PortalStatus}, "", now))
			evalRecs, err := c.evaluate(ctx, tx, l, d, now)
			if err != nil {
				return nil, err
			}
			recs = append(recs, evalRecs...)
			done.to = d.Status
		}
		if changes.any() || wasActive != nowActive {
			done.outcome = OutcomeUpdated
		}
	}

	l.LastSeenAt = now
	l.MissedPasses = 0
	if err := tx.SaveListing(ctx, l); err != nil {
		return nil, err
	}
	if len(recs) > 0 || done.outcome != OutcomeUnchanged {
		if err := tx.SaveDetection(ctx, d); err != nil {
			return nil, err
		}
	}
	if recs, err = c.ledger.Append(ctx, tx, recs...); err != nil {
		return nil, err
	}
	done.records = recs
	done.detect = d
	return done, nil
}

// evaluate 在事务内用已存储的匹配与佐证重新评估生命周期。
func (c *Coordinator) evaluate(ctx context.Context, tx store.Tx, l *model.Listing, d *model.Detection, now time.Time) ([]model.ChangeRecord, error) {
	match, err := tx.GetMatch(ctx, l.ID)
	if errors.Is(err, model.ErrNotFound) {
		match, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	corr, err := dedup.Corroborations(ctx, tx, l, c.dedupMin)
	if err != nil {
		return nil, err
	}
	out, err := c.engine.Evaluate(l, d, lifecycle.Evidence{Match: match, Corroborations: corr}, now)
	if err != nil {
		return nil, err
	}
	return out.Changes, nil
}

func (c *Coordinator) afterCommit(ctx context.Context, done *committed) {
	if done == nil {
		return
	}
	c.ledger.Committed(ctx, done.listing, done.records)
	if done.detect != nil && notify.ShouldNotify(done.from, done.to) {
		notifyTransition(ctx, c.notifier, c.logger, done.listing, done.detect, done.from)
	}
	if done.schedule && c.sched != nil {
		c.sched.Schedule(done.listing.ID)
	}
}

// BatchItem 批量入库中单条记录的结果。
type BatchItem struct {
	Index  int     `json:"index"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
	err    error
}

// Err 返回该条记录的原始错误。
func (b BatchItem) Err() error { return b.err }

// IngestBatch 逐条处理；单条失败不影响其他记录。ctx 取消后剩余记录标记为取消，已提交的保持提交。
func (c *Coordinator) IngestBatch(ctx context.Context, subs []model.Submission) []BatchItem {
	out := make([]BatchItem, len(subs))
	for i := range subs {
		out[i].Index = i
		if err := ctx.Err(); err != nil {
			out[i].err, out[i].Error = err, err.Error()
			continue
		}
		res, err := c.Ingest(ctx, subs[i])
		if err != nil {
			out[i].err, out[i].Error = err, err.Error()
			continue
		}
		r := res
		out[i].Result = &r
	}
	return out
}

// PassResult 一次抓取轮次结束后的下架统计。
type PassResult struct {
	Missed   int    `json:"missed"`
	Delisted []uint `json:"delisted"`
}

// CompletePass 抓取端报告某门户某省份的一轮抓取结束。
//
// 本轮未出现的在架房源 missed_passes 加一，连续 N 轮缺席后标记下架。
func (c *Coordinator) CompletePass(ctx context.Context, portal model.Portal, province string, startedAt time.Time) (PassResult, error) {
	var res PassResult
	if !portal.Valid() {
		return res, &model.ValidationError{Field: "portal", Reason: "unknown portal " + string(portal)}
	}
	if startedAt.IsZero() {
		return res, &model.ValidationError{Field: "started_at", Reason: "required"}
	}
	ids, err := c.store.ListActiveNotSeenSince(ctx, portal, province, startedAt)
	if err != nil {
		return res, fmt.Errorf("list unseen listings: %w", err)
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		delisted, err := c.missPass(ctx, id, startedAt)
		if err != nil {
			c.logger.Error("mark missed pass failed",
				slog.Uint64("listing_id", uint64(id)),
				slog.String("error", err.Error()))
			continue
		}
		res.Missed++
		if delisted {
			res.Delisted = append(res.Delisted, id)
		}
	}
	c.logger.Info("scrape pass completed",
		slog.String("portal", string(portal)),
		slog.String("province", province),
		slog.Int("missed", res.Missed),
		slog.Int("delisted", len(res.Delisted)))
	return res, nil
}

func (c *Coordinator) missPass(ctx context.Context, id uint, startedAt time.Time) (bool, error) {
	l, err := c.store.FindListing(ctx, id)
	if err != nil {
		return false, err
	}
	unlock, err := c.locker.Lock(ctx, l.Key().String())
	if err != nil {
		return false, err
	}
	defer unlock()

	now := c.now()
	var done *committed
	err = c.store.Update(ctx, func(tx store.Tx) error {
		done = nil
		l, err := tx.GetListing(ctx, id, true)
		if err != nil {
			return err
		}
		// 锁等待期间房源可能已再次出现
		if !l.Active || !l.LastSeenAt.Before(startedAt) {
			return nil
		}
		d, err := tx.GetDetection(ctx, id)
		if err != nil {
			return err
		}
		done = &committed{listing: l, outcome: OutcomeUpdated, from: d.Status, to: d.Status, detect: d}
		l.MissedPasses++
		var recs []model.ChangeRecord
		if l.MissedPasses >= c.cfg.DelistAfterMissedPasses {
			l.Active = false
			l.DelistedAt = &now
			recs = append(recs, model.NewChange(l.ID, model.ChangeDelisted,
				map[string]any{"active": true}, map[string]any{"active": false},
				fmt.Sprintf("missing from %d consecutive passes", l.MissedPasses), now))
			evalRecs, err := c.evaluate(ctx, tx, l, d, now)
			if err != nil {
				return err
			}
			recs = append(recs, evalRecs...)
			if err := tx.SaveDetection(ctx, d); err != nil {
				return err
			}
			done.to = d.Status
		}
		if err := tx.SaveListing(ctx, l); err != nil {
			return err
		}
		done.records, err = c.ledger.Append(ctx, tx, recs...)
		return err
	})
	if err != nil {
		return false, err
	}
	if done == nil {
		return false, nil
	}
	c.afterCommit(ctx, done)
	return !done.listing.Active, nil
}

// AddEvidence 审核员为检测记录追加人工证据并立即重新评估。
func (c *Coordinator) AddEvidence(ctx context.Context, listingID uint, e model.ManualEvidence) (*model.Detection, error) {
	var done *committed
	err := c.store.Update(ctx, func(tx store.Tx) error {
		l, err := tx.GetListing(ctx, listingID, true)
		if err != nil {
			return err
		}
		d, err := tx.GetDetection(ctx, listingID)
		if err != nil {
			return err
		}
		now := c.now()
		e.AddedAt = now
		if err := d.AddManual(e); err != nil {
			return err
		}
		from := d.Status
		recs, err := c.evaluate(ctx, tx, l, d, now)
		if err != nil {
			return err
		}
		d.LastUpdatedAt = now
		if err := tx.SaveDetection(ctx, d); err != nil {
			return err
		}
		recs, err = c.ledger.Append(ctx, tx, recs...)
		if err != nil {
			return err
		}
		done = &committed{listing: l, records: recs, from: from, to: d.Status, detect: d}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.afterCommit(ctx, done)
	return done.detect, nil
}

// SetManualMatch 审核员手工指定地名库条目；人工匹配不会被自动匹配覆盖。
func (c *Coordinator) SetManualMatch(ctx context.Context, listingID uint, gazetteerType, gazetteerID, name string) (*model.Match, error) {
	if gazetteerType == "" || gazetteerID == "" {
		return nil, &model.ValidationError{Field: "gazetteer_id", Reason: "type and id are required"}
	}
	var (
		done  *committed
		match *model.Match
	)
	err := c.store.Update(ctx, func(tx store.Tx) error {
		l, err := tx.GetListing(ctx, listingID, true)
		if err != nil {
			return err
		}
		d, err := tx.GetDetection(ctx, listingID)
		if err != nil {
			return err
		}
		now := c.now()
		match = &model.Match{
			ListingID:     listingID,
			GazetteerType: gazetteerType,
			GazetteerID:   gazetteerID,
			Name:          name,
			Confidence:    100,
			Method:        model.MatchManual,
			Confirmed:     true,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if prev, err := tx.GetMatch(ctx, listingID); err == nil {
			match.ID, match.CreatedAt = prev.ID, prev.CreatedAt
		} else if !errors.Is(err, model.ErrNotFound) {
			return err
		}
		if err := tx.SaveMatch(ctx, match); err != nil {
			return err
		}
		from := d.Status
		recs, err := c.evaluate(ctx, tx, l, d, now)
		if err != nil {
			return err
		}
		if err := tx.SaveDetection(ctx, d); err != nil {
			return err
		}
		recs, err = c.ledger.Append(ctx, tx, recs...)
		if err != nil {
			return err
		}
		done = &committed{listing: l, records: recs, from: from, to: d.Status, detect: d}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.afterCommit(ctx, done)
	return match, nil
}

func notifyTransition(ctx context.Context, n notify.Notifier, logger *slog.Logger, l *model.Listing, d *model.Detection, from model.Status) {
	if err := n.NotifyDetection(ctx, l, d, from); err != nil {
		logger.Warn("detection notification failed",
			slog.Uint64("listing_id", uint64(l.ID)),
			slog.String("status", string(d.Status)),
			slog.String("error", err.Error()))
	}
}
