package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"sipi/internal/dedup"
	"sipi/internal/ledger"
	"sipi/internal/lifecycle"
	"sipi/internal/matcher"
	"sipi/internal/model"
	"sipi/internal/pkg/lock"
	"sipi/internal/pkg/metrics"
	"sipi/internal/pkg/notify"
	"sipi/internal/pkg/queue"
	"sipi/internal/store"
)

// Pipeline 入库后的异步处理：地名库匹配、去重、生命周期评估。
//
// 同一房源在队列中最多排队一次；任务被丢弃时房源保留 NeedsEnrichment，由 janitor 补投。
type Pipeline struct {
	store    store.Store
	queue    *queue.Queue
	locker   lock.Locker
	matcher  *matcher.Matcher
	dedup    *dedup.Deduplicator
	engine   *lifecycle.Engine
	ledger   *ledger.Ledger
	notifier notify.Notifier
	dedupMin int
	retries  int
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	pending map[uint]struct{}
}

// PipelineOptions 后处理依赖。
type PipelineOptions struct {
	Store          store.Store
	Queue          *queue.Queue
	Locker         lock.Locker
	Matcher        *matcher.Matcher
	Dedup          *dedup.Deduplicator
	Engine         *lifecycle.Engine
	Ledger         *ledger.Ledger
	Notifier       notify.Notifier
	DedupThreshold int
	// MaxConflictRetries 事务冲突后的最大重试次数，默认 3
	MaxConflictRetries int
	Logger             *slog.Logger
}

// NewPipeline 创建后处理管线。队列由调用方启动与关闭。
func NewPipeline(opts PipelineOptions) *Pipeline {
	p := &Pipeline{
		store:    opts.Store,
		queue:    opts.Queue,
		locker:   opts.Locker,
		matcher:  opts.Matcher,
		dedup:    opts.Dedup,
		engine:   opts.Engine,
		ledger:   opts.Ledger,
		notifier: opts.Notifier,
		dedupMin: opts.DedupThreshold,
		retries:  opts.MaxConflictRetries,
		logger:   opts.Logger,
		now:      func() time.Time { return time.Now().UTC() },
		pending:  make(map[uint]struct{}),
	}
	if p.locker == nil {
		p.locker = lock.NewLocal()
	}
	if p.notifier == nil {
		p.notifier = notify.Nop{}
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.retries <= 0 {
		p.retries = 3
	}
	return p
}

// Schedule 把房源投递到后处理队列；已在排队时直接返回 true。
func (p *Pipeline) Schedule(listingID uint) bool {
	p.mu.Lock()
	if _, ok := p.pending[listingID]; ok {
		p.mu.Unlock()
		return true
	}
	p.pending[listingID] = struct{}{}
	p.mu.Unlock()

	ok := p.queue.Enqueue(func(ctx context.Context) error {
		p.release(listingID)
		return p.Process(ctx, listingID)
	})
	if !ok {
		p.release(listingID)
		p.logger.Warn("pipeline job dropped, left for janitor",
			slog.Uint64("listing_id", uint64(listingID)))
	}
	return ok
}

func (p *Pipeline) release(listingID uint) {
	p.mu.Lock()
	delete(p.pending, listingID)
	p.mu.Unlock()
}

// Drain 等待所有已投递的任务执行完毕（包括执行中再次投递的任务）。
func (p *Pipeline) Drain(ctx context.Context) error {
	return p.queue.Drain(ctx)
}

// Process 对一条房源执行匹配、去重与生命周期评估。
//
// 网络查询在事务外完成；所有写入（匹配、重复边、检测记录、账本）在一个事务内提交。
// 地名库不可用时保留已有匹配，房源保持 NeedsEnrichment 以便稍后重试。
func (p *Pipeline) Process(ctx context.Context, listingID uint) error {
	l, err := p.store.FindListing(ctx, listingID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load listing %d: %w", listingID, err)
	}

	proposal, err := p.matcher.Propose(ctx, l)
	matched := err == nil
	if err != nil {
		var depErr *model.DependencyError
		if !errors.As(err, &depErr) {
			return fmt.Errorf("match listing %d: %w", listingID, err)
		}
		p.logger.Warn("gazetteer unavailable, keeping prior match",
			slog.Uint64("listing_id", uint64(listingID)),
			slog.String("error", err.Error()))
	}

	unlock, err := p.locker.Lock(ctx, l.Key().String())
	if err != nil {
		return fmt.Errorf("lock listing %s: %w", l.Key(), err)
	}
	defer unlock()

	// 并发处理互为重复的两条房源时，重复边的插入可能冲突：重新查找候选后重试
	var (
		done  *committed
		edges []dedup.EdgeResult
	)
	for attempt := 1; ; attempt++ {
		done, edges, err = p.commit(ctx, l, proposal, matched)
		if err == nil {
			break
		}
		if !errors.Is(err, model.ErrConflict) || attempt > p.retries {
			return fmt.Errorf("process listing %d: %w", listingID, err)
		}
		metrics.IngestConflictRetries.Inc()
		p.logger.Warn("pipeline conflict, retrying",
			slog.Uint64("listing_id", uint64(listingID)),
			slog.Int("attempt", attempt))
	}

	p.ledger.Committed(ctx, done.listing, done.records)
	if notify.ShouldNotify(done.from, done.to) {
		notifyTransition(ctx, p.notifier, p.logger, done.listing, done.detect, done.from)
	}
	// 新建或上调的重复边会改变对端房源的佐证数
	for _, e := range edges {
		if e.Action == dedup.EdgeCreated || e.Action == dedup.EdgeRaised {
			p.Schedule(e.Edge.Other(listingID))
		}
	}
	p.logger.Debug("listing processed",
		slog.Uint64("listing_id", uint64(listingID)),
		slog.String("status", string(done.to)),
		slog.Int("score", done.detect.Score),
		slog.Int("edges", len(edges)))
	return nil
}

// commit 在一个事务内写入匹配、重复边、检测记录与账本。
func (p *Pipeline) commit(ctx context.Context, l *model.Listing, proposal *matcher.Proposal, matched bool) (*committed, []dedup.EdgeResult, error) {
	listingID := l.ID
	candidates, err := p.dedup.Find(ctx, l)
	if err != nil {
		return nil, nil, fmt.Errorf("find duplicates for %d: %w", listingID, err)
	}

	var (
		done  *committed
		edges []dedup.EdgeResult
	)
	err = p.store.Update(ctx, func(tx store.Tx) error {
		now := p.now()
		cur, err := tx.GetListing(ctx, listingID, true)
		if err != nil {
			return err
		}
		d, err := tx.GetDetection(ctx, listingID)
		if err != nil {
			return err
		}
		match, err := tx.GetMatch(ctx, listingID)
		if errors.Is(err, model.ErrNotFound) {
			match, err = nil, nil
		}
		if err != nil {
			return err
		}

		if matched {
			dec := p.matcher.Decide(listingID, match, proposal, now)
			if dec.Match != nil {
				if err := tx.SaveMatch(ctx, dec.Match); err != nil {
					return fmt.Errorf("save match: %w", err)
				}
				match = dec.Match
			}
		}

		if edges, err = p.dedup.Apply(ctx, tx, listingID, candidates, now); err != nil {
			return err
		}
		corr, err := dedup.Corroborations(ctx, tx, cur, p.dedupMin)
		if err != nil {
			return err
		}

		from := d.Status
		out, err := p.engine.Evaluate(cur, d, lifecycle.Evidence{Match: match, Corroborations: corr}, now)
		if err != nil {
			return err
		}
		if err := tx.SaveDetection(ctx, d); err != nil {
			return err
		}
		recs, err := p.ledger.Append(ctx, tx, out.Changes...)
		if err != nil {
			return err
		}

		// 处理期间房源若被再次修改，保留标记等待下一轮
		if matched && cur.NeedsEnrichment && cur.Version == l.Version {
			cur.NeedsEnrichment = false
			if err := tx.SaveListing(ctx, cur); err != nil {
				return err
			}
		}
		done = &committed{listing: cur, records: recs, from: from, to: d.Status, detect: d}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return done, edges, nil
}

// Reconcile 重新投递仍带 NeedsEnrichment 标记的房源，返回成功投递数。
func (p *Pipeline) Reconcile(ctx context.Context, limit int) (int, error) {
	ids, err := p.store.ListNeedingEnrichment(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list listings needing enrichment: %w", err)
	}
	n := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
		if p.Schedule(id) {
			n++
		}
	}
	return n, nil
}
