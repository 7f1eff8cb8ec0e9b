// Package ledger appends immutable change records and reads them back in
// order. Records are written inside the caller's transaction and announced
// to downstream consumers only after commit.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"sipi/internal/model"
	"sipi/internal/pkg/metrics"
	"sipi/internal/pkg/redisqueue"
	"sipi/internal/store"
)

// Publisher 提交后的事件出口（redisqueue.Client）。
type Publisher interface {
	Publish(ctx context.Context, ev *redisqueue.ChangeEvent) error
}

// Ledger 变更账本。
type Ledger struct {
	reader    store.Reader
	publisher Publisher
	logger    *slog.Logger
}

// New 创建账本；publisher 可为 nil（不推送事件）。
func New(reader store.Reader, publisher Publisher, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{reader: reader, publisher: publisher, logger: logger}
}

// Append 在事务内追加记录，返回带 ID 的副本。每条记录都是独立的一行。
func (l *Ledger) Append(ctx context.Context, tx store.Tx, recs ...model.ChangeRecord) ([]model.ChangeRecord, error) {
	out := make([]model.ChangeRecord, 0, len(recs))
	for i := range recs {
		rec := recs[i]
		if rec.ID != 0 {
			return nil, fmt.Errorf("append change %d: %w", rec.ID, model.ErrImmutable)
		}
		if !rec.Kind.Valid() {
			return nil, fmt.Errorf("append change kind %q: %w", rec.Kind, model.ErrIntegrity)
		}
		if err := tx.AppendChange(ctx, &rec); err != nil {
			return nil, fmt.Errorf("append %s change for listing %d: %w", rec.Kind, rec.ListingID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// Committed 在事务提交后调用：计数并尽力推送事件，推送失败只记日志。
func (l *Ledger) Committed(ctx context.Context, listing *model.Listing, recs []model.ChangeRecord) {
	for _, rec := range recs {
		metrics.ChangeRecordsTotal.WithLabelValues(string(rec.Kind)).Inc()
	}
	if l.publisher == nil || len(recs) == 0 {
		return
	}
	for _, rec := range recs {
		ev := &redisqueue.ChangeEvent{
			ID:         "change:" + strconv.FormatUint(uint64(rec.ID), 10),
			ListingID:  rec.ListingID,
			Kind:       string(rec.Kind),
			Prior:      json.RawMessage(rec.PriorValue),
			Next:       json.RawMessage(rec.NewValue),
			Note:       rec.Note,
			DetectedAt: rec.DetectedAt,
		}
		if listing != nil {
			ev.Listing = listing.Key().String()
		}
		if err := l.publisher.Publish(ctx, ev); err != nil && !errors.Is(err, redisqueue.ErrEventExists) {
			l.logger.Warn("publish change event failed",
				slog.Uint64("listing_id", uint64(rec.ListingID)),
				slog.String("kind", string(rec.Kind)),
				slog.String("error", err.Error()))
		}
	}
}

// Page 按时间顺序分页读取某房源的账本。
func (l *Ledger) Page(ctx context.Context, listingID uint, page store.Page) ([]model.ChangeRecord, int64, error) {
	if _, err := l.reader.FindListing(ctx, listingID); err != nil {
		return nil, 0, err
	}
	return l.reader.ListChanges(ctx, listingID, page.Normalize())
}
