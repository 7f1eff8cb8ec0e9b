package ingest

import (
	"context"
	"log/slog"

	"sipi/internal/dedup"
	"sipi/internal/model"
	"sipi/internal/store"
)

// CreateDuplicate 审核员手工建立两条房源之间的重复边，随后重新评估两侧的佐证。
func (c *Coordinator) CreateDuplicate(ctx context.Context, a, b uint, confidence int, notes string) (*model.DuplicateEdge, error) {
	var edge *model.DuplicateEdge
	err := c.store.Update(ctx, func(tx store.Tx) error {
		var err error
		edge, err = dedup.CreateManual(ctx, tx, a, b, confidence, notes, c.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("manual duplicate created",
		slog.Uint64("edge_id", uint64(edge.ID)),
		slog.Uint64("listing_a", uint64(edge.ListingAID)),
		slog.Uint64("listing_b", uint64(edge.ListingBID)))
	c.rescore(edge)
	return edge, nil
}

// ValidateDuplicate 记录审核结论；否定的边置信度归零，不再计入佐证。
func (c *Coordinator) ValidateDuplicate(ctx context.Context, edgeID uint, valid bool, reviewer, notes string) (*model.DuplicateEdge, error) {
	if reviewer == "" {
		return nil, &model.ValidationError{Field: "reviewer", Reason: "required"}
	}
	var edge *model.DuplicateEdge
	err := c.store.Update(ctx, func(tx store.Tx) error {
		var err error
		edge, err = dedup.Validate(ctx, tx, edgeID, valid, reviewer, notes, c.now())
		return err
	})
	if err != nil {
		return nil, err
	}
	c.logger.Info("duplicate reviewed",
		slog.Uint64("edge_id", uint64(edge.ID)),
		slog.Bool("valid", valid),
		slog.String("reviewer", reviewer))
	c.rescore(edge)
	return edge, nil
}

func (c *Coordinator) rescore(edge *model.DuplicateEdge) {
	if c.sched == nil {
		return
	}
	c.sched.Schedule(edge.ListingAID)
	c.sched.Schedule(edge.ListingBID)
}
