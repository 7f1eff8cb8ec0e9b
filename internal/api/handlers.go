package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"sipi/internal/api/middleware"
	"sipi/internal/ingest"
	"sipi/internal/model"
	"sipi/internal/store"

	"github.com/gin-gonic/gin"
)

// handleIngest 接收一条抓取提交。
//
// async=true 时只做校验并写入入库流，由 ingestor 异步处理。
func (s *Server) handleIngest(c *gin.Context) {
	var sub model.Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if c.Query("async") == "true" {
		s.enqueue(c, sub)
		return
	}
	res, err := s.coord.Ingest(c.Request.Context(), sub)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusOK
	if res.Outcome == ingest.OutcomeNew {
		status = http.StatusCreated
	}
	c.JSON(status, res)
}

func (s *Server) enqueue(c *gin.Context, sub model.Submission) {
	if s.intake == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "async intake not configured"})
		return
	}
	if err := sub.Validate(); err != nil {
		s.writeError(c, err)
		return
	}
	if err := s.intake.Submit(c.Request.Context(), sub, "api:"+reviewer(c)); err != nil {
		s.writeError(c, &model.DependencyError{Dependency: "intake", Err: err})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"queued": true, "listing": sub.Key().String()})
}

// handleIngestBatch 逐条处理一批提交，单条失败不影响其他记录。
func (s *Server) handleIngestBatch(c *gin.Context) {
	var subs []model.Submission
	if err := c.ShouldBindJSON(&subs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if limit := s.cfg.Ingest.MaxBatchSize; limit > 0 && len(subs) > limit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch too large", "max": limit})
		return
	}
	items := s.coord.IngestBatch(c.Request.Context(), subs)
	failed := 0
	for _, it := range items {
		if it.Result == nil {
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": items, "failed": failed})
}

type listingResponse struct {
	Listing   *model.Listing   `json:"listing"`
	Detection *model.Detection `json:"detection,omitempty"`
	Match     *model.Match     `json:"match,omitempty"`
}

func (s *Server) handleGetListing(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	l, err := s.store.FindListing(ctx, id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	resp := listingResponse{Listing: l}
	if d, err := s.store.FindDetection(ctx, id); err == nil {
		resp.Detection = d
	} else if !errors.Is(err, model.ErrNotFound) {
		s.writeError(c, err)
		return
	}
	if m, err := s.store.FindMatch(ctx, id); err == nil {
		resp.Match = m
	} else if !errors.Is(err, model.ErrNotFound) {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleListChanges 按时间顺序分页返回变更账本。
func (s *Server) handleListChanges(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	page := pageFromQuery(c)
	recs, total, err := s.ledger.Page(c.Request.Context(), id, page)
	if err != nil {
		s.writeError(c, err)
		return
	}
	page = page.Normalize()
	c.JSON(http.StatusOK, gin.H{"items": recs, "total": total, "page": page.Page, "page_size": page.PageSize})
}

type setMatchRequest struct {
	GazetteerType string `json:"gazetteer_type" binding:"required"`
	GazetteerID   string `json:"gazetteer_id" binding:"required"`
	Name          string `json:"name"`
}

func (s *Server) handleSetMatch(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var req setMatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := s.coord.SetManualMatch(c.Request.Context(), id, req.GazetteerType, req.GazetteerID, req.Name)
	if err != nil {
		s.writeError(c, err)
		return
	}
	s.logger.Info("manual match set",
		slog.Uint64("listing_id", uint64(id)),
		slog.String("gazetteer_id", req.GazetteerID),
		slog.String("reviewer", reviewer(c)))
	c.JSON(http.StatusOK, m)
}

type passRequest struct {
	Portal    model.Portal `json:"portal" binding:"required"`
	Province  string       `json:"province"`
	StartedAt time.Time    `json:"started_at" binding:"required"`
}

// handleCompletePass 抓取端报告一轮抓取结束，触发缺席计数与下架。
func (s *Server) handleCompletePass(c *gin.Context) {
	var req passRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.coord.CompletePass(c.Request.Context(), req.Portal, req.Province, req.StartedAt)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleListDetections(c *gin.Context) {
	f := store.DetectionFilter{
		Status:   model.Status(c.Query("status")),
		Portal:   model.Portal(c.Query("portal")),
		MinScore: parseQueryInt(c, "min_score", 0),
		Page:     pageFromQuery(c),
	}
	if f.Status != "" && !f.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
		return
	}
	if f.Portal != "" && !f.Portal.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown portal"})
		return
	}
	items, total, err := s.store.ListDetections(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

type evidenceRequest struct {
	Text       string `json:"text" binding:"required"`
	Weight     *int   `json:"weight" binding:"required"`
	Confirming bool   `json:"confirming"`
}

// handleAddEvidence 审核员为检测记录追加人工证据。
func (s *Server) handleAddEvidence(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var req evidenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	d, err := s.coord.AddEvidence(c.Request.Context(), id, model.ManualEvidence{
		Text:       req.Text,
		Weight:     *req.Weight,
		Confirming: req.Confirming,
		Reviewer:   reviewer(c),
	})
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleListDuplicates(c *gin.Context) {
	f := store.DuplicateFilter{
		ListingID: uint(parseQueryInt(c, "listing_id", 0)),
		Page:      pageFromQuery(c),
	}
	if v := c.Query("validated"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid validated flag"})
			return
		}
		f.Validated = &b
	}
	items, total, err := s.store.ListDuplicates(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total})
}

type createDuplicateRequest struct {
	ListingA   uint   `json:"listing_a" binding:"required"`
	ListingB   uint   `json:"listing_b" binding:"required"`
	Confidence *int   `json:"confidence"`
	Notes      string `json:"notes"`
}

func (s *Server) handleCreateDuplicate(c *gin.Context) {
	var req createDuplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ListingA == req.ListingB {
		c.JSON(http.StatusBadRequest, gin.H{"error": "a listing cannot duplicate itself"})
		return
	}
	conf := 100
	if req.Confidence != nil {
		conf = *req.Confidence
	}
	if conf < 0 || conf > 100 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "confidence must be within [0,100]"})
		return
	}
	edge, err := s.coord.CreateDuplicate(c.Request.Context(), req.ListingA, req.ListingB, conf, req.Notes)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, edge)
}

type validateDuplicateRequest struct {
	Valid *bool  `json:"valid" binding:"required"`
	Notes string `json:"notes"`
}

// handleValidateDuplicate 记录审核员对重复边的结论。
func (s *Server) handleValidateDuplicate(c *gin.Context) {
	id, ok := s.pathID(c, "id")
	if !ok {
		return
	}
	var req validateDuplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	edge, err := s.coord.ValidateDuplicate(c.Request.Context(), id, *req.Valid, reviewer(c), req.Notes)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, edge)
}

func (s *Server) handlePortalStats(c *gin.Context) {
	stats, err := s.store.PortalStats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": stats})
}

func (s *Server) handleDetectionStats(c *gin.Context) {
	stats, err := s.store.DetectionStats(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": stats})
}

// writeError 将领域错误映射为 HTTP 状态码。
func (s *Server) writeError(c *gin.Context, err error) {
	var ve *model.ValidationError
	var de *model.DependencyError
	switch {
	case errors.As(err, &ve):
		c.JSON(http.StatusBadRequest, gin.H{"error": ve.Error(), "field": ve.Field})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, model.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case errors.As(err, &de):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "dependency unavailable", "dependency": de.Dependency})
	default:
		s.logger.Error("request failed",
			slog.String("path", c.FullPath()),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) pathID(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func pageFromQuery(c *gin.Context) store.Page {
	return store.Page{
		Page:     parseQueryInt(c, "page", 1),
		PageSize: parseQueryInt(c, "page_size", 20),
	}
}

// parseQueryInt 解析 query 参数为整数，失败时返回默认值。
func parseQueryInt(c *gin.Context, key string, def int) int {
	val := c.Query(key)
	if val == "" {
		return def
	}
	iv, err := strconv.Atoi(val)
	if err != nil {
		return def
	}
	return iv
}

func reviewer(c *gin.Context) string {
	return c.GetString(middleware.KeyReviewer)
}
