package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"sipi/internal/model"

	"github.com/paulmach/orb"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore 基于 gorm 的 Postgres 存储。
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 包装已打开的连接。连接需使用 TranslateError: true 打开，
// 以便唯一约束冲突被翻译为 gorm.ErrDuplicatedKey。
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// DB 返回底层连接。
func (s *GormStore) DB() *gorm.DB { return s.db }

// Migrate 自动迁移全部模型。
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(model.AllModels()...); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

// Update 在单个数据库事务中执行 fn。
func (s *GormStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	})
}

type gormTx struct {
	db *gorm.DB
}

func (t *gormTx) scope(ctx context.Context, forUpdate bool) *gorm.DB {
	db := t.db.WithContext(ctx)
	if forUpdate {
		db = db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return db
}

func (t *gormTx) GetListingByKey(ctx context.Context, key model.ListingKey, forUpdate bool) (*model.Listing, error) {
	var l model.Listing
	err := t.scope(ctx, forUpdate).
		Where("portal = ? AND native_id = ?", key.Portal, key.NativeID).
		First(&l).Error
	if err != nil {
		return nil, translate(err, "get listing "+key.String())
	}
	return &l, nil
}

func (t *gormTx) GetListing(ctx context.Context, id uint, forUpdate bool) (*model.Listing, error) {
	var l model.Listing
	if err := t.scope(ctx, forUpdate).First(&l, id).Error; err != nil {
		return nil, translate(err, "get listing")
	}
	return &l, nil
}

func (t *gormTx) CreateListing(ctx context.Context, l *model.Listing) error {
	if err := t.db.WithContext(ctx).Create(l).Error; err != nil {
		return translate(err, "create listing")
	}
	return nil
}

func (t *gormTx) SaveListing(ctx context.Context, l *model.Listing) error {
	prev := l.Version
	l.Version = prev + 1
	res := t.db.WithContext(ctx).Model(l).
		Where("version = ?", prev).
		Select("*").Omit("id", "created_at").
		Updates(l)
	if res.Error != nil {
		l.Version = prev
		return translate(res.Error, "save listing")
	}
	if res.RowsAffected == 0 {
		l.Version = prev
		return fmt.Errorf("save listing %d: %w", l.ID, model.ErrConflict)
	}
	return nil
}

func (t *gormTx) GetDetection(ctx context.Context, listingID uint) (*model.Detection, error) {
	var d model.Detection
	if err := t.db.WithContext(ctx).Where("listing_id = ?", listingID).First(&d).Error; err != nil {
		return nil, translate(err, "get detection")
	}
	return &d, nil
}

func (t *gormTx) SaveDetection(ctx context.Context, d *model.Detection) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("save detection for listing %d: %w", d.ListingID, err)
	}
	db := t.db.WithContext(ctx)
	var err error
	if d.ID == 0 {
		err = db.Create(d).Error
	} else {
		err = db.Save(d).Error
	}
	if err != nil {
		return translate(err, "save detection")
	}
	return nil
}

func (t *gormTx) GetMatch(ctx context.Context, listingID uint) (*model.Match, error) {
	var m model.Match
	if err := t.db.WithContext(ctx).Where("listing_id = ?", listingID).First(&m).Error; err != nil {
		return nil, translate(err, "get match")
	}
	return &m, nil
}

func (t *gormTx) SaveMatch(ctx context.Context, m *model.Match) error {
	err := t.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "listing_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"gazetteer_type", "gazetteer_id", "name", "confidence", "method", "distance_m", "confirmed", "updated_at",
		}),
	}).Create(m).Error
	if err != nil {
		return translate(err, "save match")
	}
	return nil
}

func (t *gormTx) GetDuplicateEdge(ctx context.Context, a, b uint) (*model.DuplicateEdge, error) {
	lo, hi := model.CanonicalPair(a, b)
	var e model.DuplicateEdge
	err := t.db.WithContext(ctx).
		Where("listing_a_id = ? AND listing_b_id = ?", lo, hi).
		First(&e).Error
	if err != nil {
		return nil, translate(err, "get duplicate edge")
	}
	return &e, nil
}

func (t *gormTx) GetDuplicateEdgeByID(ctx context.Context, id uint) (*model.DuplicateEdge, error) {
	var e model.DuplicateEdge
	if err := t.scope(ctx, true).First(&e, id).Error; err != nil {
		return nil, translate(err, "get duplicate edge")
	}
	return &e, nil
}

func (t *gormTx) SaveDuplicateEdge(ctx context.Context, e *model.DuplicateEdge) error {
	if e.ListingAID == 0 || e.ListingAID >= e.ListingBID {
		return fmt.Errorf("save duplicate edge (%d,%d): %w", e.ListingAID, e.ListingBID, model.ErrIntegrity)
	}
	db := t.db.WithContext(ctx)
	var err error
	if e.ID == 0 {
		err = db.Create(e).Error
	} else {
		err = db.Save(e).Error
	}
	if err != nil {
		return translate(err, "save duplicate edge")
	}
	return nil
}

func (t *gormTx) ListEdgesFor(ctx context.Context, listingID uint) ([]model.DuplicateEdge, error) {
	var edges []model.DuplicateEdge
	err := t.db.WithContext(ctx).
		Where("listing_a_id = ? OR listing_b_id = ?", listingID, listingID).
		Order("id").
		Find(&edges).Error
	if err != nil {
		return nil, translate(err, "list edges")
	}
	return edges, nil
}

func (t *gormTx) AppendChange(ctx context.Context, rec *model.ChangeRecord) error {
	if rec.ID != 0 {
		return fmt.Errorf("append change %d: %w", rec.ID, model.ErrImmutable)
	}
	if err := t.db.WithContext(ctx).Create(rec).Error; err != nil {
		return translate(err, "append change")
	}
	return nil
}

// ---- Reader ----

func (s *GormStore) FindListing(ctx context.Context, id uint) (*model.Listing, error) {
	return (&gormTx{db: s.db}).GetListing(ctx, id, false)
}

func (s *GormStore) FindDetection(ctx context.Context, listingID uint) (*model.Detection, error) {
	return (&gormTx{db: s.db}).GetDetection(ctx, listingID)
}

func (s *GormStore) FindMatch(ctx context.Context, listingID uint) (*model.Match, error) {
	return (&gormTx{db: s.db}).GetMatch(ctx, listingID)
}

func (s *GormStore) ListChanges(ctx context.Context, listingID uint, page Page) ([]model.ChangeRecord, int64, error) {
	page = page.Normalize()
	db := s.db.WithContext(ctx).Model(&model.ChangeRecord{}).Where("listing_id = ?", listingID)

	var total int64
	if err := db.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count changes")
	}
	var records []model.ChangeRecord
	err := db.Session(&gorm.Session{}).Order("detected_at ASC, id ASC").
		Offset(page.Offset()).Limit(page.PageSize).
		Find(&records).Error
	if err != nil {
		return nil, 0, translate(err, "list changes")
	}
	return records, total, nil
}

func (s *GormStore) ListNearby(ctx context.Context, bound orb.Bound, excludeID uint, limit int) ([]model.Listing, error) {
	var listings []model.Listing
	err := s.db.WithContext(ctx).
		Where("active = ? AND id <> ?", true, excludeID).
		Where("anchor_lat BETWEEN ? AND ?", bound.Min.Lat(), bound.Max.Lat()).
		Where("anchor_lon BETWEEN ? AND ?", bound.Min.Lon(), bound.Max.Lon()).
		Order("id").
		Limit(limit).
		Find(&listings).Error
	if err != nil {
		return nil, translate(err, "list nearby")
	}
	return listings, nil
}

func (s *GormStore) ListAddressCandidates(ctx context.Context, postalCode, locality string, excludeID uint, limit int) ([]model.Listing, error) {
	postalCode = strings.TrimSpace(postalCode)
	locality = strings.TrimSpace(locality)
	if postalCode == "" && locality == "" {
		return nil, nil
	}
	db := s.db.WithContext(ctx).Where("active = ? AND id <> ?", true, excludeID)
	switch {
	case postalCode != "" && locality != "":
		db = db.Where("postal_code = ? OR LOWER(locality) = LOWER(?)", postalCode, locality)
	case postalCode != "":
		db = db.Where("postal_code = ?", postalCode)
	default:
		db = db.Where("LOWER(locality) = LOWER(?)", locality)
	}
	var listings []model.Listing
	if err := db.Order("id").Limit(limit).Find(&listings).Error; err != nil {
		return nil, translate(err, "list address candidates")
	}
	return listings, nil
}

func (s *GormStore) ListDetections(ctx context.Context, f DetectionFilter) ([]DetectionView, int64, error) {
	page := f.Page.Normalize()
	db := s.db.WithContext(ctx).
		Table("detections AS d").
		Joins("JOIN listings AS l ON l.id = d.listing_id")
	if f.Status != "" {
		db = db.Where("d.status = ?", f.Status)
	}
	if f.Portal != "" {
		db = db.Where("l.portal = ?", f.Portal)
	}
	if f.MinScore > 0 {
		db = db.Where("d.score >= ?", f.MinScore)
	}

	var total int64
	if err := db.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count detections")
	}
	var views []DetectionView
	err := db.Session(&gorm.Session{}).Select("d.*, l.portal, l.native_id, l.title, l.url, l.price, l.province, l.locality, l.active").
		Order("d.score DESC, d.id ASC").
		Offset(page.Offset()).Limit(page.PageSize).
		Scan(&views).Error
	if err != nil {
		return nil, 0, translate(err, "list detections")
	}
	return views, total, nil
}

func (s *GormStore) ListDuplicates(ctx context.Context, f DuplicateFilter) ([]model.DuplicateEdge, int64, error) {
	page := f.Page.Normalize()
	db := s.db.WithContext(ctx).Model(&model.DuplicateEdge{})
	if f.Validated != nil {
		db = db.Where("validated = ?", *f.Validated)
	}
	if f.ListingID != 0 {
		db = db.Where("listing_a_id = ? OR listing_b_id = ?", f.ListingID, f.ListingID)
	}
	var total int64
	if err := db.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, translate(err, "count duplicates")
	}
	var edges []model.DuplicateEdge
	err := db.Session(&gorm.Session{}).Order("confidence DESC, id ASC").
		Offset(page.Offset()).Limit(page.PageSize).
		Find(&edges).Error
	if err != nil {
		return nil, 0, translate(err, "list duplicates")
	}
	return edges, total, nil
}

func (s *GormStore) PortalStats(ctx context.Context) ([]PortalStat, error) {
	var stats []PortalStat
	err := s.db.WithContext(ctx).Model(&model.Listing{}).
		Select(`portal,
			COUNT(*) AS total,
			SUM(CASE WHEN active THEN 1 ELSE 0 END) AS active,
			SUM(CASE WHEN active THEN 0 ELSE 1 END) AS delisted,
			AVG(price) AS avg_price`).
		Group("portal").
		Order("portal").
		Scan(&stats).Error
	if err != nil {
		return nil, translate(err, "portal stats")
	}
	return stats, nil
}

func (s *GormStore) DetectionStats(ctx context.Context) ([]DetectionStat, error) {
	var stats []DetectionStat
	err := s.db.WithContext(ctx).
		Table("detections AS d").
		Joins("JOIN listings AS l ON l.id = d.listing_id").
		Select("l.portal AS portal, d.status AS status, COUNT(*) AS count").
		Group("l.portal, d.status").
		Order("l.portal, d.status").
		Scan(&stats).Error
	if err != nil {
		return nil, translate(err, "detection stats")
	}
	return stats, nil
}

func (s *GormStore) ListNeedingEnrichment(ctx context.Context, limit int) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&model.Listing{}).
		Where("needs_enrichment = ?", true).
		Order("last_seen_at ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, translate(err, "list needing enrichment")
	}
	return ids, nil
}

func (s *GormStore) ListActiveNotSeenSince(ctx context.Context, portal model.Portal, province string, since time.Time) ([]uint, error) {
	db := s.db.WithContext(ctx).Model(&model.Listing{}).
		Where("portal = ? AND active = ? AND last_seen_at < ?", portal, true, since)
	if province != "" {
		db = db.Where("province = ?", province)
	}
	var ids []uint
	if err := db.Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, translate(err, "list not seen")
	}
	return ids, nil
}

// ---- Users ----

func (s *GormStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, translate(err, "get user")
	}
	return &u, nil
}

func (s *GormStore) CreateUser(ctx context.Context, u *model.User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return translate(err, "create user")
	}
	return nil
}

// translate 把 gorm 错误映射为模型层错误。
func translate(err error, op string) error {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s: %w", op, model.ErrConflict)
	case errors.Is(err, gorm.ErrCheckConstraintViolated), errors.Is(err, gorm.ErrForeignKeyViolated):
		return fmt.Errorf("%s: %v: %w", op, err, model.ErrIntegrity)
	}
	return fmt.Errorf("%s: %w", op, err)
}
