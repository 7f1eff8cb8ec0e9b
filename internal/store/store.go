// Package store 持久化房源、检测记录、变更账本、重复边与地名库匹配。
//
// 所有写操作都在 Update 的事务回调中完成；回调返回错误时整体回滚，
// 部分写入永远不可见。
package store

import (
	"context"
	"time"

	"sipi/internal/model"

	"github.com/paulmach/orb"
)

// Tx 是一次事务内可用的读写操作。
type Tx interface {
	// GetListingByKey 按自然键读取；forUpdate 时加行锁。不存在返回 model.ErrNotFound。
	GetListingByKey(ctx context.Context, key model.ListingKey, forUpdate bool) (*model.Listing, error)
	GetListing(ctx context.Context, id uint, forUpdate bool) (*model.Listing, error)
	// CreateListing 插入新房源；自然键冲突返回 model.ErrConflict。
	CreateListing(ctx context.Context, l *model.Listing) error
	// SaveListing 按 Version 做比较并交换，成功后 Version 自增；版本不符返回 model.ErrConflict。
	SaveListing(ctx context.Context, l *model.Listing) error

	GetDetection(ctx context.Context, listingID uint) (*model.Detection, error)
	SaveDetection(ctx context.Context, d *model.Detection) error

	GetMatch(ctx context.Context, listingID uint) (*model.Match, error)
	// SaveMatch 按 listing_id 插入或覆盖。
	SaveMatch(ctx context.Context, m *model.Match) error

	GetDuplicateEdge(ctx context.Context, a, b uint) (*model.DuplicateEdge, error)
	GetDuplicateEdgeByID(ctx context.Context, id uint) (*model.DuplicateEdge, error)
	// SaveDuplicateEdge 插入（ID 为 0）或更新；同一无序对重复插入返回 model.ErrConflict。
	SaveDuplicateEdge(ctx context.Context, e *model.DuplicateEdge) error
	ListEdgesFor(ctx context.Context, listingID uint) ([]model.DuplicateEdge, error)

	// AppendChange 只追加，不存在更新或删除账本的方法。
	AppendChange(ctx context.Context, rec *model.ChangeRecord) error
}

// Page 分页参数，Page 从 1 开始。
type Page struct {
	Page     int
	PageSize int
}

// Normalize 填充默认值并限制上限。
func (p Page) Normalize() Page {
	if p.Page <= 0 {
		p.Page = 1
	}
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.PageSize > 200 {
		p.PageSize = 200
	}
	return p
}

// Offset 返回 SQL offset。
func (p Page) Offset() int {
	return (p.Page - 1) * p.PageSize
}

// DetectionFilter 检测记录列表过滤条件。
type DetectionFilter struct {
	Status   model.Status
	Portal   model.Portal
	MinScore int
	Page     Page
}

// DuplicateFilter 重复边列表过滤条件。
type DuplicateFilter struct {
	Validated *bool
	ListingID uint
	Page      Page
}

// DetectionView 检测记录与房源的联合视图。
type DetectionView struct {
	model.Detection
	Portal   model.Portal `json:"portal"`
	NativeID string       `json:"native_id"`
	Title    string       `json:"title"`
	URL      string       `json:"url"`
	Price    *int64       `json:"price,omitempty"`
	Province string       `json:"province"`
	Locality string       `json:"locality"`
	Active   bool         `json:"active"`
}

// PortalStat 每个门户的房源统计。
type PortalStat struct {
	Portal   model.Portal `json:"portal"`
	Total    int64        `json:"total"`
	Active   int64        `json:"active"`
	Delisted int64        `json:"delisted"`
	AvgPrice *float64     `json:"avg_price,omitempty"`
}

// DetectionStat 每个门户每个状态的检测数量。
type DetectionStat struct {
	Portal model.Portal `json:"portal"`
	Status model.Status `json:"status"`
	Count  int64        `json:"count"`
}

// Reader 不加锁的只读查询，供匹配、去重与报表使用。
type Reader interface {
	FindListing(ctx context.Context, id uint) (*model.Listing, error)
	FindDetection(ctx context.Context, listingID uint) (*model.Detection, error)
	FindMatch(ctx context.Context, listingID uint) (*model.Match, error)

	// ListChanges 按 (detected_at, id) 升序分页返回账本记录及总数。
	ListChanges(ctx context.Context, listingID uint, page Page) ([]model.ChangeRecord, int64, error)
	// ListNearby 返回代表点落在 bound 内的在架房源（不含 excludeID）。
	ListNearby(ctx context.Context, bound orb.Bound, excludeID uint, limit int) ([]model.Listing, error)
	// ListAddressCandidates 返回邮编相同或市镇相同的在架房源（不含 excludeID）。
	ListAddressCandidates(ctx context.Context, postalCode, locality string, excludeID uint, limit int) ([]model.Listing, error)

	ListDetections(ctx context.Context, f DetectionFilter) ([]DetectionView, int64, error)
	ListDuplicates(ctx context.Context, f DuplicateFilter) ([]model.DuplicateEdge, int64, error)
	PortalStats(ctx context.Context) ([]PortalStat, error)
	DetectionStats(ctx context.Context) ([]DetectionStat, error)

	// ListNeedingEnrichment 返回需要重新匹配/去重的房源 id。
	ListNeedingEnrichment(ctx context.Context, limit int) ([]uint, error)
	// ListActiveNotSeenSince 返回某门户某省份在 since 之后未再出现的在架房源 id。
	ListActiveNotSeenSince(ctx context.Context, portal model.Portal, province string, since time.Time) ([]uint, error)
}

// Users 审核员账号。
type Users interface {
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	CreateUser(ctx context.Context, u *model.User) error
}

// Store 组合事务写入、只读查询与账号存取。
type Store interface {
	Reader
	Users
	Update(ctx context.Context, fn func(tx Tx) error) error
}
