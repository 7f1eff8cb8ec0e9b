package model

import (
	"encoding/json"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Listing 表示从门户抓取到的一条房源。
//
// (Portal, NativeID) 唯一标识一条房源；位置按 GeoKind 决定哪些列有值。
// 价格与面积若存在必须为正数。
type Listing struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`

	Portal       Portal   `gorm:"type:varchar(16);not null;uniqueIndex:idx_listing_portal_native,priority:1" json:"portal"`
	NativeID     string   `gorm:"type:varchar(128);not null;uniqueIndex:idx_listing_portal_native,priority:2" json:"native_id"`
	URL          string   `gorm:"type:text" json:"url"`
	Title        string   `gorm:"type:text;not null" json:"title"`
	Description  string   `gorm:"type:text" json:"description"`
	PropertyType string   `gorm:"type:varchar(64)" json:"property_type"`
	Price        *int64   `gorm:"check:chk_listing_price,price IS NULL OR price > 0" json:"price,omitempty"`
	SurfaceM2    *float64 `gorm:"column:surface_m2;check:chk_listing_surface,surface_m2 IS NULL OR surface_m2 > 0" json:"surface_m2,omitempty"`

	GeoKind GeoKind        `gorm:"type:varchar(16);not null;default:none" json:"geo_kind"`
	Lat     *float64       `json:"lat,omitempty"`
	Lon     *float64       `json:"lon,omitempty"`
	RadiusM *float64       `json:"radius_m,omitempty"`
	Polygon datatypes.JSON `json:"polygon,omitempty"`
	// 代表点（点位或多边形质心），供近邻查询使用
	AnchorLat *float64 `gorm:"index:idx_listing_anchor,priority:1" json:"-"`
	AnchorLon *float64 `gorm:"index:idx_listing_anchor,priority:2" json:"-"`

	Address    string `gorm:"type:text" json:"address"`
	Locality   string `gorm:"type:varchar(128);index" json:"locality"`
	Province   string `gorm:"type:varchar(64);index" json:"province"`
	PostalCode string `gorm:"type:varchar(16);index" json:"postal_code"`

	Characteristics pq.StringArray    `gorm:"type:text[]" json:"characteristics"`
	Images          pq.StringArray    `gorm:"type:text[]" json:"images"`
	Extra           datatypes.JSONMap `json:"extra,omitempty"`

	PortalStatus    string     `gorm:"type:varchar(16)" json:"portal_status"`
	FirstSeenAt     time.Time  `gorm:"not null" json:"first_seen_at"`
	LastSeenAt      time.Time  `gorm:"not null;index" json:"last_seen_at"`
	Active          bool       `gorm:"not null;default:true" json:"active"`
	DelistedAt      *time.Time `json:"delisted_at,omitempty"`
	MissedPasses    int        `gorm:"not null;default:0" json:"missed_passes"`
	NeedsEnrichment bool       `gorm:"not null;default:false;index" json:"needs_enrichment"`
	Version         int64      `gorm:"not null;default:0" json:"version"`
}

// Geo 将存储列还原为位置变体。
func (l *Listing) Geo() Geo {
	g := Geo{Kind: l.GeoKind, Lat: l.Lat, Lon: l.Lon, RadiusM: l.RadiusM}
	if g.Kind == "" {
		g.Kind = GeoNone
	}
	if len(l.Polygon) > 0 {
		_ = json.Unmarshal(l.Polygon, &g.Polygon)
	}
	return g
}

// SetGeo 按变体写入存储列，未使用的列清空。
func (l *Listing) SetGeo(g Geo) {
	l.GeoKind = g.Kind
	l.Lat, l.Lon, l.RadiusM, l.Polygon = nil, nil, nil, nil
	switch g.Kind {
	case GeoPrecise, GeoApproximate:
		lat, lon := *g.Lat, *g.Lon
		l.Lat, l.Lon = &lat, &lon
		if g.RadiusM != nil {
			r := *g.RadiusM
			l.RadiusM = &r
		}
	case GeoPolygon:
		l.Polygon = datatypes.JSON(marshalPolygon(g.Polygon))
	}
}

// Key 返回房源的自然键。
func (l *Listing) Key() ListingKey {
	return ListingKey{Portal: l.Portal, NativeID: l.NativeID}
}

// ListingKey 是 (portal, portal-native id) 自然键。
type ListingKey struct {
	Portal   Portal
	NativeID string
}

func (k ListingKey) String() string {
	return string(k.Portal) + ":" + k.NativeID
}

// Detection 是房源的相关性评分与生命周期记录（与 Listing 一对一）。
//
// 地名库关联字段必须同时存在或同时为空。价格追踪列沿用既有表结构的列名。
type Detection struct {
	ID        uint     `gorm:"primaryKey" json:"id"`
	ListingID uint     `gorm:"uniqueIndex;not null" json:"listing_id"`
	Listing   *Listing `gorm:"constraint:OnDelete:CASCADE" json:"-"`

	Score          int            `gorm:"not null;default:0;check:chk_detection_score,score >= 0 AND score <= 100" json:"score"`
	Status         Status         `gorm:"type:varchar(24);not null;default:tracking;index" json:"status"`
	Evidences      pq.StringArray `gorm:"type:text[]" json:"evidences"`
	ManualEvidence datatypes.JSON `json:"manual_evidence,omitempty"`

	GazetteerType   *string      `gorm:"type:varchar(32)" json:"gazetteer_type,omitempty"`
	GazetteerID     *string      `gorm:"type:varchar(64)" json:"gazetteer_id,omitempty"`
	MatchConfidence *int         `json:"match_confidence,omitempty"`
	MatchMethod     *MatchMethod `gorm:"type:varchar(16)" json:"match_method,omitempty"`

	FirstDetectedAt *time.Time `json:"first_detected_at,omitempty"`
	LastUpdatedAt   time.Time  `gorm:"not null" json:"last_updated_at"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`

	InitialPrice *int64 `gorm:"column:precio_inicial" json:"precio_inicial,omitempty"`
	CurrentPrice *int64 `gorm:"column:precio_actual" json:"precio_actual,omitempty"`
	MinPrice     *int64 `gorm:"column:precio_min_observado" json:"precio_min_observado,omitempty"`
	MaxPrice     *int64 `gorm:"column:precio_max_observado" json:"precio_max_observado,omitempty"`
	PriceChanges int    `gorm:"column:num_cambios_precio;not null;default:0" json:"num_cambios_precio"`

	// Cycle 每次下架后重新上架时递增。
	Cycle int `gorm:"not null;default:1" json:"cycle"`
}

// NewDetection 为新房源创建 tracking 状态的检测记录。
func NewDetection(listingID uint, price *int64, now time.Time) *Detection {
	d := &Detection{
		ListingID:     listingID,
		Status:        StatusTracking,
		Evidences:     pq.StringArray{},
		LastUpdatedAt: now,
		Cycle:         1,
	}
	d.ResetPrices(price)
	return d
}

// ResetPrices 从一次观测价格重新开始价格追踪。
func (d *Detection) ResetPrices(price *int64) {
	d.InitialPrice, d.CurrentPrice, d.MinPrice, d.MaxPrice = nil, nil, nil, nil
	d.PriceChanges = 0
	if price == nil {
		return
	}
	p := *price
	d.InitialPrice = &p
	d.CurrentPrice = &p
	d.MinPrice = &p
	d.MaxPrice = &p
}

// SetAssociation 写入地名库关联；四个字段一起设置。
func (d *Detection) SetAssociation(m *Match) {
	if m == nil {
		d.ClearAssociation()
		return
	}
	typ, id, conf, method := m.GazetteerType, m.GazetteerID, m.Confidence, m.Method
	d.GazetteerType, d.GazetteerID, d.MatchConfidence, d.MatchMethod = &typ, &id, &conf, &method
}

// ClearAssociation 清空地名库关联。
func (d *Detection) ClearAssociation() {
	d.GazetteerType, d.GazetteerID, d.MatchConfidence, d.MatchMethod = nil, nil, nil, nil
}

// Validate 校验评分区间、状态枚举与关联字段一致性。
func (d *Detection) Validate() error {
	if d.Score < 0 || d.Score > 100 {
		return ErrIntegrity
	}
	if !d.Status.Valid() {
		return ErrIntegrity
	}
	set := 0
	for _, present := range []bool{d.GazetteerType != nil, d.GazetteerID != nil, d.MatchConfidence != nil, d.MatchMethod != nil} {
		if present {
			set++
		}
	}
	if set != 0 && set != 4 {
		return ErrIntegrity
	}
	return nil
}

// ManualEvidence 审核员手工添加的证据。
type ManualEvidence struct {
	Text       string    `json:"text"`
	Weight     int       `json:"weight"`
	Confirming bool      `json:"confirming"`
	Reviewer   string    `json:"reviewer"`
	AddedAt    time.Time `json:"added_at"`
}

// Manual 解码手工证据列表。
func (d *Detection) Manual() []ManualEvidence {
	if len(d.ManualEvidence) == 0 {
		return nil
	}
	var out []ManualEvidence
	if err := json.Unmarshal(d.ManualEvidence, &out); err != nil {
		return nil
	}
	return out
}

// AddManual 追加一条手工证据；权重必须在 [0,100]。
func (d *Detection) AddManual(e ManualEvidence) error {
	if e.Weight < 0 || e.Weight > 100 {
		return invalid("weight", "must be within [0,100]")
	}
	if e.Text == "" {
		return invalid("text", "required")
	}
	list := append(d.Manual(), e)
	data, err := json.Marshal(list)
	if err != nil {
		return err
	}
	d.ManualEvidence = datatypes.JSON(data)
	return nil
}

// ChangeRecord 变更账本中的一条不可变记录。
type ChangeRecord struct {
	ID         uint           `gorm:"primaryKey" json:"id"`
	ListingID  uint           `gorm:"not null;index:idx_change_listing_time,priority:1" json:"listing_id"`
	Kind       ChangeKind     `gorm:"type:varchar(16);not null" json:"kind"`
	PriorValue datatypes.JSON `json:"prior_value,omitempty"`
	NewValue   datatypes.JSON `json:"new_value,omitempty"`
	Note       string         `gorm:"type:text" json:"note,omitempty"`
	DetectedAt time.Time      `gorm:"not null;index:idx_change_listing_time,priority:2" json:"detected_at"`
}

// BeforeUpdate 拒绝修改已写入的账本记录。
func (c *ChangeRecord) BeforeUpdate(tx *gorm.DB) error { return ErrImmutable }

// BeforeDelete 拒绝删除账本记录。
func (c *ChangeRecord) BeforeDelete(tx *gorm.DB) error { return ErrImmutable }

// NewChange 构造一条账本记录，prior/next 序列化为 JSON。
func NewChange(listingID uint, kind ChangeKind, prior, next any, note string, at time.Time) ChangeRecord {
	return ChangeRecord{
		ListingID:  listingID,
		Kind:       kind,
		PriorValue: toJSON(prior),
		NewValue:   toJSON(next),
		Note:       note,
		DetectedAt: at,
	}
}

func toJSON(v any) datatypes.JSON {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return datatypes.JSON(data)
}

// DuplicateEdge 两条房源指向同一物理单元的无向边，ListingAID < ListingBID。
type DuplicateEdge struct {
	ID         uint        `gorm:"primaryKey" json:"id"`
	ListingAID uint        `gorm:"column:listing_a_id;not null;uniqueIndex:idx_duplicate_pair,priority:1;check:chk_duplicate_order,listing_a_id < listing_b_id" json:"listing_a_id"`
	ListingBID uint        `gorm:"column:listing_b_id;not null;uniqueIndex:idx_duplicate_pair,priority:2;index" json:"listing_b_id"`
	Confidence int         `gorm:"not null;check:chk_duplicate_confidence,confidence >= 0 AND confidence <= 100" json:"confidence"`
	Method     DedupMethod `gorm:"type:varchar(16);not null" json:"method"`

	Validated   bool       `gorm:"not null;default:false" json:"validated"`
	ValidatedBy *string    `gorm:"type:varchar(191)" json:"validated_by,omitempty"`
	ValidatedAt *time.Time `json:"validated_at,omitempty"`
	Notes       string     `gorm:"type:text" json:"notes,omitempty"`

	DetectedAt time.Time `gorm:"not null" json:"detected_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewDuplicateEdge 以规范顺序构造重复边；自引用属于契约错误。
func NewDuplicateEdge(a, b uint, confidence int, method DedupMethod, now time.Time) (*DuplicateEdge, error) {
	if a == b || a == 0 || b == 0 {
		return nil, ErrIntegrity
	}
	if confidence < 0 || confidence > 100 || !method.Valid() {
		return nil, ErrIntegrity
	}
	lo, hi := CanonicalPair(a, b)
	return &DuplicateEdge{
		ListingAID: lo,
		ListingBID: hi,
		Confidence: confidence,
		Method:     method,
		DetectedAt: now,
		UpdatedAt:  now,
	}, nil
}

// CanonicalPair 返回 (较小 id, 较大 id)。
func CanonicalPair(a, b uint) (uint, uint) {
	if a < b {
		return a, b
	}
	return b, a
}

// Other 返回边上与 id 相对的另一端。
func (e *DuplicateEdge) Other(id uint) uint {
	if e.ListingAID == id {
		return e.ListingBID
	}
	return e.ListingAID
}

// Match 房源与地名库条目的关联（每条房源至多一条）。
type Match struct {
	ID            uint        `gorm:"primaryKey" json:"id"`
	ListingID     uint        `gorm:"uniqueIndex;not null" json:"listing_id"`
	GazetteerType string      `gorm:"type:varchar(32);not null" json:"gazetteer_type"`
	GazetteerID   string      `gorm:"type:varchar(64);not null;index" json:"gazetteer_id"`
	Name          string      `gorm:"type:text" json:"name"`
	Confidence    int         `gorm:"not null;check:chk_match_confidence,confidence >= 0 AND confidence <= 100" json:"confidence"`
	Method        MatchMethod `gorm:"type:varchar(16);not null" json:"method"`
	DistanceM     *float64    `json:"distance_m,omitempty"`
	Confirmed     bool        `gorm:"not null;default:false" json:"confirmed"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// AllModels 返回需要迁移的全部模型。
func AllModels() []any {
	return []any{&User{}, &Listing{}, &Detection{}, &ChangeRecord{}, &DuplicateEdge{}, &Match{}}
}
