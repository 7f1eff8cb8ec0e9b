package model

import (
	"math"
	"strings"
	"time"
)

// Submission 是抓取端提交的一条标准化房源记录。
type Submission struct {
	Portal          Portal         `json:"portal" yaml:"portal"`
	NativeID        string         `json:"native_id" yaml:"native_id"`
	URL             string         `json:"url" yaml:"url"`
	Title           string         `json:"title" yaml:"title"`
	Description     string         `json:"description" yaml:"description"`
	PropertyType    string         `json:"property_type" yaml:"property_type"`
	Price           *int64         `json:"price,omitempty" yaml:"price"`
	SurfaceM2       *float64       `json:"surface_m2,omitempty" yaml:"surface_m2"`
	Geo             Geo            `json:"geo" yaml:"geo"`
	Address         string         `json:"address" yaml:"address"`
	Locality        string         `json:"locality" yaml:"locality"`
	Province        string         `json:"province" yaml:"province"`
	PostalCode      string         `json:"postal_code" yaml:"postal_code"`
	Characteristics []string       `json:"characteristics,omitempty" yaml:"characteristics"`
	Images          []string       `json:"images,omitempty" yaml:"images"`
	Extra           map[string]any `json:"extra,omitempty" yaml:"extra"`
	Active          *bool          `json:"active,omitempty" yaml:"active"`
	PortalStatus    string         `json:"portal_status,omitempty" yaml:"portal_status"`
	ObservedAt      *time.Time     `json:"observed_at,omitempty" yaml:"observed_at"`
}

// Key 返回提交记录的自然键。
func (s *Submission) Key() ListingKey {
	return ListingKey{Portal: s.Portal, NativeID: s.NativeID}
}

// IsActive 结合 active 字段与门户状态判断房源是否在架。
func (s *Submission) IsActive() bool {
	switch s.PortalStatus {
	case PortalStatusSold, PortalStatusWithdrawn:
		return false
	}
	if s.Active == nil {
		return true
	}
	return *s.Active
}

// Validate 校验必填字段、枚举、正数约束与位置变体。不做任何修正。
func (s *Submission) Validate() error {
	if !s.Portal.Valid() {
		return invalid("portal", "unknown portal "+string(s.Portal))
	}
	if strings.TrimSpace(s.NativeID) == "" {
		return invalid("native_id", "required")
	}
	if strings.TrimSpace(s.Title) == "" {
		return invalid("title", "required")
	}
	if s.Price != nil && *s.Price <= 0 {
		return invalid("price", "must be strictly positive")
	}
	if s.SurfaceM2 != nil && (*s.SurfaceM2 <= 0 || math.IsNaN(*s.SurfaceM2) || math.IsInf(*s.SurfaceM2, 0)) {
		return invalid("surface_m2", "must be strictly positive")
	}
	switch s.PortalStatus {
	case "", PortalStatusActive, PortalStatusReserved, PortalStatusSold, PortalStatusWithdrawn:
	default:
		return invalid("portal_status", "unknown value "+s.PortalStatus)
	}
	if s.Active != nil && *s.Active && (s.PortalStatus == PortalStatusSold || s.PortalStatus == PortalStatusWithdrawn) {
		return invalid("active", "contradicts portal_status "+s.PortalStatus)
	}
	return s.Geo.Validate()
}
