package model

// Portal 房源来源门户。
type Portal string

const (
	PortalIdealista  Portal = "idealista"
	PortalFotocasa   Portal = "fotocasa"
	PortalPisosCom   Portal = "pisos_com"
	PortalHabitaclia Portal = "habitaclia"
)

// Portals 返回所有受支持的门户。
func Portals() []Portal {
	return []Portal{PortalIdealista, PortalFotocasa, PortalPisosCom, PortalHabitaclia}
}

func (p Portal) Valid() bool {
	switch p {
	case PortalIdealista, PortalFotocasa, PortalPisosCom, PortalHabitaclia:
		return true
	}
	return false
}

// Status 检测记录的生命周期状态。
type Status string

const (
	StatusTracking      Status = "tracking"
	StatusDetected      Status = "detected"
	StatusConfirmed     Status = "confirmed"
	StatusListedForSale Status = "listed_for_sale"
	StatusSold          Status = "sold"
	StatusWithdrawn     Status = "withdrawn"
)

func (s Status) Valid() bool {
	switch s {
	case StatusTracking, StatusDetected, StatusConfirmed, StatusListedForSale, StatusSold, StatusWithdrawn:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusSold || s == StatusWithdrawn
}

// ChangeKind 变更账本记录类型。
type ChangeKind string

const (
	ChangeNew      ChangeKind = "new"
	ChangePrice    ChangeKind = "price_change"
	ChangeStatus   ChangeKind = "status_change"
	ChangeDelisted ChangeKind = "delisted"
	ChangeScore    ChangeKind = "score_change"
)

func (k ChangeKind) Valid() bool {
	switch k {
	case ChangeNew, ChangePrice, ChangeStatus, ChangeDelisted, ChangeScore:
		return true
	}
	return false
}

// DedupMethod 重复边的检测方式。
type DedupMethod string

const (
	DedupGeoProximity DedupMethod = "geo_proximity"
	DedupAddressMatch DedupMethod = "address_match"
	DedupManual       DedupMethod = "manual"
)

func (m DedupMethod) Valid() bool {
	return m == DedupGeoProximity || m == DedupAddressMatch || m == DedupManual
}

// MatchMethod 地名库匹配方式。
type MatchMethod string

const (
	MatchProximity MatchMethod = "proximity"
	MatchName      MatchMethod = "name_match"
	MatchHybrid    MatchMethod = "hybrid"
	MatchManual    MatchMethod = "manual"
)

func (m MatchMethod) Valid() bool {
	return m == MatchProximity || m == MatchName || m == MatchHybrid || m == MatchManual
}

// Portal status values reported by scrapers.
const (
	PortalStatusActive    = "active"
	PortalStatusReserved  = "reserved"
	PortalStatusSold      = "sold"
	PortalStatusWithdrawn = "withdrawn"
)
