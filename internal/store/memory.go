package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"sipi/internal/model"

	"github.com/lib/pq"
	"github.com/paulmach/orb"
	"gorm.io/datatypes"
)

// MemoryStore 进程内存储，用于测试与本地运行。
//
// Update 持有写锁并在状态快照上执行回调，成功后整体替换，失败则丢弃快照。
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
	now   func() time.Time
}

type memState struct {
	nextID     uint
	listings   map[uint]model.Listing
	keys       map[model.ListingKey]uint
	detections map[uint]model.Detection // by listing id
	matches    map[uint]model.Match     // by listing id
	edges      map[uint]model.DuplicateEdge
	pairs      map[[2]uint]uint
	changes    []model.ChangeRecord
	users      map[string]model.User
}

// NewMemoryStore 创建空的内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			listings:   map[uint]model.Listing{},
			keys:       map[model.ListingKey]uint{},
			detections: map[uint]model.Detection{},
			matches:    map[uint]model.Match{},
			edges:      map[uint]model.DuplicateEdge{},
			pairs:      map[[2]uint]uint{},
			users:      map[string]model.User{},
		},
		now: time.Now,
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		nextID:     s.nextID,
		listings:   make(map[uint]model.Listing, len(s.listings)),
		keys:       make(map[model.ListingKey]uint, len(s.keys)),
		detections: make(map[uint]model.Detection, len(s.detections)),
		matches:    make(map[uint]model.Match, len(s.matches)),
		edges:      make(map[uint]model.DuplicateEdge, len(s.edges)),
		pairs:      make(map[[2]uint]uint, len(s.pairs)),
		changes:    s.changes[:len(s.changes):len(s.changes)],
		users:      s.users,
	}
	for k, v := range s.listings {
		c.listings[k] = v
	}
	for k, v := range s.keys {
		c.keys[k] = v
	}
	for k, v := range s.detections {
		c.detections[k] = v
	}
	for k, v := range s.matches {
		c.matches[k] = v
	}
	for k, v := range s.edges {
		c.edges[k] = v
	}
	for k, v := range s.pairs {
		c.pairs[k] = v
	}
	return c
}

func (s *memState) id() uint {
	s.nextID++
	return s.nextID
}

// Update 串行执行写事务。
func (m *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.state.clone()
	if err := fn(&memTx{s: snapshot, now: m.now}); err != nil {
		return err
	}
	m.state = snapshot
	return nil
}

type memTx struct {
	s   *memState
	now func() time.Time
}

func (t *memTx) GetListingByKey(ctx context.Context, key model.ListingKey, forUpdate bool) (*model.Listing, error) {
	id, ok := t.s.keys[key]
	if !ok {
		return nil, fmt.Errorf("get listing %s: %w", key, model.ErrNotFound)
	}
	return t.GetListing(ctx, id, forUpdate)
}

func (t *memTx) GetListing(ctx context.Context, id uint, forUpdate bool) (*model.Listing, error) {
	l, ok := t.s.listings[id]
	if !ok {
		return nil, fmt.Errorf("get listing %d: %w", id, model.ErrNotFound)
	}
	return cloneListing(l), nil
}

func (t *memTx) CreateListing(ctx context.Context, l *model.Listing) error {
	if _, exists := t.s.keys[l.Key()]; exists {
		return fmt.Errorf("create listing %s: %w", l.Key(), model.ErrConflict)
	}
	if err := checkListing(l); err != nil {
		return err
	}
	now := t.now()
	l.ID = t.s.id()
	l.CreatedAt, l.UpdatedAt = now, now
	t.s.listings[l.ID] = *cloneListing(*l)
	t.s.keys[l.Key()] = l.ID
	return nil
}

func (t *memTx) SaveListing(ctx context.Context, l *model.Listing) error {
	cur, ok := t.s.listings[l.ID]
	if !ok {
		return fmt.Errorf("save listing %d: %w", l.ID, model.ErrNotFound)
	}
	if cur.Version != l.Version {
		return fmt.Errorf("save listing %d: %w", l.ID, model.ErrConflict)
	}
	if cur.Key() != l.Key() {
		return fmt.Errorf("save listing %d: natural key is immutable: %w", l.ID, model.ErrIntegrity)
	}
	if err := checkListing(l); err != nil {
		return err
	}
	l.Version++
	l.UpdatedAt = t.now()
	t.s.listings[l.ID] = *cloneListing(*l)
	return nil
}

// checkListing 对应数据库的 check 约束。
func checkListing(l *model.Listing) error {
	if l.Price != nil && *l.Price <= 0 {
		return fmt.Errorf("listing price: %w", model.ErrIntegrity)
	}
	if l.SurfaceM2 != nil && *l.SurfaceM2 <= 0 {
		return fmt.Errorf("listing surface: %w", model.ErrIntegrity)
	}
	if err := l.Geo().Validate(); err != nil {
		return fmt.Errorf("listing geo: %v: %w", err, model.ErrIntegrity)
	}
	return nil
}

func (t *memTx) GetDetection(ctx context.Context, listingID uint) (*model.Detection, error) {
	d, ok := t.s.detections[listingID]
	if !ok {
		return nil, fmt.Errorf("get detection %d: %w", listingID, model.ErrNotFound)
	}
	return cloneDetection(d), nil
}

func (t *memTx) SaveDetection(ctx context.Context, d *model.Detection) error {
	if err := d.Validate(); err != nil {
		return fmt.Errorf("save detection for listing %d: %w", d.ListingID, err)
	}
	if _, ok := t.s.listings[d.ListingID]; !ok {
		return fmt.Errorf("save detection: listing %d: %w", d.ListingID, model.ErrIntegrity)
	}
	cur, exists := t.s.detections[d.ListingID]
	switch {
	case d.ID == 0 && exists:
		return fmt.Errorf("save detection for listing %d: %w", d.ListingID, model.ErrConflict)
	case d.ID == 0:
		d.ID = t.s.id()
	case !exists || cur.ID != d.ID:
		return fmt.Errorf("save detection %d: %w", d.ID, model.ErrNotFound)
	}
	t.s.detections[d.ListingID] = *cloneDetection(*d)
	return nil
}

func (t *memTx) GetMatch(ctx context.Context, listingID uint) (*model.Match, error) {
	m, ok := t.s.matches[listingID]
	if !ok {
		return nil, fmt.Errorf("get match %d: %w", listingID, model.ErrNotFound)
	}
	return &m, nil
}

func (t *memTx) SaveMatch(ctx context.Context, m *model.Match) error {
	if m.Confidence < 0 || m.Confidence > 100 || m.GazetteerID == "" || m.GazetteerType == "" {
		return fmt.Errorf("save match: %w", model.ErrIntegrity)
	}
	now := t.now()
	if cur, ok := t.s.matches[m.ListingID]; ok {
		m.ID, m.CreatedAt = cur.ID, cur.CreatedAt
	} else {
		m.ID, m.CreatedAt = t.s.id(), now
	}
	m.UpdatedAt = now
	t.s.matches[m.ListingID] = *m
	return nil
}

func (t *memTx) GetDuplicateEdge(ctx context.Context, a, b uint) (*model.DuplicateEdge, error) {
	lo, hi := model.CanonicalPair(a, b)
	id, ok := t.s.pairs[[2]uint{lo, hi}]
	if !ok {
		return nil, fmt.Errorf("get duplicate edge (%d,%d): %w", lo, hi, model.ErrNotFound)
	}
	e := t.s.edges[id]
	return &e, nil
}

func (t *memTx) GetDuplicateEdgeByID(ctx context.Context, id uint) (*model.DuplicateEdge, error) {
	e, ok := t.s.edges[id]
	if !ok {
		return nil, fmt.Errorf("get duplicate edge %d: %w", id, model.ErrNotFound)
	}
	return &e, nil
}

func (t *memTx) SaveDuplicateEdge(ctx context.Context, e *model.DuplicateEdge) error {
	if e.ListingAID == 0 || e.ListingAID >= e.ListingBID {
		return fmt.Errorf("save duplicate edge (%d,%d): %w", e.ListingAID, e.ListingBID, model.ErrIntegrity)
	}
	if e.Confidence < 0 || e.Confidence > 100 {
		return fmt.Errorf("save duplicate edge confidence: %w", model.ErrIntegrity)
	}
	pair := [2]uint{e.ListingAID, e.ListingBID}
	existing, taken := t.s.pairs[pair]
	if e.ID == 0 {
		if taken {
			return fmt.Errorf("save duplicate edge (%d,%d): %w", e.ListingAID, e.ListingBID, model.ErrConflict)
		}
		e.ID = t.s.id()
	} else if !taken || existing != e.ID {
		return fmt.Errorf("save duplicate edge %d: %w", e.ID, model.ErrIntegrity)
	}
	t.s.edges[e.ID] = *e
	t.s.pairs[pair] = e.ID
	return nil
}

func (t *memTx) ListEdgesFor(ctx context.Context, listingID uint) ([]model.DuplicateEdge, error) {
	var out []model.DuplicateEdge
	for _, e := range t.s.edges {
		if e.ListingAID == listingID || e.ListingBID == listingID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) AppendChange(ctx context.Context, rec *model.ChangeRecord) error {
	if rec.ID != 0 {
		return fmt.Errorf("append change %d: %w", rec.ID, model.ErrImmutable)
	}
	if !rec.Kind.Valid() {
		return fmt.Errorf("append change kind %q: %w", rec.Kind, model.ErrIntegrity)
	}
	rec.ID = t.s.id()
	t.s.changes = append(t.s.changes, *rec)
	return nil
}

// ---- Reader ----

func (m *MemoryStore) read() (*memState, func()) {
	m.mu.RLock()
	return m.state, m.mu.RUnlock
}

func (m *MemoryStore) FindListing(ctx context.Context, id uint) (*model.Listing, error) {
	s, done := m.read()
	defer done()
	return (&memTx{s: s}).GetListing(ctx, id, false)
}

func (m *MemoryStore) FindDetection(ctx context.Context, listingID uint) (*model.Detection, error) {
	s, done := m.read()
	defer done()
	return (&memTx{s: s}).GetDetection(ctx, listingID)
}

func (m *MemoryStore) FindMatch(ctx context.Context, listingID uint) (*model.Match, error) {
	s, done := m.read()
	defer done()
	return (&memTx{s: s}).GetMatch(ctx, listingID)
}

func (m *MemoryStore) ListChanges(ctx context.Context, listingID uint, page Page) ([]model.ChangeRecord, int64, error) {
	s, done := m.read()
	defer done()
	page = page.Normalize()

	var all []model.ChangeRecord
	for _, c := range s.changes {
		if c.ListingID == listingID {
			all = append(all, c)
		}
	}
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].DetectedAt.Equal(all[j].DetectedAt) {
			return all[i].DetectedAt.Before(all[j].DetectedAt)
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, page), int64(len(all)), nil
}

func (m *MemoryStore) ListNearby(ctx context.Context, bound orb.Bound, excludeID uint, limit int) ([]model.Listing, error) {
	s, done := m.read()
	defer done()
	var out []model.Listing
	for _, id := range sortedIDs(s.listings) {
		l := s.listings[id]
		if id == excludeID || !l.Active || l.AnchorLat == nil || l.AnchorLon == nil {
			continue
		}
		if bound.Contains(orb.Point{*l.AnchorLon, *l.AnchorLat}) {
			out = append(out, *cloneListing(l))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListAddressCandidates(ctx context.Context, postalCode, locality string, excludeID uint, limit int) ([]model.Listing, error) {
	postalCode = strings.TrimSpace(postalCode)
	locality = strings.TrimSpace(locality)
	if postalCode == "" && locality == "" {
		return nil, nil
	}
	s, done := m.read()
	defer done()
	var out []model.Listing
	for _, id := range sortedIDs(s.listings) {
		l := s.listings[id]
		if id == excludeID || !l.Active {
			continue
		}
		if (postalCode != "" && l.PostalCode == postalCode) || (locality != "" && strings.EqualFold(l.Locality, locality)) {
			out = append(out, *cloneListing(l))
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) ListDetections(ctx context.Context, f DetectionFilter) ([]DetectionView, int64, error) {
	s, done := m.read()
	defer done()
	var all []DetectionView
	for _, d := range s.detections {
		l := s.listings[d.ListingID]
		if f.Status != "" && d.Status != f.Status {
			continue
		}
		if f.Portal != "" && l.Portal != f.Portal {
			continue
		}
		if d.Score < f.MinScore {
			continue
		}
		all = append(all, DetectionView{
			Detection: *cloneDetection(d),
			Portal:    l.Portal,
			NativeID:  l.NativeID,
			Title:     l.Title,
			URL:       l.URL,
			Price:     l.Price,
			Province:  l.Province,
			Locality:  l.Locality,
			Active:    l.Active,
		})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, f.Page.Normalize()), int64(len(all)), nil
}

func (m *MemoryStore) ListDuplicates(ctx context.Context, f DuplicateFilter) ([]model.DuplicateEdge, int64, error) {
	s, done := m.read()
	defer done()
	var all []model.DuplicateEdge
	for _, e := range s.edges {
		if f.Validated != nil && e.Validated != *f.Validated {
			continue
		}
		if f.ListingID != 0 && e.ListingAID != f.ListingID && e.ListingBID != f.ListingID {
			continue
		}
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Confidence != all[j].Confidence {
			return all[i].Confidence > all[j].Confidence
		}
		return all[i].ID < all[j].ID
	})
	return paginate(all, f.Page.Normalize()), int64(len(all)), nil
}

func (m *MemoryStore) PortalStats(ctx context.Context) ([]PortalStat, error) {
	s, done := m.read()
	defer done()
	type acc struct {
		stat   PortalStat
		sum    float64
		priced int
	}
	byPortal := map[model.Portal]*acc{}
	for _, l := range s.listings {
		a, ok := byPortal[l.Portal]
		if !ok {
			a = &acc{stat: PortalStat{Portal: l.Portal}}
			byPortal[l.Portal] = a
		}
		a.stat.Total++
		if l.Active {
			a.stat.Active++
		} else {
			a.stat.Delisted++
		}
		if l.Price != nil {
			a.sum += float64(*l.Price)
			a.priced++
		}
	}
	out := make([]PortalStat, 0, len(byPortal))
	for _, a := range byPortal {
		if a.priced > 0 {
			avg := a.sum / float64(a.priced)
			a.stat.AvgPrice = &avg
		}
		out = append(out, a.stat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Portal < out[j].Portal })
	return out, nil
}

func (m *MemoryStore) DetectionStats(ctx context.Context) ([]DetectionStat, error) {
	s, done := m.read()
	defer done()
	counts := map[[2]string]int64{}
	for _, d := range s.detections {
		l := s.listings[d.ListingID]
		counts[[2]string{string(l.Portal), string(d.Status)}]++
	}
	out := make([]DetectionStat, 0, len(counts))
	for k, n := range counts {
		out = append(out, DetectionStat{Portal: model.Portal(k[0]), Status: model.Status(k[1]), Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Portal != out[j].Portal {
			return out[i].Portal < out[j].Portal
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

func (m *MemoryStore) ListNeedingEnrichment(ctx context.Context, limit int) ([]uint, error) {
	s, done := m.read()
	defer done()
	var ls []model.Listing
	for _, l := range s.listings {
		if l.NeedsEnrichment {
			ls = append(ls, l)
		}
	}
	sort.Slice(ls, func(i, j int) bool { return ls[i].LastSeenAt.Before(ls[j].LastSeenAt) })
	ids := make([]uint, 0, len(ls))
	for _, l := range ls {
		if limit > 0 && len(ids) >= limit {
			break
		}
		ids = append(ids, l.ID)
	}
	return ids, nil
}

func (m *MemoryStore) ListActiveNotSeenSince(ctx context.Context, portal model.Portal, province string, since time.Time) ([]uint, error) {
	s, done := m.read()
	defer done()
	var ids []uint
	for _, id := range sortedIDs(s.listings) {
		l := s.listings[id]
		if l.Portal != portal || !l.Active || !l.LastSeenAt.Before(since) {
			continue
		}
		if province != "" && l.Province != province {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// ---- Users ----

func (m *MemoryStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	s, done := m.read()
	defer done()
	u, ok := s.users[email]
	if !ok {
		return nil, fmt.Errorf("get user: %w", model.ErrNotFound)
	}
	return &u, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, u *model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.users[u.Email]; ok {
		return fmt.Errorf("create user: %w", model.ErrConflict)
	}
	u.ID = m.state.id()
	u.CreatedAt = m.now()
	m.state.users[u.Email] = *u
	return nil
}

// ---- helpers ----

func paginate[T any](all []T, page Page) []T {
	start := page.Offset()
	if start >= len(all) {
		return []T{}
	}
	end := start + page.PageSize
	if end > len(all) {
		end = len(all)
	}
	return all[start:end]
}

func sortedIDs(m map[uint]model.Listing) []uint {
	ids := make([]uint, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func cloneListing(l model.Listing) *model.Listing {
	c := l
	c.Characteristics = append(pq.StringArray(nil), l.Characteristics...)
	c.Images = append(pq.StringArray(nil), l.Images...)
	c.Polygon = append(datatypes.JSON(nil), l.Polygon...)
	if l.Extra != nil {
		c.Extra = make(datatypes.JSONMap, len(l.Extra))
		for k, v := range l.Extra {
			c.Extra[k] = v
		}
	}
	return &c
}

func cloneDetection(d model.Detection) *model.Detection {
	c := d
	c.Evidences = append(pq.StringArray(nil), d.Evidences...)
	c.ManualEvidence = append(datatypes.JSON(nil), d.ManualEvidence...)
	c.Listing = nil
	return &c
}
