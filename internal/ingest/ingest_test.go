package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"sipi/internal/config"
	"sipi/internal/dedup"
	"sipi/internal/gazetteer"
	"sipi/internal/ledger"
	"sipi/internal/lifecycle"
	"sipi/internal/matcher"
	"sipi/internal/model"
	"sipi/internal/pkg/health"
	"sipi/internal/pkg/queue"
	"sipi/internal/pkg/retry"
	"sipi/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const metresPerDegreeLat = 111195.0

var church = gazetteer.Entry{ID: "w100", Type: "osm_way", Name: "Iglesia de San Luis", Class: "church", Lat: 37.1, Lon: -5.9}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

type recorder struct {
	mu   sync.Mutex
	seen []model.Status
}

func (r *recorder) NotifyDetection(_ context.Context, _ *model.Listing, d *model.Detection, _ model.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, d.Status)
	return nil
}

func (r *recorder) statuses() []model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Status(nil), r.seen...)
}

type failingIndex struct{}

func (failingIndex) Nearby(context.Context, float64, float64, float64, int) ([]gazetteer.Candidate, error) {
	return nil, errors.New("connection refused")
}

func (failingIndex) Search(context.Context, string, int) ([]gazetteer.Candidate, error) {
	return nil, errors.New("connection refused")
}

type harness struct {
	store    *store.MemoryStore
	coord    *Coordinator
	pipe     *Pipeline
	notified *recorder
	clock    *clock
}

func newHarness(t *testing.T, idx gazetteer.Index) *harness {
	t.Helper()
	s := store.NewMemoryStore()
	return newHarnessOn(t, idx, s, s)
}

// newHarnessOn 让协调器与管线通过 backend 写入，读取断言仍走内存库。
func newHarnessOn(t *testing.T, idx gazetteer.Index, s *store.MemoryStore, backend store.Store) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Default()
	cfg.Ingest.DelistAfterMissedPasses = 2

	ctx, cancel := context.WithCancel(context.Background())
	q := queue.NewQueue(logger, 2, 64)
	q.Start(ctx)
	t.Cleanup(cancel)

	clk := &clock{t: time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)}
	led := ledger.New(s, nil, logger)
	engine := lifecycle.NewEngine(cfg.Scoring, logger)
	rec := &recorder{}
	m := matcher.New(idx, cfg.Matcher, retry.Policy{MaxAttempts: 1}, health.NewTracker(), logger)

	pipe := NewPipeline(PipelineOptions{
		Store:          backend,
		Queue:          q,
		Matcher:        m,
		Dedup:          dedup.New(backend, cfg.Dedup, logger),
		Engine:         engine,
		Ledger:         led,
		Notifier:       rec,
		DedupThreshold: cfg.Dedup.Threshold,
		Logger:         logger,
	})
	pipe.now = clk.Now
	coord := NewCoordinator(Options{
		Store:          backend,
		Ledger:         led,
		Engine:         engine,
		Pipeline:       pipe,
		Notifier:       rec,
		Config:         cfg.Ingest,
		DedupThreshold: cfg.Dedup.Threshold,
		Logger:         logger,
	})
	coord.now = clk.Now
	return &harness{store: s, coord: coord, pipe: pipe, notified: rec, clock: clk}
}

func (h *harness) ingest(t *testing.T, sub model.Submission) Result {
	t.Helper()
	res, err := h.coord.Ingest(context.Background(), sub)
	require.NoError(t, err)
	h.drain(t)
	return res
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.pipe.Drain(ctx))
}

func (h *harness) changes(t *testing.T, id uint) []model.ChangeKind {
	t.Helper()
	recs, _, err := h.store.ListChanges(context.Background(), id, store.Page{Page: 1, PageSize: 200})
	require.NoError(t, err)
	kinds := make([]model.ChangeKind, 0, len(recs))
	for _, r := range recs {
		kinds = append(kinds, r.Kind)
	}
	return kinds
}

func (h *harness) detection(t *testing.T, id uint) *model.Detection {
	t.Helper()
	d, err := h.store.FindDetection(context.Background(), id)
	require.NoError(t, err)
	return d
}

func price(v int64) *int64 { return &v }
func boolPtr(v bool) *bool { return &v }

func listingA() model.Submission {
	return model.Submission{
		Portal:   model.PortalIdealista,
		NativeID: "123",
		URL:      "https://www.idealista.com/inmueble/123/",
		Title:    "Piso luminoso en Triana",
		Price:    price(200000),
		Geo:      model.PreciseAt(37.1, -5.9),
		Province: "Sevilla",
		Locality: "Sevilla",
	}
}

func TestIngest_NewListingStartsTracking(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	res := h.ingest(t, listingA())

	assert.Equal(t, OutcomeNew, res.Outcome)
	require.NotZero(t, res.ListingID)
	d := h.detection(t, res.ListingID)
	assert.Equal(t, model.StatusTracking, d.Status)
	assert.Equal(t, 0, d.Score)
	assert.Equal(t, int64(200000), *d.InitialPrice)
	assert.Equal(t, []model.ChangeKind{model.ChangeNew}, h.changes(t, res.ListingID))

	l, err := h.store.FindListing(context.Background(), res.ListingID)
	require.NoError(t, err)
	assert.False(t, l.NeedsEnrichment, "pipeline clears the flag after a successful pass")
	assert.True(t, l.Active)
}

func TestIngest_PriceChangeTracked(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	first := h.ingest(t, listingA())

	sub := listingA()
	sub.Price = price(190000)
	res := h.ingest(t, sub)

	assert.Equal(t, OutcomeUpdated, res.Outcome)
	assert.Equal(t, first.ListingID, res.ListingID)
	assert.Equal(t, []model.ChangeKind{model.ChangeNew, model.ChangePrice}, h.changes(t, res.ListingID))
	d := h.detection(t, res.ListingID)
	assert.Equal(t, int64(190000), *d.CurrentPrice)
	assert.Equal(t, int64(190000), *d.MinPrice)
	assert.Equal(t, int64(200000), *d.MaxPrice)
	assert.Equal(t, 1, d.PriceChanges)
}

func TestIngest_PriceRemovedAndRestoredMatchesLedger(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	first := h.ingest(t, listingA())

	hidden := listingA()
	hidden.Price = nil
	h.ingest(t, hidden)
	d := h.detection(t, first.ListingID)
	assert.Nil(t, d.CurrentPrice)
	assert.Equal(t, 1, d.PriceChanges)

	h.ingest(t, listingA())

	kinds := h.changes(t, first.ListingID)
	priceRecords := 0
	for _, k := range kinds {
		if k == model.ChangePrice {
			priceRecords++
		}
	}
	d = h.detection(t, first.ListingID)
	assert.Equal(t, 2, priceRecords)
	assert.Equal(t, priceRecords, d.PriceChanges)
	assert.Equal(t, int64(200000), *d.CurrentPrice)
	assert.Equal(t, int64(200000), *d.MinPrice)
	assert.Equal(t, int64(200000), *d.MaxPrice)
}

func TestIngest_IdenticalResubmissionIsUnchanged(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	h.ingest(t, listingA())
	res := h.ingest(t, listingA())

	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, []model.ChangeKind{model.ChangeNew}, h.changes(t, res.ListingID))
}

func TestIngest_StaleObservationIgnored(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	first := h.ingest(t, listingA())

	old := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	sub := listingA()
	sub.Price = price(150000)
	sub.ObservedAt = &old
	res := h.ingest(t, sub)

	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	l, err := h.store.FindListing(context.Background(), first.ListingID)
	require.NoError(t, err)
	assert.Equal(t, int64(200000), *l.Price)
}

func TestIngest_InvalidSubmissionWritesNothing(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	sub := listingA()
	sub.Price = price(-1)

	_, err := h.coord.Ingest(context.Background(), sub)
	var ve *model.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "price", ve.Field)

	ids, err := h.store.ListActiveNotSeenSince(context.Background(), model.PortalIdealista, "", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestIngest_CrossPortalDuplicateCorroborates(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	a := h.ingest(t, listingA())

	sub := listingA()
	sub.Portal = model.PortalFotocasa
	sub.NativeID = "456"
	sub.URL = "https://www.fotocasa.es/456"
	sub.Price = price(195000)
	b := h.ingest(t, sub)

	edges, total, err := h.store.ListDuplicates(context.Background(), store.DuplicateFilter{ListingID: a.ListingID})
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	e := edges[0]
	lo, hi := model.CanonicalPair(a.ListingID, b.ListingID)
	assert.Equal(t, lo, e.ListingAID)
	assert.Equal(t, hi, e.ListingBID)
	assert.GreaterOrEqual(t, e.Confidence, 70)
	assert.False(t, e.Validated)

	// 两侧都获得跨门户佐证分
	assert.Equal(t, 5, h.detection(t, a.ListingID).Score)
	assert.Equal(t, 5, h.detection(t, b.ListingID).Score)
}

// edgeRaceStore 模拟另一条房源抢先插入同一重复边：前 n 次插入返回 ErrConflict。
type edgeRaceStore struct {
	*store.MemoryStore
	conflicts atomic.Int32
}

func (s *edgeRaceStore) Update(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.MemoryStore.Update(ctx, func(tx store.Tx) error {
		return fn(edgeRaceTx{Tx: tx, s: s})
	})
}

type edgeRaceTx struct {
	store.Tx
	s *edgeRaceStore
}

func (t edgeRaceTx) SaveDuplicateEdge(ctx context.Context, e *model.DuplicateEdge) error {
	if e.ID == 0 && t.s.conflicts.Add(-1) >= 0 {
		return fmt.Errorf("insert duplicate edge: %w", model.ErrConflict)
	}
	return t.Tx.SaveDuplicateEdge(ctx, e)
}

func TestPipeline_EdgeConflictIsRetried(t *testing.T) {
	mem := store.NewMemoryStore()
	racy := &edgeRaceStore{MemoryStore: mem}
	h := newHarnessOn(t, gazetteer.NewMemory(), mem, racy)
	a := h.ingest(t, listingA())

	racy.conflicts.Store(1)
	sub := listingA()
	sub.Portal = model.PortalFotocasa
	sub.NativeID = "456"
	sub.URL = "https://www.fotocasa.es/456"
	sub.Price = price(195000)
	b := h.ingest(t, sub)

	assert.EqualValues(t, -1, racy.conflicts.Load(), "conflict consumed, then retried")
	_, total, err := mem.ListDuplicates(context.Background(), store.DuplicateFilter{ListingID: a.ListingID})
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
	assert.Equal(t, 5, h.detection(t, b.ListingID).Score)

	l, err := mem.FindListing(context.Background(), b.ListingID)
	require.NoError(t, err)
	assert.False(t, l.NeedsEnrichment)
}

func TestPipeline_EdgeConflictSurfacesAfterRetries(t *testing.T) {
	mem := store.NewMemoryStore()
	racy := &edgeRaceStore{MemoryStore: mem}
	h := newHarnessOn(t, gazetteer.NewMemory(), mem, racy)
	h.ingest(t, listingA())

	sub := listingA()
	sub.Portal = model.PortalFotocasa
	sub.NativeID = "456"
	sub.URL = "https://www.fotocasa.es/456"
	sub.Price = price(195000)
	racy.conflicts.Store(100)
	b := h.ingest(t, sub)
	racy.conflicts.Store(100)

	err := h.pipe.Process(context.Background(), b.ListingID)
	require.ErrorIs(t, err, model.ErrConflict)
	// 每次尝试都回滚：标记保留给 janitor
	l, err := mem.FindListing(context.Background(), b.ListingID)
	require.NoError(t, err)
	assert.True(t, l.NeedsEnrichment)
}

func TestPipeline_HybridMatchConfirmsDetection(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory(church))
	sub := listingA()
	sub.Title = "Se vende antigua Iglesia de San Luis"
	sub.Geo = model.PreciseAt(37.1+10/metresPerDegreeLat, -5.9)
	res := h.ingest(t, sub)

	m, err := h.store.FindMatch(context.Background(), res.ListingID)
	require.NoError(t, err)
	assert.Equal(t, model.MatchHybrid, m.Method)
	assert.Greater(t, m.Confidence, 70)
	assert.True(t, m.Confirmed)

	d := h.detection(t, res.ListingID)
	assert.Equal(t, model.StatusListedForSale, d.Status)
	assert.Equal(t, 100, d.Score)
	require.NotNil(t, d.FirstDetectedAt)
	require.NotNil(t, d.ConfirmedAt)
	require.NotNil(t, d.GazetteerID)
	assert.Equal(t, "w100", *d.GazetteerID)

	kinds := h.changes(t, res.ListingID)
	statusChanges := 0
	for _, k := range kinds {
		if k == model.ChangeStatus {
			statusChanges++
		}
	}
	assert.Equal(t, 3, statusChanges)
	assert.Equal(t, []model.Status{model.StatusListedForSale}, h.notified.statuses())
}

func TestPipeline_GazetteerOutageKeepsFlag(t *testing.T) {
	h := newHarness(t, failingIndex{})
	res := h.ingest(t, listingA())

	l, err := h.store.FindListing(context.Background(), res.ListingID)
	require.NoError(t, err)
	assert.True(t, l.NeedsEnrichment)
	_, err = h.store.FindMatch(context.Background(), res.ListingID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	n, err := h.pipe.Reconcile(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	h.drain(t)
}

func TestIngest_DelistAndReactivate(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	res := h.ingest(t, listingA())

	sub := listingA()
	sub.Active = boolPtr(false)
	h.ingest(t, sub)

	d := h.detection(t, res.ListingID)
	assert.Equal(t, model.StatusWithdrawn, d.Status)
	l, err := h.store.FindListing(context.Background(), res.ListingID)
	require.NoError(t, err)
	assert.False(t, l.Active)
	require.NotNil(t, l.DelistedAt)

	back := h.ingest(t, listingA())
	assert.Equal(t, OutcomeUpdated, back.Outcome)
	d = h.detection(t, res.ListingID)
	assert.Equal(t, model.StatusTracking, d.Status)
	assert.Equal(t, 2, d.Cycle)
	assert.Equal(t, []model.ChangeKind{
		model.ChangeNew, model.ChangeDelisted, model.ChangeStatus, model.ChangeNew,
	}, h.changes(t, res.ListingID))
}

func TestCompletePass_DelistsAfterMissedPasses(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	res := h.ingest(t, listingA())
	ctx := context.Background()

	out, err := h.coord.CompletePass(ctx, model.PortalIdealista, "Sevilla", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, out.Missed)
	assert.Empty(t, out.Delisted)

	out, err = h.coord.CompletePass(ctx, model.PortalIdealista, "Sevilla", h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, []uint{res.ListingID}, out.Delisted)

	l, err := h.store.FindListing(ctx, res.ListingID)
	require.NoError(t, err)
	assert.False(t, l.Active)
	assert.Equal(t, 2, l.MissedPasses)
	assert.Equal(t, model.StatusWithdrawn, h.detection(t, res.ListingID).Status)

	// 其他门户不受影响
	out, err = h.coord.CompletePass(ctx, model.PortalFotocasa, "Sevilla", h.clock.Now())
	require.NoError(t, err)
	assert.Zero(t, out.Missed)
}

func TestCompletePass_SeenListingResets(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	res := h.ingest(t, listingA())
	ctx := context.Background()

	_, err := h.coord.CompletePass(ctx, model.PortalIdealista, "", h.clock.Now())
	require.NoError(t, err)
	sub := listingA()
	sub.Title = "Piso luminoso en Triana, reformado"
	h.ingest(t, sub)

	l, err := h.store.FindListing(ctx, res.ListingID)
	require.NoError(t, err)
	assert.Zero(t, l.MissedPasses)
	assert.True(t, l.Active)
}

func TestAddEvidence_ConfirmingEvidencePromotes(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	res := h.ingest(t, listingA())

	d, err := h.coord.AddEvidence(context.Background(), res.ListingID, model.ManualEvidence{
		Text: "visited, former chapel", Weight: 40, Confirming: true, Reviewer: "ana@example.com",
	})
	require.NoError(t, err)
	assert.Equal(t, 40, d.Score)
	assert.Equal(t, model.StatusListedForSale, d.Status)
	assert.Len(t, d.Manual(), 1)

	_, err = h.coord.AddEvidence(context.Background(), res.ListingID, model.ManualEvidence{Text: "x", Weight: 101})
	var ve *model.ValidationError
	assert.ErrorAs(t, err, &ve)

	_, err = h.coord.AddEvidence(context.Background(), 9999, model.ManualEvidence{Text: "x", Weight: 1})
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSetManualMatch_NeverOverwritten(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory(church))
	res := h.ingest(t, listingA())
	ctx := context.Background()

	m, err := h.coord.SetManualMatch(ctx, res.ListingID, "osm_node", "n1", "Ermita del Rocio")
	require.NoError(t, err)
	assert.Equal(t, model.MatchManual, m.Method)

	require.True(t, h.pipe.Schedule(res.ListingID))
	h.drain(t)

	got, err := h.store.FindMatch(ctx, res.ListingID)
	require.NoError(t, err)
	assert.Equal(t, "n1", got.GazetteerID)
	assert.Equal(t, model.MatchManual, got.Method)
	assert.Equal(t, model.StatusListedForSale, h.detection(t, res.ListingID).Status)
}

func TestIngestBatch_PartialFailure(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	bad := listingA()
	bad.NativeID = ""
	other := listingA()
	other.NativeID = "124"

	items := h.coord.IngestBatch(context.Background(), []model.Submission{listingA(), bad, other})
	h.drain(t)

	require.Len(t, items, 3)
	require.NotNil(t, items[0].Result)
	assert.Equal(t, OutcomeNew, items[0].Result.Outcome)
	assert.Nil(t, items[1].Result)
	var ve *model.ValidationError
	assert.ErrorAs(t, items[1].Err(), &ve)
	require.NotNil(t, items[2].Result)
	assert.NotEqual(t, items[0].Result.ListingID, items[2].Result.ListingID)
}

func TestIngest_ConcurrentSameListing(t *testing.T) {
	h := newHarness(t, gazetteer.NewMemory())
	var wg sync.WaitGroup
	results := make([]Result, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.coord.Ingest(context.Background(), listingA())
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()
	h.drain(t)

	news := 0
	for _, r := range results {
		assert.Equal(t, results[0].ListingID, r.ListingID)
		if r.Outcome == OutcomeNew {
			news++
		}
	}
	assert.Equal(t, 1, news)
	assert.Equal(t, []model.ChangeKind{model.ChangeNew}, h.changes(t, results[0].ListingID))
}
