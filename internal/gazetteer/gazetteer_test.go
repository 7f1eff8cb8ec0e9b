package gazetteer

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"sipi/internal/model"
	"sipi/internal/pkg/ratelimit"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sevilleEntries() []Entry {
	return []Entry{
		{ID: "1", Type: "osm_way", Name: "Iglesia de San Luis de los Franceses", Class: "church", Lat: 37.39683, Lon: -5.98870},
		{ID: "2", Type: "osm_way", Name: "Convento de Santa Paula", Class: "convent", Lat: 37.39540, Lon: -5.98630},
		{ID: "3", Type: "osm_node", Name: "Capilla del Rosario", Class: "chapel", Lat: 37.38000, Lon: -5.97000},
	}
}

func TestMemory_NearbyOrderedAndBounded(t *testing.T) {
	idx := NewMemory(sevilleEntries()...)
	ctx := context.Background()

	got, err := idx.Nearby(ctx, 37.39683, -5.98870, 500, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Entry.ID)
	assert.InDelta(t, 0, got[0].DistanceM, 0.5)
	assert.Equal(t, "2", got[1].Entry.ID)
	assert.True(t, got[0].DistanceM <= got[1].DistanceM)

	got, err = idx.Nearby(ctx, 37.39683, -5.98870, 500, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemory_Search(t *testing.T) {
	idx := NewMemory(sevilleEntries()...)

	got, err := idx.Search(context.Background(), "convento santa paula", 3)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "2", got[0].Entry.ID)

	got, err = idx.Search(context.Background(), "   ", 3)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemory_CancelledContext(t *testing.T) {
	idx := NewMemory(sevilleEntries()...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := idx.Nearby(ctx, 37.39, -5.98, 100, 5)
	assert.ErrorIs(t, err, context.Canceled)
}

// ---- PostGIS ----

type fakeRows struct {
	data [][]any
	pos  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return r.data[r.pos-1], nil }

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.data) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	row := r.data[r.pos-1]
	if len(dest) != len(row) {
		return errors.New("column count mismatch")
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *string:
			*p = row[i].(string)
		case *float64:
			*p = row[i].(float64)
		default:
			return errors.New("unsupported scan target")
		}
	}
	return nil
}

type fakeQuerier struct {
	rows    *fakeRows
	err     error
	lastSQL string
	args    []any
}

func (q *fakeQuerier) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	q.lastSQL, q.args = sql, args
	if q.err != nil {
		return nil, q.err
	}
	return q.rows, nil
}

func TestPostGIS_Nearby(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{data: [][]any{
		{"1", "osm_way", "Iglesia de San Luis", "church", 37.39683, -5.98870, 12.5},
	}}}
	idx := NewPostGIS(q, "geo.gazetteer_entries")

	got, err := idx.Nearby(context.Background(), 37.3969, -5.9888, 200, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Iglesia de San Luis", got[0].Entry.Name)
	assert.Equal(t, 12.5, got[0].DistanceM)
	assert.Contains(t, q.lastSQL, `"geo"."gazetteer_entries"`)
	assert.Contains(t, q.lastSQL, "ST_DWithin")
	assert.Equal(t, []any{37.3969, -5.9888, 200.0, 5}, q.args)
}

func TestPostGIS_SearchReranksAndFilters(t *testing.T) {
	q := &fakeQuerier{rows: &fakeRows{data: [][]any{
		{"9", "osm_node", "Bar Paula", "pub", 37.0, -5.0},
		{"2", "osm_way", "Convento de Santa Paula", "convent", 37.3954, -5.9863},
		{"7", "osm_node", "Farmacia Central", "pharmacy", 37.1, -5.1},
	}}}
	idx := NewPostGIS(q, "")

	got, err := idx.Search(context.Background(), "Convento Santa Paula", 2)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, "2", got[0].Entry.ID)
	for _, c := range got {
		assert.NotEqual(t, "7", c.Entry.ID)
	}
	assert.Equal(t, []string{"%convento%", "%santa%", "%paula%"}, q.args[0])
	assert.Equal(t, 8, q.args[1])
}

func TestPostGIS_QueryError(t *testing.T) {
	idx := NewPostGIS(&fakeQuerier{err: errors.New("connection refused")}, "")
	_, err := idx.Nearby(context.Background(), 37, -5, 100, 5)
	assert.ErrorContains(t, err, "postgis nearby")
}

// ---- OpenSearch ----

type mockTransport struct {
	Response *http.Response
	Error    error
	Requests []*http.Request
}

func (m *mockTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	m.Requests = append(m.Requests, req)
	return m.Response, m.Error
}

func newOpenSearch(t *testing.T, status int, body string) (*OpenSearch, *mockTransport) {
	t.Helper()
	mt := &mockTransport{Response: &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}}
	client, err := opensearch.NewClient(opensearch.Config{Transport: mt})
	require.NoError(t, err)
	return NewOpenSearch(client, "gazetteer"), mt
}

func TestOpenSearch_Nearby(t *testing.T) {
	body := `{"hits":{"hits":[
		{"_id":"osm_way/1","_score":null,"_source":{"id":"1","type":"osm_way","name":"Iglesia de San Luis","class":"church","location":{"lat":37.39683,"lon":-5.9887}},"sort":[8.25]},
		{"_id":"osm_way/2","_score":null,"_source":{"id":"2","type":"osm_way","name":"Convento de Santa Paula","location":{"lat":37.3954,"lon":-5.9863}},"sort":[260.4]}
	]}}`
	idx, mt := newOpenSearch(t, 200, body)

	got, err := idx.Nearby(context.Background(), 37.3968, -5.9888, 200, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].Entry.ID)
	assert.Equal(t, 8.25, got[0].DistanceM)
	require.Len(t, mt.Requests, 1)
	assert.Contains(t, mt.Requests[0].URL.Path, "/gazetteer/_search")
}

func TestOpenSearch_Search(t *testing.T) {
	body := `{"hits":{"hits":[
		{"_id":"osm_node/3","_score":2.5,"_source":{"id":"3","type":"osm_node","name":"Capilla del Rosario","location":{"lat":37.38,"lon":-5.97}}},
		{"_id":"osm_way/2","_score":7.1,"_source":{"id":"2","type":"osm_way","name":"Convento de Santa Paula","location":{"lat":37.3954,"lon":-5.9863}}}
	]}}`
	idx, _ := newOpenSearch(t, 200, body)

	got, err := idx.Search(context.Background(), "santa paula", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "2", got[0].Entry.ID)
	assert.Equal(t, 37.3954, got[0].Entry.Lat)
}

func TestOpenSearch_ErrorResponse(t *testing.T) {
	idx, _ := newOpenSearch(t, 500, `{"error":"boom"}`)
	_, err := idx.Search(context.Background(), "iglesia", 5)
	assert.ErrorContains(t, err, "error searching gazetteer")
}

func TestOpenSearch_Put(t *testing.T) {
	idx, mt := newOpenSearch(t, 201, `{"result":"created"}`)
	err := idx.Put(context.Background(), sevilleEntries()[0])
	require.NoError(t, err)
	require.Len(t, mt.Requests, 1)
	assert.Equal(t, http.MethodPut, mt.Requests[0].Method)
	assert.Contains(t, mt.Requests[0].URL.Path, "/gazetteer/_doc/")
}

// ---- Hybrid / Limited ----

func TestHybrid_Routes(t *testing.T) {
	spatial := NewMemory(sevilleEntries()[0])
	text := NewMemory(sevilleEntries()[1])
	h := &Hybrid{Spatial: spatial, Text: text}

	near, err := h.Nearby(context.Background(), 37.39683, -5.98870, 5000, 5)
	require.NoError(t, err)
	require.Len(t, near, 1)
	assert.Equal(t, "1", near[0].Entry.ID)

	found, err := h.Search(context.Background(), "santa paula", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "2", found[0].Entry.ID)
}

type stubLimiter struct{ err error }

func (s stubLimiter) Acquire(ctx context.Context) error { return s.err }

type slowIndex struct{}

func (slowIndex) Nearby(ctx context.Context, lat, lon, radiusM float64, k int) ([]Candidate, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func (slowIndex) Search(ctx context.Context, text string, k int) ([]Candidate, error) {
	return nil, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestLimited_RateLimitTimeoutIsDependencyError(t *testing.T) {
	l := NewLimited(NewMemory(sevilleEntries()...), "memory", stubLimiter{err: ratelimit.ErrRateLimitTimeout}, 0, discardLogger())
	_, err := l.Nearby(context.Background(), 37.39, -5.98, 100, 5)
	var dep *model.DependencyError
	require.ErrorAs(t, err, &dep)
	assert.Equal(t, "gazetteer", dep.Dependency)
}

func TestLimited_FailsOpenOnLimiterError(t *testing.T) {
	l := NewLimited(NewMemory(sevilleEntries()...), "memory", stubLimiter{err: errors.New("redis down")}, 0, discardLogger())
	got, err := l.Nearby(context.Background(), 37.39683, -5.98870, 100, 5)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestLimited_AppliesTimeout(t *testing.T) {
	l := NewLimited(slowIndex{}, "slow", nil, 20*time.Millisecond, discardLogger())
	start := time.Now()
	_, err := l.Nearby(context.Background(), 0, 0, 1, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
