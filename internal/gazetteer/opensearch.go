package gazetteer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"sipi/internal/geo"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
)

// OpenSearch 基于 OpenSearch 索引的地名库（geo_point 字段 location）。
type OpenSearch struct {
	client *opensearch.Client
	index  string
}

func NewOpenSearch(client *opensearch.Client, index string) *OpenSearch {
	if index == "" {
		index = "gazetteer"
	}
	return &OpenSearch{client: client, index: index}
}

type osDocument struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Class      string            `json:"class,omitempty"`
	Location   osLocation        `json:"location"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type osLocation struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type osSearchResponse struct {
	Hits struct {
		Hits []struct {
			ID     string        `json:"_id"`
			Score  float64       `json:"_score"`
			Source osDocument    `json:"_source"`
			Sort   []json.Number `json:"sort"`
		} `json:"hits"`
	} `json:"hits"`
}

// Put 写入（覆盖）条目，文档 ID 为 type/id。
func (o *OpenSearch) Put(ctx context.Context, entries ...Entry) error {
	for _, e := range entries {
		doc := osDocument{
			ID:         e.ID,
			Type:       e.Type,
			Name:       e.Name,
			Class:      e.Class,
			Location:   osLocation{Lat: e.Lat, Lon: e.Lon},
			Attributes: e.Attributes,
		}
		body, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal gazetteer entry: %w", err)
		}

		req := opensearchapi.IndexRequest{
			Index:      o.index,
			DocumentID: e.Type + "/" + e.ID,
			Body:       strings.NewReader(string(body)),
		}
		res, err := req.Do(ctx, o.client)
		if err != nil {
			return fmt.Errorf("failed to execute index request: %w", err)
		}
		res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("error indexing gazetteer entry %s: %s", e.ID, res.String())
		}
	}
	return nil
}

func (o *OpenSearch) Nearby(ctx context.Context, lat, lon, radiusM float64, k int) ([]Candidate, error) {
	if k <= 0 {
		k = 5
	}
	point := map[string]float64{"lat": lat, "lon": lon}
	query := map[string]any{
		"size": k,
		"query": map[string]any{
			"bool": map[string]any{
				"filter": map[string]any{
					"geo_distance": map[string]any{
						"distance": fmt.Sprintf("%.0fm", radiusM),
						"location": point,
					},
				},
			},
		},
		"sort": []any{
			map[string]any{
				"_geo_distance": map[string]any{
					"location": point,
					"order":    "asc",
					"unit":     "m",
				},
			},
		},
	}
	hits, err := o.search(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(hits.Hits.Hits))
	for _, h := range hits.Hits.Hits {
		c := Candidate{Entry: h.Source.entry()}
		if len(h.Sort) > 0 {
			if d, err := h.Sort[0].Float64(); err == nil {
				c.DistanceM = d
			}
		} else {
			c.DistanceM = geo.Distance(lat, lon, c.Entry.Lat, c.Entry.Lon)
		}
		if c.DistanceM > radiusM {
			continue
		}
		out = append(out, c)
	}
	sortByDistance(out)
	return truncate(out, k), nil
}

func (o *OpenSearch) Search(ctx context.Context, text string, k int) ([]Candidate, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}
	query := map[string]any{
		"size": k,
		"query": map[string]any{
			"match": map[string]any{
				"name": map[string]any{
					"query":     text,
					"fuzziness": "AUTO",
				},
			},
		},
	}
	hits, err := o.search(ctx, query)
	if err != nil {
		return nil, err
	}
	out := make([]Candidate, 0, len(hits.Hits.Hits))
	for _, h := range hits.Hits.Hits {
		out = append(out, Candidate{Entry: h.Source.entry(), Score: h.Score})
	}
	sortByScore(out)
	return truncate(out, k), nil
}

func (o *OpenSearch) search(ctx context.Context, query map[string]any) (*osSearchResponse, error) {
	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal search query: %w", err)
	}
	req := opensearchapi.SearchRequest{
		Index: []string{o.index},
		Body:  strings.NewReader(string(body)),
	}
	res, err := req.Do(ctx, o.client)
	if err != nil {
		return nil, fmt.Errorf("failed to execute search request: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("error searching gazetteer: %s", res.String())
	}
	var out osSearchResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return &out, nil
}

func (d osDocument) entry() Entry {
	return Entry{
		ID:         d.ID,
		Type:       d.Type,
		Name:       d.Name,
		Class:      d.Class,
		Lat:        d.Location.Lat,
		Lon:        d.Location.Lon,
		Attributes: d.Attributes,
	}
}
