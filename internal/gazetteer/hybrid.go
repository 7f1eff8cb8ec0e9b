package gazetteer

import "context"

// Hybrid 将近邻查询与文本查询路由到不同后端（例如 PostGIS + OpenSearch）。
type Hybrid struct {
	Spatial Index
	Text    Index
}

func (h *Hybrid) Nearby(ctx context.Context, lat, lon, radiusM float64, k int) ([]Candidate, error) {
	return h.Spatial.Nearby(ctx, lat, lon, radiusM, k)
}

func (h *Hybrid) Search(ctx context.Context, text string, k int) ([]Candidate, error) {
	return h.Text.Search(ctx, text, k)
}
