package gazetteer

import (
	"context"
	"fmt"
	"strings"

	"sipi/internal/pkg/textutil"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier 是 *pgxpool.Pool 中 PostGIS 索引用到的部分。
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostGIS 基于 PostGIS 表的地名库索引。
//
// 表结构: id text, type text, name text, class text, geom geography(Point, 4326)。
type PostGIS struct {
	db    querier
	table string
}

// OpenPool 解析 DSN 并建立连接池。
func OpenPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgis dsn: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 4
	}
	cfg.MaxConns = maxConns

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgis: %w", err)
	}
	return pool, nil
}

func NewPostGIS(db querier, table string) *PostGIS {
	if table == "" {
		table = "gazetteer_entries"
	}
	return &PostGIS{db: db, table: table}
}

func (p *PostGIS) tableIdent() string {
	return pgx.Identifier(strings.Split(p.table, ".")).Sanitize()
}

func (p *PostGIS) Nearby(ctx context.Context, lat, lon, radiusM float64, k int) ([]Candidate, error) {
	if k <= 0 {
		k = 5
	}
	sql := fmt.Sprintf(
		`SELECT id, type, name, COALESCE(class, ''),
		        ST_Y(geom::geometry), ST_X(geom::geometry),
		        ST_Distance(geom, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography) AS dist
		   FROM %s
		  WHERE ST_DWithin(geom, ST_SetSRID(ST_MakePoint($2, $1), 4326)::geography, $3)
		  ORDER BY dist, id
		  LIMIT $4`, p.tableIdent())

	rows, err := p.db.Query(ctx, sql, lat, lon, radiusM, k)
	if err != nil {
		return nil, fmt.Errorf("postgis nearby: %w", err)
	}
	defer rows.Close()

	out := make([]Candidate, 0, k)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.Entry.ID, &c.Entry.Type, &c.Entry.Name, &c.Entry.Class,
			&c.Entry.Lat, &c.Entry.Lon, &c.DistanceM); err != nil {
			return nil, fmt.Errorf("postgis nearby scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgis nearby: %w", err)
	}
	return out, nil
}

// Search 以词元 ILIKE 召回，再在本地按相似度重排。
func (p *PostGIS) Search(ctx context.Context, text string, k int) ([]Candidate, error) {
	tokens := textutil.Tokens(text)
	if len(tokens) == 0 {
		return nil, nil
	}
	if k <= 0 {
		k = 5
	}
	patterns := make([]string, 0, len(tokens))
	for _, t := range tokens {
		patterns = append(patterns, "%"+t+"%")
	}
	sql := fmt.Sprintf(
		`SELECT id, type, name, COALESCE(class, ''), ST_Y(geom::geometry), ST_X(geom::geometry)
		   FROM %s
		  WHERE name ILIKE ANY($1)
		  LIMIT $2`, p.tableIdent())

	rows, err := p.db.Query(ctx, sql, patterns, k*4)
	if err != nil {
		return nil, fmt.Errorf("postgis search: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.Entry.ID, &c.Entry.Type, &c.Entry.Name, &c.Entry.Class,
			&c.Entry.Lat, &c.Entry.Lon); err != nil {
			return nil, fmt.Errorf("postgis search scan: %w", err)
		}
		c.Score = textutil.Similarity(c.Entry.Name, text)
		if c.Score < minSearchScore {
			continue
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgis search: %w", err)
	}
	sortByScore(out)
	return truncate(out, k), nil
}
