package gazetteer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"sipi/internal/geo"
	"sipi/internal/pkg/textutil"
)

// minSearchScore 低于该相似度的条目不作为文本候选。
const minSearchScore = 30

// Memory 内存地名库，用于测试与小规模部署。
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

func NewMemory(entries ...Entry) *Memory {
	m := &Memory{}
	m.Add(entries...)
	return m
}

// LoadFile 从 JSON 数组文件加载条目。
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read gazetteer seed: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse gazetteer seed: %w", err)
	}
	return NewMemory(entries...), nil
}

// Add 追加条目。
func (m *Memory) Add(entries ...Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
}

// Len 返回条目数。
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Nearby(ctx context.Context, lat, lon, radiusM float64, k int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Candidate
	for _, e := range m.entries {
		d := geo.Distance(lat, lon, e.Lat, e.Lon)
		if d > radiusM {
			continue
		}
		out = append(out, Candidate{Entry: e, DistanceM: d})
	}
	sortByDistance(out)
	return truncate(out, k), nil
}

func (m *Memory) Search(ctx context.Context, text string, k int) ([]Candidate, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Candidate
	for _, e := range m.entries {
		s := textutil.Similarity(e.Name, text)
		if s < minSearchScore {
			continue
		}
		out = append(out, Candidate{Entry: e, Score: s})
	}
	sortByScore(out)
	return truncate(out, k), nil
}
