package gazetteer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"sipi/internal/model"
	"sipi/internal/pkg/metrics"
	"sipi/internal/pkg/ratelimit"
)

// Limited 为后端加上限流、单次超时与耗时指标。
type Limited struct {
	next    Index
	backend string
	limiter ratelimit.Limiter
	timeout time.Duration
	logger  *slog.Logger
}

// NewLimited 包装 next。limiter 为 nil 时不限流，timeout <= 0 时不设单次超时。
func NewLimited(next Index, backend string, limiter ratelimit.Limiter, timeout time.Duration, logger *slog.Logger) *Limited {
	if logger == nil {
		logger = slog.Default()
	}
	return &Limited{next: next, backend: backend, limiter: limiter, timeout: timeout, logger: logger}
}

func (l *Limited) Nearby(ctx context.Context, lat, lon, radiusM float64, k int) ([]Candidate, error) {
	var out []Candidate
	err := l.call(ctx, "nearby", func(ctx context.Context) error {
		var err error
		out, err = l.next.Nearby(ctx, lat, lon, radiusM, k)
		return err
	})
	return out, err
}

func (l *Limited) Search(ctx context.Context, text string, k int) ([]Candidate, error) {
	var out []Candidate
	err := l.call(ctx, "search", func(ctx context.Context) error {
		var err error
		out, err = l.next.Search(ctx, text, k)
		return err
	})
	return out, err
}

func (l *Limited) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if l.limiter != nil {
		if err := l.limiter.Acquire(ctx); err != nil {
			if errors.Is(err, ratelimit.ErrRateLimitTimeout) {
				return &model.DependencyError{Dependency: "gazetteer", Err: err}
			}
			// Redis 故障时放行，只记录日志
			l.logger.Warn("gazetteer rate limiter unavailable",
				slog.String("backend", l.backend),
				slog.String("error", err.Error()))
		}
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	start := time.Now()
	err := fn(ctx)
	metrics.GazetteerLatency.WithLabelValues(l.backend, op).Observe(time.Since(start).Seconds())
	return err
}
