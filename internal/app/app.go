// Package app 组装 SIPI 的运行时依赖，供 api 与 ingestor 两个入口共用。
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sipi/internal/config"
	"sipi/internal/dedup"
	"sipi/internal/gazetteer"
	"sipi/internal/ingest"
	"sipi/internal/ledger"
	"sipi/internal/lifecycle"
	"sipi/internal/matcher"
	"sipi/internal/pkg/health"
	"sipi/internal/pkg/lock"
	"sipi/internal/pkg/metrics"
	"sipi/internal/pkg/notify"
	"sipi/internal/pkg/queue"
	"sipi/internal/pkg/ratelimit"
	"sipi/internal/pkg/redisqueue"
	"sipi/internal/pkg/retry"
	"sipi/internal/store"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// App 持有一个进程内的全部长生命周期组件。
type App struct {
	Config      *config.Config
	Logger      *slog.Logger
	DB          *gorm.DB
	Store       *store.GormStore
	Redis       *redis.Client
	Events      *redisqueue.Client
	Health      *health.Tracker
	Ledger      *ledger.Ledger
	Pipeline    *ingest.Pipeline
	Coordinator *ingest.Coordinator

	queue   *queue.Queue
	closers []func() error
}

// Build 连接数据库、Redis 与地名库，并装配入库流水线。
//
// 参数:
//
//	ctx: 用于建立连接的上下文
//	cfg: 已加载的配置
//	logger: 日志记录器
//
// 返回值:
//
//	*App: 组装完成的应用；调用方负责 Start 与 Close
//	error: 任一依赖初始化失败
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Health: health.NewTracker()}
	if err := a.build(ctx); err != nil {
		_ = a.Close(time.Second)
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	db, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	if cfg.Postgres.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	}
	a.closers = append(a.closers, sqlDB.Close)
	a.DB = db
	a.Store = store.NewGormStore(db)
	if cfg.App.AutoMigrate {
		if err := a.Store.Migrate(ctx); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	if cfg.Redis.Addr != "" {
		a.Redis = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password})
		a.closers = append(a.closers, a.Redis.Close)
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
	}

	var publisher ledger.Publisher
	if a.Redis != nil && cfg.Redis.EventsKey != "" {
		events, err := redisqueue.NewClient(a.Redis, cfg.Redis.EventsKey)
		if err != nil {
			return fmt.Errorf("init events queue: %w", err)
		}
		a.Events = events
		publisher = events
	}
	a.Ledger = ledger.New(a.Store, publisher, a.Logger)

	locker, err := a.buildLocker()
	if err != nil {
		return err
	}

	index, err := a.buildGazetteer(ctx)
	if err != nil {
		return err
	}
	policy := retry.Policy{
		MaxAttempts: cfg.Gazetteer.MaxRetries,
		BaseDelay:   cfg.Gazetteer.RetryBaseDelay,
		MaxDelay:    5 * time.Second,
		Logger:      a.Logger,
	}
	m := matcher.New(index, cfg.Matcher, policy, a.Health, a.Logger)
	engine := lifecycle.NewEngine(cfg.Scoring, a.Logger)
	notifier := notify.NewEmailNotifier(&cfg.Email, a.Logger)

	metrics.InitMetrics(cfg.App.WorkerPoolSize)
	a.queue = queue.NewQueue(a.Logger, cfg.App.WorkerPoolSize, cfg.App.QueueCapacity)

	a.Pipeline = ingest.NewPipeline(ingest.PipelineOptions{
		Store:              a.Store,
		Queue:              a.queue,
		Locker:             locker,
		Matcher:            m,
		Dedup:              dedup.New(a.Store, cfg.Dedup, a.Logger),
		Engine:             engine,
		Ledger:             a.Ledger,
		Notifier:           notifier,
		DedupThreshold:     cfg.Dedup.Threshold,
		MaxConflictRetries: cfg.Ingest.MaxConflictRetries,
		Logger:             a.Logger,
	})
	a.Coordinator = ingest.NewCoordinator(ingest.Options{
		Store:          a.Store,
		Locker:         locker,
		Ledger:         a.Ledger,
		Engine:         engine,
		Pipeline:       a.Pipeline,
		Notifier:       notifier,
		Config:         cfg.Ingest,
		DedupThreshold: cfg.Dedup.Threshold,
		Logger:         a.Logger,
	})
	return nil
}

func (a *App) buildLocker() (lock.Locker, error) {
	switch strings.ToLower(a.Config.Ingest.LockBackend) {
	case "", "local":
		return lock.NewLocal(), nil
	case "redis":
		if a.Redis == nil {
			return nil, errors.New("ingest.lock_backend=redis requires redis.addr")
		}
		return lock.NewRedis(a.Redis, a.Config.Ingest.LockTTL), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", a.Config.Ingest.LockBackend)
	}
}

// buildGazetteer 按配置选择后端，并统一套上限流与超时。
func (a *App) buildGazetteer(ctx context.Context) (gazetteer.Index, error) {
	gc := a.Config.Gazetteer
	backend := strings.ToLower(gc.Backend)

	var index gazetteer.Index
	switch backend {
	case "memory":
		if gc.SeedFile == "" {
			a.Logger.Warn("gazetteer seed file not set, matcher will find nothing")
			index = gazetteer.NewMemory()
			break
		}
		mem, err := gazetteer.LoadFile(gc.SeedFile)
		if err != nil {
			return nil, err
		}
		a.Logger.Info("gazetteer loaded", slog.String("file", gc.SeedFile), slog.Int("entries", mem.Len()))
		index = mem
	case "postgis":
		pg, err := a.openPostGIS(ctx)
		if err != nil {
			return nil, err
		}
		index = pg
	case "opensearch":
		search, err := a.openSearch()
		if err != nil {
			return nil, err
		}
		index = search
	case "hybrid":
		pg, err := a.openPostGIS(ctx)
		if err != nil {
			return nil, err
		}
		search, err := a.openSearch()
		if err != nil {
			return nil, err
		}
		index = &gazetteer.Hybrid{Spatial: pg, Text: search}
	default:
		return nil, fmt.Errorf("unknown gazetteer backend %q", gc.Backend)
	}

	var limiter ratelimit.Limiter
	if gc.RateLimit > 0 && a.Redis != nil {
		limiter = ratelimit.NewRedisRateLimiter(a.Redis, a.Logger, "gazetteer:"+backend, gc.RateLimit, gc.RateBurst)
	}
	return gazetteer.NewLimited(index, backend, limiter, gc.Timeout, a.Logger), nil
}

func (a *App) openPostGIS(ctx context.Context) (*gazetteer.PostGIS, error) {
	gc := a.Config.Gazetteer
	dsn := gc.PostGISDSN
	if dsn == "" {
		dsn = a.Config.Postgres.DSN
	}
	pool, err := gazetteer.OpenPool(ctx, dsn, int32(gc.PostGISMaxConn))
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})
	return gazetteer.NewPostGIS(pool, gc.PostGISTable), nil
}

func (a *App) openSearch() (*gazetteer.OpenSearch, error) {
	gc := a.Config.Gazetteer
	if gc.OpenSearchURL == "" {
		return nil, errors.New("gazetteer.opensearch_url is required")
	}
	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: strings.Split(gc.OpenSearchURL, ","),
		Username:  gc.OpenSearchUser,
		Password:  gc.OpenSearchPass,
	})
	if err != nil {
		return nil, fmt.Errorf("init opensearch client: %w", err)
	}
	return gazetteer.NewOpenSearch(client, gc.OpenSearchIdx), nil
}

// Start 启动后处理 worker 池。
func (a *App) Start(ctx context.Context) {
	a.queue.Start(ctx)
}

// PingPostgres 探测数据库连接。
func (a *App) PingPostgres(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// PingRedis 探测 Redis 连接；未配置 Redis 时总是成功。
func (a *App) PingRedis(ctx context.Context) error {
	if a.Redis == nil {
		return nil
	}
	return a.Redis.Ping(ctx).Err()
}

// Close 等待后处理队列排空并释放连接。
func (a *App) Close(timeout time.Duration) error {
	var errs []error
	if a.queue != nil {
		if err := a.queue.Shutdown(timeout); err != nil && !errors.Is(err, queue.ErrClosed) {
			errs = append(errs, fmt.Errorf("pipeline shutdown: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
