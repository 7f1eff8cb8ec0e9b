package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"
)

// Config 保存应用程序配置。
type Config struct {
	App       AppConfig       `json:"app" yaml:"app"`
	Postgres  PostgresConfig  `json:"postgres" yaml:"postgres"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Gazetteer GazetteerConfig `json:"gazetteer" yaml:"gazetteer"`
	Matcher   MatcherConfig   `json:"matcher" yaml:"matcher"`
	Dedup     DedupConfig     `json:"dedup" yaml:"dedup"`
	Scoring   ScoringConfig   `json:"scoring" yaml:"scoring"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Intake    IntakeConfig    `json:"intake" yaml:"intake"`
	Email     EmailConfig     `json:"email" yaml:"email"`
	Security  SecurityConfig  `json:"security" yaml:"security"`
}

// AppConfig 应用程序基础配置。
type AppConfig struct {
	Env             string        `json:"env" yaml:"env"`                           // 运行环境: local / prod
	LogLevel        string        `json:"log_level" yaml:"log_level"`               // 日志级别: debug / info / warn / error
	HTTPAddr        string        `json:"http_addr" yaml:"http_addr"`               // API 服务监听地址
	OpsAddr         string        `json:"ops_addr" yaml:"ops_addr"`                 // ingestor 健康检查与指标地址
	WorkerPoolSize  int           `json:"worker_pool_size" yaml:"worker_pool_size"` // 后处理 worker 数
	QueueCapacity   int           `json:"queue_capacity" yaml:"queue_capacity"`     // 后处理队列容量
	JanitorInterval time.Duration `json:"janitor_interval" yaml:"janitor_interval"` // 补偿扫描间隔（如 "5m"）
	JanitorBatch    int           `json:"janitor_batch" yaml:"janitor_batch"`       // 每轮补偿的最大房源数
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"` // 优雅关闭超时
	AutoMigrate     bool          `json:"auto_migrate" yaml:"auto_migrate"`         // 启动时执行 AutoMigrate
}

// PostgresConfig 房源库连接配置。
type PostgresConfig struct {
	DSN          string `json:"dsn" yaml:"dsn"`
	MaxOpenConns int    `json:"max_open_conns" yaml:"max_open_conns"`
}

// RedisConfig Redis 配置。
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`         // Redis 地址 (host:port)
	Password string `json:"password" yaml:"password"` // Redis 密码
	// EventsKey 变更事件列表（空表示不推送）。
	EventsKey string `json:"events_key" yaml:"events_key"`
}

// GazetteerConfig 地名库后端配置。
type GazetteerConfig struct {
	Backend        string        `json:"backend" yaml:"backend"` // memory / postgis / opensearch / hybrid
	PostGISDSN     string        `json:"postgis_dsn" yaml:"postgis_dsn"`
	PostGISTable   string        `json:"postgis_table" yaml:"postgis_table"`
	PostGISMaxConn int           `json:"postgis_max_conns" yaml:"postgis_max_conns"`
	OpenSearchURL  string        `json:"opensearch_url" yaml:"opensearch_url"`
	OpenSearchUser string        `json:"opensearch_user" yaml:"opensearch_user"`
	OpenSearchPass string        `json:"opensearch_pass" yaml:"opensearch_pass"`
	OpenSearchIdx  string        `json:"opensearch_index" yaml:"opensearch_index"`
	SeedFile       string        `json:"seed_file" yaml:"seed_file"` // memory 后端的 JSON 数据
	Timeout        time.Duration `json:"timeout" yaml:"timeout"`     // 单次查询超时
	MaxRetries     int           `json:"max_retries" yaml:"max_retries"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay"`
	RateLimit      float64       `json:"rate_limit" yaml:"rate_limit"` // token/s（0 表示不限流）
	RateBurst      float64       `json:"rate_burst" yaml:"rate_burst"`
}

// MatcherConfig 地名库匹配参数。
type MatcherConfig struct {
	K                int     `json:"k" yaml:"k"`
	MaxRadiusM       float64 `json:"max_radius_m" yaml:"max_radius_m"`
	ConfirmThreshold int     `json:"confirm_threshold" yaml:"confirm_threshold"`
	LowerThreshold   int     `json:"lower_threshold" yaml:"lower_threshold"`
	HysteresisMargin int     `json:"hysteresis_margin" yaml:"hysteresis_margin"`
	ProximityWeight  float64 `json:"proximity_weight" yaml:"proximity_weight"`
	NameWeight       float64 `json:"name_weight" yaml:"name_weight"`
	SaturationM      float64 `json:"saturation_m" yaml:"saturation_m"` // 该距离内邻近分为满分
	HalfScoreM       float64 `json:"half_score_m" yaml:"half_score_m"` // 超出饱和距离后分数减半的距离
}

// DedupConfig 跨门户去重参数。
type DedupConfig struct {
	RadiusM        float64 `json:"radius_m" yaml:"radius_m"`
	Threshold      int     `json:"threshold" yaml:"threshold"`
	PriceTolerance float64 `json:"price_tolerance" yaml:"price_tolerance"`
	MaxCandidates  int     `json:"max_candidates" yaml:"max_candidates"`
}

// ScoringConfig 检测评分参数。
type ScoringConfig struct {
	DetectThreshold        int      `json:"detect_threshold" yaml:"detect_threshold"`
	ConfirmMatchConfidence int      `json:"confirm_match_confidence" yaml:"confirm_match_confidence"`
	KeywordsExplicit       []string `json:"keywords_explicit" yaml:"keywords_explicit"`
	KeywordsHigh           []string `json:"keywords_high" yaml:"keywords_high"`
	KeywordsMedium         []string `json:"keywords_medium" yaml:"keywords_medium"`
	KeywordsLow            []string `json:"keywords_low" yaml:"keywords_low"`
	KeywordsNegative       []string `json:"keywords_negative" yaml:"keywords_negative"`
	BuildingTypes          []string `json:"building_types" yaml:"building_types"`
	HighCeilingTerms       []string `json:"high_ceiling_terms" yaml:"high_ceiling_terms"`
	MultiFloorTerms        []string `json:"multi_floor_terms" yaml:"multi_floor_terms"`
	LargeSurfaceM2         float64  `json:"large_surface_m2" yaml:"large_surface_m2"`
	Weights                Weights  `json:"weights" yaml:"weights"`
}

// Weights 各类证据的加分。
type Weights struct {
	KeywordHighTitle       int `json:"keyword_high_title" yaml:"keyword_high_title"`
	KeywordHighDescription int `json:"keyword_high_description" yaml:"keyword_high_description"`
	KeywordMedium          int `json:"keyword_medium" yaml:"keyword_medium"`
	KeywordLow             int `json:"keyword_low" yaml:"keyword_low"`
	KeywordNegative        int `json:"keyword_negative" yaml:"keyword_negative"`
	LargeSurface           int `json:"large_surface" yaml:"large_surface"`
	BuildingType           int `json:"building_type" yaml:"building_type"`
	HighCeilings           int `json:"high_ceilings" yaml:"high_ceilings"`
	MultipleFloors         int `json:"multiple_floors" yaml:"multiple_floors"`
	MatchExact             int `json:"match_exact" yaml:"match_exact"`
	MatchNearby            int `json:"match_nearby" yaml:"match_nearby"`
	DuplicateCorroboration int `json:"duplicate_corroboration" yaml:"duplicate_corroboration"`
	DuplicateCap           int `json:"duplicate_cap" yaml:"duplicate_cap"`
}

// IngestConfig 入库协调器参数。
type IngestConfig struct {
	MaxConflictRetries      int           `json:"max_conflict_retries" yaml:"max_conflict_retries"`
	DelistAfterMissedPasses int           `json:"delist_after_missed_passes" yaml:"delist_after_missed_passes"`
	LockBackend             string        `json:"lock_backend" yaml:"lock_backend"` // local / redis
	LockTTL                 time.Duration `json:"lock_ttl" yaml:"lock_ttl"`
	MaxBatchSize            int           `json:"max_batch_size" yaml:"max_batch_size"`
}

// IntakeConfig ingestor 消息来源配置。
type IntakeConfig struct {
	Source      string        `json:"source" yaml:"source"` // stream / sqs
	Stream      string        `json:"stream" yaml:"stream"`
	Group       string        `json:"group" yaml:"group"`
	ConsumerID  string        `json:"consumer_id" yaml:"consumer_id"`
	BatchSize   int64         `json:"batch_size" yaml:"batch_size"`
	BlockTime   time.Duration `json:"block_time" yaml:"block_time"`
	PendingIdle time.Duration `json:"pending_idle" yaml:"pending_idle"`
	MaxRetry    int           `json:"max_retry" yaml:"max_retry"`
	SQSQueueURL string        `json:"sqs_queue_url" yaml:"sqs_queue_url"`
	SQSRegion   string        `json:"sqs_region" yaml:"sqs_region"`
	SQSWaitSec  int32         `json:"sqs_wait_seconds" yaml:"sqs_wait_seconds"`
	// SQSEndpoint 自定义端点（本地 localstack）；为空时使用 AWS 默认解析
	SQSEndpoint string `json:"sqs_endpoint" yaml:"sqs_endpoint"`
	// 静态凭证；为空时走 AWS 默认凭证链
	AWSAccessKeyID string `json:"aws_access_key_id" yaml:"aws_access_key_id"`
	AWSSecretKey   string `json:"aws_secret_access_key" yaml:"aws_secret_access_key"`
}

// EmailConfig 邮件通知配置。
type EmailConfig struct {
	SMTPHost  string   `json:"smtp_host" yaml:"smtp_host"`
	SMTPPort  int      `json:"smtp_port" yaml:"smtp_port"`
	SMTPUser  string   `json:"smtp_user" yaml:"smtp_user"`
	SMTPPass  string   `json:"smtp_pass" yaml:"smtp_pass"`
	FromEmail string   `json:"from_email" yaml:"from_email"`
	To        []string `json:"to" yaml:"to"` // 检测状态变化的收件人
}

// SecurityConfig 安全相关配置。
type SecurityConfig struct {
	JWTSecret     string        `json:"jwt_secret" yaml:"jwt_secret"`         // JWT 签名密钥
	TokenTTL      time.Duration `json:"token_ttl" yaml:"token_ttl"`           // JWT 有效期
	AdminEmail    string        `json:"admin_email" yaml:"admin_email"`       // 启动时创建的审核员
	AdminPassword string        `json:"admin_password" yaml:"admin_password"` // 为空则不创建
}

// Load 加载配置文件（.json / .yaml / .yml）。
//
// 文件不存在时使用默认配置；环境变量始终最后覆盖。
//
// 参数:
//
//	configPath: 配置文件路径（如果为空则使用默认路径 "configs/config.json")
//
// 返回值:
//
//	*Config: 加载完成的配置对象
//	error: 加载失败返回错误
func Load(configPath ...string) (*Config, error) {
	path := "configs/config.json"
	if len(configPath) > 0 && configPath[0] != "" {
		path = configPath[0]
	} else if v := os.Getenv("SIPI_CONFIG"); v != "" {
		path = v
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := getDefaultConfig()
		applyEnvOverrides(cfg)
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// Parse 解析配置内容并补齐默认值（不读取环境变量）。
func Parse(data []byte, ext string) (*Config, error) {
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml config: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default 返回带环境变量覆盖的默认配置。
func Default() *Config {
	cfg := getDefaultConfig()
	applyEnvOverrides(cfg)
	return cfg
}

// Validate 检查阈值之间的关系。
func (c *Config) Validate() error {
	if c.Matcher.LowerThreshold > c.Matcher.ConfirmThreshold {
		return fmt.Errorf("matcher.lower_threshold (%d) exceeds confirm_threshold (%d)", c.Matcher.LowerThreshold, c.Matcher.ConfirmThreshold)
	}
	if c.Matcher.ConfirmThreshold > 100 || c.Dedup.Threshold > 100 || c.Scoring.DetectThreshold > 100 {
		return fmt.Errorf("thresholds must be within [0,100]")
	}
	if c.Dedup.PriceTolerance < 0 || c.Dedup.PriceTolerance >= 1 {
		return fmt.Errorf("dedup.price_tolerance must be within [0,1)")
	}
	return nil
}

// getDefaultConfig 返回默认配置。
func getDefaultConfig() *Config {
	return &Config{
		App: AppConfig{
			Env:             "local",
			LogLevel:        "info",
			HTTPAddr:        ":8081",
			OpsAddr:         ":2112",
			WorkerPoolSize:  8,
			QueueCapacity:   1000,
			JanitorInterval: 5 * time.Minute,
			JanitorBatch:    200,
			ShutdownTimeout: 30 * time.Second,
			AutoMigrate:     true,
		},
		Postgres: PostgresConfig{
			DSN:          "host=localhost user=sipi password=sipi dbname=sipi port=5432 sslmode=disable",
			MaxOpenConns: 20,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			EventsKey: "sipi:events:changes",
		},
		Gazetteer: GazetteerConfig{
			Backend:        "memory",
			PostGISTable:   "gazetteer_entries",
			PostGISMaxConn: 4,
			OpenSearchIdx:  "gazetteer",
			Timeout:        3 * time.Second,
			MaxRetries:     3,
			RetryBaseDelay: 200 * time.Millisecond,
			RateLimit:      0,
			RateBurst:      0,
		},
		Matcher: MatcherConfig{
			K:                5,
			MaxRadiusM:       200,
			ConfirmThreshold: 70,
			LowerThreshold:   40,
			HysteresisMargin: 5,
			ProximityWeight:  0.6,
			NameWeight:       0.4,
			SaturationM:      25,
			HalfScoreM:       50,
		},
		Dedup: DedupConfig{
			RadiusM:        50,
			Threshold:      70,
			PriceTolerance: 0.15,
			MaxCandidates:  50,
		},
		Scoring: defaultScoring(),
		Ingest: IngestConfig{
			MaxConflictRetries:      3,
			DelistAfterMissedPasses: 3,
			LockBackend:             "local",
			LockTTL:                 30 * time.Second,
			MaxBatchSize:            500,
		},
		Intake: IntakeConfig{
			Source:      "stream",
			Stream:      "sipi:listings:intake",
			Group:       "ingestor_group",
			BatchSize:   20,
			BlockTime:   2 * time.Second,
			PendingIdle: time.Minute,
			MaxRetry:    3,
			SQSRegion:   "eu-west-1",
			SQSWaitSec:  20,
		},
		Email: EmailConfig{
			SMTPHost: "smtp.gmail.com",
			SMTPPort: 587,
		},
		Security: SecurityConfig{
			JWTSecret:  "dev_secret_change_me",
			TokenTTL:   24 * time.Hour,
			AdminEmail: "admin@sipi.local",
		},
	}
}

func defaultScoring() ScoringConfig {
	return ScoringConfig{
		DetectThreshold:        50,
		ConfirmMatchConfidence: 90,
		KeywordsExplicit: []string{
			"antigua iglesia", "iglesia desacralizada", "antiguo convento", "antigua capilla",
			"antigua ermita", "antiguo monasterio", "capilla desacralizada",
		},
		KeywordsHigh: []string{
			"iglesia", "convento", "monasterio", "capilla", "ermita", "basilica", "catedral",
			"templo", "parroquia", "santuario", "claustro", "abadia", "colegiata", "priorato", "cartuja",
		},
		KeywordsMedium: []string{
			"religioso", "eclesiastico", "sacro", "culto", "episcopal", "diocesano",
			"parroquial", "conventual", "monastico", "clerical",
		},
		KeywordsLow: []string{
			"altar", "campanario", "torre", "sacristia", "presbiterio", "nave", "crucero",
			"retablo", "baptisterio", "coro", "cripta", "abside",
		},
		KeywordsNegative: []string{"obra nueva", "apartamento", "estudio", "garaje", "trastero"},
		BuildingTypes:    []string{"edificio", "edificios", "finca", "local", "nave", "solar"},
		HighCeilingTerms: []string{"techos altos", "doble altura"},
		MultiFloorTerms:  []string{"varias plantas", "multiples niveles"},
		LargeSurfaceM2:   300,
		Weights: Weights{
			KeywordHighTitle:       30,
			KeywordHighDescription: 20,
			KeywordMedium:          10,
			KeywordLow:             5,
			KeywordNegative:        10,
			LargeSurface:           10,
			BuildingType:           10,
			HighCeilings:           3,
			MultipleFloors:         3,
			MatchExact:             30,
			MatchNearby:            15,
			DuplicateCorroboration: 5,
			DuplicateCap:           10,
		},
	}
}

// applyDefaults 对未设置的字段应用默认值。
func applyDefaults(cfg *Config) {
	d := getDefaultConfig()

	setString(&cfg.App.Env, d.App.Env)
	setString(&cfg.App.LogLevel, d.App.LogLevel)
	setString(&cfg.App.HTTPAddr, d.App.HTTPAddr)
	setString(&cfg.App.OpsAddr, d.App.OpsAddr)
	setInt(&cfg.App.WorkerPoolSize, d.App.WorkerPoolSize)
	setInt(&cfg.App.QueueCapacity, d.App.QueueCapacity)
	setDuration(&cfg.App.JanitorInterval, d.App.JanitorInterval)
	setInt(&cfg.App.JanitorBatch, d.App.JanitorBatch)
	setDuration(&cfg.App.ShutdownTimeout, d.App.ShutdownTimeout)

	setString(&cfg.Postgres.DSN, d.Postgres.DSN)
	setInt(&cfg.Postgres.MaxOpenConns, d.Postgres.MaxOpenConns)
	setString(&cfg.Redis.Addr, d.Redis.Addr)

	setString(&cfg.Gazetteer.Backend, d.Gazetteer.Backend)
	setString(&cfg.Gazetteer.PostGISTable, d.Gazetteer.PostGISTable)
	setInt(&cfg.Gazetteer.PostGISMaxConn, d.Gazetteer.PostGISMaxConn)
	setString(&cfg.Gazetteer.OpenSearchIdx, d.Gazetteer.OpenSearchIdx)
	setDuration(&cfg.Gazetteer.Timeout, d.Gazetteer.Timeout)
	setInt(&cfg.Gazetteer.MaxRetries, d.Gazetteer.MaxRetries)
	setDuration(&cfg.Gazetteer.RetryBaseDelay, d.Gazetteer.RetryBaseDelay)

	setInt(&cfg.Matcher.K, d.Matcher.K)
	setFloat(&cfg.Matcher.MaxRadiusM, d.Matcher.MaxRadiusM)
	setInt(&cfg.Matcher.ConfirmThreshold, d.Matcher.ConfirmThreshold)
	setInt(&cfg.Matcher.LowerThreshold, d.Matcher.LowerThreshold)
	setInt(&cfg.Matcher.HysteresisMargin, d.Matcher.HysteresisMargin)
	if cfg.Matcher.ProximityWeight == 0 && cfg.Matcher.NameWeight == 0 {
		cfg.Matcher.ProximityWeight = d.Matcher.ProximityWeight
		cfg.Matcher.NameWeight = d.Matcher.NameWeight
	}
	setFloat(&cfg.Matcher.SaturationM, d.Matcher.SaturationM)
	setFloat(&cfg.Matcher.HalfScoreM, d.Matcher.HalfScoreM)

	setFloat(&cfg.Dedup.RadiusM, d.Dedup.RadiusM)
	setInt(&cfg.Dedup.Threshold, d.Dedup.Threshold)
	setFloat(&cfg.Dedup.PriceTolerance, d.Dedup.PriceTolerance)
	setInt(&cfg.Dedup.MaxCandidates, d.Dedup.MaxCandidates)

	s := &cfg.Scoring
	setInt(&s.DetectThreshold, d.Scoring.DetectThreshold)
	setInt(&s.ConfirmMatchConfidence, d.Scoring.ConfirmMatchConfidence)
	setList(&s.KeywordsExplicit, d.Scoring.KeywordsExplicit)
	setList(&s.KeywordsHigh, d.Scoring.KeywordsHigh)
	setList(&s.KeywordsMedium, d.Scoring.KeywordsMedium)
	setList(&s.KeywordsLow, d.Scoring.KeywordsLow)
	setList(&s.KeywordsNegative, d.Scoring.KeywordsNegative)
	setList(&s.BuildingTypes, d.Scoring.BuildingTypes)
	setList(&s.HighCeilingTerms, d.Scoring.HighCeilingTerms)
	setList(&s.MultiFloorTerms, d.Scoring.MultiFloorTerms)
	setFloat(&s.LargeSurfaceM2, d.Scoring.LargeSurfaceM2)
	if s.Weights == (Weights{}) {
		s.Weights = d.Scoring.Weights
	}

	setInt(&cfg.Ingest.MaxConflictRetries, d.Ingest.MaxConflictRetries)
	setInt(&cfg.Ingest.DelistAfterMissedPasses, d.Ingest.DelistAfterMissedPasses)
	setString(&cfg.Ingest.LockBackend, d.Ingest.LockBackend)
	setDuration(&cfg.Ingest.LockTTL, d.Ingest.LockTTL)
	setInt(&cfg.Ingest.MaxBatchSize, d.Ingest.MaxBatchSize)

	setString(&cfg.Intake.Source, d.Intake.Source)
	setString(&cfg.Intake.Stream, d.Intake.Stream)
	setString(&cfg.Intake.Group, d.Intake.Group)
	if cfg.Intake.BatchSize == 0 {
		cfg.Intake.BatchSize = d.Intake.BatchSize
	}
	setDuration(&cfg.Intake.BlockTime, d.Intake.BlockTime)
	setDuration(&cfg.Intake.PendingIdle, d.Intake.PendingIdle)
	setInt(&cfg.Intake.MaxRetry, d.Intake.MaxRetry)
	setString(&cfg.Intake.SQSRegion, d.Intake.SQSRegion)
	if cfg.Intake.SQSWaitSec == 0 {
		cfg.Intake.SQSWaitSec = d.Intake.SQSWaitSec
	}

	setInt(&cfg.Email.SMTPPort, d.Email.SMTPPort)
	setString(&cfg.Security.JWTSecret, d.Security.JWTSecret)
	setDuration(&cfg.Security.TokenTTL, d.Security.TokenTTL)
	setString(&cfg.Security.AdminEmail, d.Security.AdminEmail)
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setFloat(dst *float64, def float64) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}

func setList(dst *[]string, def []string) {
	if len(*dst) == 0 {
		*dst = append([]string(nil), def...)
	}
}

func applyEnvOverrides(cfg *Config) {
	viper.AutomaticEnv()

	_ = viper.BindEnv("db_dsn", "DB_DSN")
	_ = viper.BindEnv("redis_addr", "REDIS_ADDR")
	_ = viper.BindEnv("redis_password", "REDIS_PASSWORD")
	_ = viper.BindEnv("postgis_dsn", "POSTGIS_DSN")
	_ = viper.BindEnv("opensearch_pass", "OPENSEARCH_PASSWORD")
	_ = viper.BindEnv("smtp_pass", "SMTP_PASS")
	_ = viper.BindEnv("jwt_secret", "JWT_SECRET")
	_ = viper.BindEnv("admin_password", "ADMIN_PASSWORD")
	_ = viper.BindEnv("aws_access_key_id", "AWS_ACCESS_KEY_ID")
	_ = viper.BindEnv("aws_secret_access_key", "AWS_SECRET_ACCESS_KEY")

	if v := os.Getenv("APP_ENV"); v != "" {
		cfg.App.Env = v
	}
	if v := os.Getenv("APP_LOG_LEVEL"); v != "" {
		cfg.App.LogLevel = v
	}
	if v := os.Getenv("APP_HTTP_ADDR"); v != "" {
		cfg.App.HTTPAddr = v
	}
	if v := os.Getenv("APP_OPS_ADDR"); v != "" {
		cfg.App.OpsAddr = v
	}
	if v := os.Getenv("APP_WORKER_POOL_SIZE"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.WorkerPoolSize = i
		}
	}
	if v := os.Getenv("APP_QUEUE_CAPACITY"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.App.QueueCapacity = i
		}
	}
	if v := os.Getenv("APP_JANITOR_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.App.JanitorInterval = d
		}
	}
	if v := os.Getenv("APP_AUTO_MIGRATE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.App.AutoMigrate = b
		}
	}

	if v := viper.GetString("db_dsn"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := viper.GetString("redis_addr"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := viper.GetString("redis_password"); v != "" {
		cfg.Redis.Password = v
	}

	if v := os.Getenv("GAZETTEER_BACKEND"); v != "" {
		cfg.Gazetteer.Backend = v
	}
	if v := viper.GetString("postgis_dsn"); v != "" {
		cfg.Gazetteer.PostGISDSN = v
	}
	if v := os.Getenv("OPENSEARCH_URL"); v != "" {
		cfg.Gazetteer.OpenSearchURL = v
	}
	if v := os.Getenv("OPENSEARCH_USER"); v != "" {
		cfg.Gazetteer.OpenSearchUser = v
	}
	if v := viper.GetString("opensearch_pass"); v != "" {
		cfg.Gazetteer.OpenSearchPass = v
	}
	if v := os.Getenv("GAZETTEER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Gazetteer.Timeout = d
		}
	}

	if v := os.Getenv("INGEST_DELIST_AFTER_MISSED_PASSES"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Ingest.DelistAfterMissedPasses = i
		}
	}
	if v := os.Getenv("INGEST_LOCK_BACKEND"); v != "" {
		cfg.Ingest.LockBackend = v
	}

	if v := os.Getenv("INTAKE_SOURCE"); v != "" {
		cfg.Intake.Source = v
	}
	if v := os.Getenv("INTAKE_STREAM"); v != "" {
		cfg.Intake.Stream = v
	}
	if v := os.Getenv("INTAKE_GROUP"); v != "" {
		cfg.Intake.Group = v
	}
	if v := os.Getenv("SQS_QUEUE_URL"); v != "" {
		cfg.Intake.SQSQueueURL = v
	}
	if v := os.Getenv("AWS_REGION"); v != "" {
		cfg.Intake.SQSRegion = v
	}
	if v := os.Getenv("SQS_ENDPOINT"); v != "" {
		cfg.Intake.SQSEndpoint = v
	}
	if v := viper.GetString("aws_access_key_id"); v != "" {
		cfg.Intake.AWSAccessKeyID = v
	}
	if v := viper.GetString("aws_secret_access_key"); v != "" {
		cfg.Intake.AWSSecretKey = v
	}

	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.Email.SMTPHost = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Email.SMTPPort = i
		}
	}
	if v := os.Getenv("SMTP_USER"); v != "" {
		cfg.Email.SMTPUser = v
	}
	if v := viper.GetString("smtp_pass"); v != "" {
		cfg.Email.SMTPPass = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.Email.FromEmail = v
	}
	if v := os.Getenv("NOTIFY_TO"); v != "" {
		cfg.Email.To = splitList(v)
	}

	if v := viper.GetString("jwt_secret"); v != "" {
		cfg.Security.JWTSecret = v
	}
	if v := os.Getenv("ADMIN_EMAIL"); v != "" {
		cfg.Security.AdminEmail = v
	}
	if v := viper.GetString("admin_password"); v != "" {
		cfg.Security.AdminPassword = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
