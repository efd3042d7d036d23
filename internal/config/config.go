// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// 全局配置变量，main 通过 Init 填充。
var Conf Config

// Config 是整个应用程序的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	JWT           JWTConfig           `mapstructure:"jwt"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Tika          TikaConfig          `mapstructure:"tika"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
	Embedding     EmbeddingConfig     `mapstructure:"embedding"`
	Upload        UploadConfig        `mapstructure:"upload"`
	Jobs          JobsConfig          `mapstructure:"jobs"`
	Poller        PollerConfig        `mapstructure:"poller"`
	Retrieval     RetrievalConfig     `mapstructure:"retrieval"`
	Tracing       TracingConfig       `mapstructure:"tracing"`
}

// ServerConfig 存储服务器相关的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// DatabaseConfig 存储所有数据库连接的配置。
type DatabaseConfig struct {
	MySQL MySQLConfig `mapstructure:"mysql"`
	Redis RedisConfig `mapstructure:"redis"`
}

// MySQLConfig 存储 MySQL 数据库的配置。
type MySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// RedisConfig 存储 Redis 的配置。
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JWTConfig 存储 JWT 相关的配置。
type JWTConfig struct {
	Secret                 string `mapstructure:"secret"`
	Issuer                 string `mapstructure:"issuer"`
	AccessTokenExpireHours int    `mapstructure:"access_token_expire_hours"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储文件生命周期事件所用的 Kafka 配置。Enabled 为 false 时不发送事件。
type KafkaConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// TikaConfig 存储 Tika 服务器相关的配置。
type TikaConfig struct {
	ServerURL string        `mapstructure:"server_url"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// ElasticsearchConfig 存储 Elasticsearch 相关的配置。
type ElasticsearchConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储 MinIO 对象存储的配置。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
}

// EmbeddingConfig 存储 Embedding 模型相关的配置。
type EmbeddingConfig struct {
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	Model      string `mapstructure:"model"`
	Dimensions int    `mapstructure:"dimensions"`
	BatchSize  int    `mapstructure:"batch_size"`
}

// UploadConfig 控制对象路径与预签名链接。SeedDir 非空时启动后把目录内文件导入给 SeedUserID。
type UploadConfig struct {
	PathPrefix    string        `mapstructure:"path_prefix"`
	PresignExpiry time.Duration `mapstructure:"presign_expiry"`
	LockTTL       time.Duration `mapstructure:"lock_ttl"`
	SeedDir       string        `mapstructure:"seed_dir"`
	SeedUserID    uint          `mapstructure:"seed_user_id"`
}

// JobsConfig 控制切块与向量化任务。
type JobsConfig struct {
	PoolSize     int `mapstructure:"pool_size"`
	ChunkSize    int `mapstructure:"chunk_size"`
	ChunkOverlap int `mapstructure:"chunk_overlap"`
}

// PollerConfig 控制任务状态轮询。
type PollerConfig struct {
	Interval             time.Duration `mapstructure:"interval"`
	MaxTransientFailures int           `mapstructure:"max_transient_failures"`
	MaxWait              time.Duration `mapstructure:"max_wait"`
}

// RetrievalConfig 控制向量检索。Backend 取值 "sql" 或 "es"。
type RetrievalConfig struct {
	Backend   string `mapstructure:"backend"`
	TopK      int    `mapstructure:"top_k"`
	ChatTopK  int    `mapstructure:"chat_top_k"`
	ScanBatch int    `mapstructure:"scan_batch"`
}

// TracingConfig 存储 OpenTelemetry 导出配置。
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	Endpoint    string `mapstructure:"endpoint"`
}

// SetDefaults 为 viper 设置默认值。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8081")
	v.SetDefault("server.mode", "release")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("jwt.issuer", "knowledge-ingest")
	v.SetDefault("jwt.access_token_expire_hours", 24)
	v.SetDefault("tika.timeout", 2*time.Minute)
	v.SetDefault("kafka.topic", "file-events")
	v.SetDefault("elasticsearch.index_name", "knowledge_chunks")
	v.SetDefault("embedding.batch_size", 16)
	v.SetDefault("upload.path_prefix", "files")
	v.SetDefault("upload.presign_expiry", time.Hour)
	v.SetDefault("upload.lock_ttl", 5*time.Minute)
	v.SetDefault("jobs.pool_size", 4)
	v.SetDefault("jobs.chunk_size", 1000)
	v.SetDefault("jobs.chunk_overlap", 100)
	v.SetDefault("poller.interval", 2*time.Second)
	v.SetDefault("poller.max_transient_failures", 15)
	v.SetDefault("poller.max_wait", 30*time.Minute)
	v.SetDefault("retrieval.backend", "sql")
	v.SetDefault("retrieval.top_k", 30)
	v.SetDefault("retrieval.chat_top_k", 5)
	v.SetDefault("retrieval.scan_batch", 500)
	v.SetDefault("tracing.service_name", "knowledge-ingest-go")
}

// Load 读取指定路径的 YAML 文件并返回解析后的配置。
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法将配置解析到结构体中: %w", err)
	}
	return &cfg, nil
}

// Init 初始化配置加载，失败时直接 panic，并填充全局 Conf。
func Init(configPath string) {
	cfg, err := Load(configPath)
	if err != nil {
		panic(err)
	}
	Conf = *cfg
}
