package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	FFmpeg     FFmpegConfig     `mapstructure:"ffmpeg"`
	Transcribe TranscribeConfig `mapstructure:"transcribe"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Watcher    WatcherConfig    `mapstructure:"watcher"`
}

type ServerConfig struct {
	Port          string `mapstructure:"port"`
	Mode          string `mapstructure:"mode"`            // gin 运行模式: debug / release / test
	MaxUploadSize int64  `mapstructure:"max_upload_size"` // 字节
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	Dir        string `mapstructure:"dir"`         // 文件输出目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

// StorageConfig 数据目录布局
type StorageConfig struct {
	DataDir  string `mapstructure:"data_dir"`
	MediaDir string `mapstructure:"media_dir"` // 为空时使用 data_dir/media
	Database string `mapstructure:"database"`  // 为空时使用 data_dir/mediaflow.db
}

type QueueConfig struct {
	Concurrency int `mapstructure:"concurrency"`  // 同时运行的处理链数量
	MaxArchived int `mapstructure:"max_archived"` // 保留的已结束任务数量
}

type PipelineConfig struct {
	FrameInterval     int           `mapstructure:"frame_interval"`      // 抽帧间隔（秒）
	HashAlgorithm     string        `mapstructure:"hash_algorithm"`      // sha256 或 blake2b
	MaxAnalysisFrames int           `mapstructure:"max_analysis_frames"` // 发送给模型的最大帧数
	DedupCacheTTL     time.Duration `mapstructure:"dedup_cache_ttl"`
}

type ProgressConfig struct {
	Buffer    int           `mapstructure:"buffer"`    // 每个订阅者的缓冲事件数
	Heartbeat time.Duration `mapstructure:"heartbeat"` // SSE 心跳间隔
}

type ReconcilerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	StartupDelay time.Duration `mapstructure:"startup_delay"`
	Schedule     string        `mapstructure:"schedule"` // cron 表达式，如 @every 30m
}

type FFmpegConfig struct {
	FFmpegBin  string `mapstructure:"ffmpeg_bin"`
	FFprobeBin string `mapstructure:"ffprobe_bin"`
	ExtraArgs  string `mapstructure:"extra_args"` // 追加到抽帧命令的参数，按 shell 规则拆分
}

type TranscribeConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LLMConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	ImageMaxWidth int           `mapstructure:"image_max_width"`
}

// WatcherConfig 收件目录监控配置
type WatcherConfig struct {
	Enabled              bool     `mapstructure:"enabled"`
	InboxDir             string   `mapstructure:"inbox_dir"`
	Extensions           []string `mapstructure:"extensions"`
	Recursive            bool     `mapstructure:"recursive"`
	ProcessExistingFiles bool     `mapstructure:"process_existing_files"`
	MoveFiles            bool     `mapstructure:"move_files"`
	Priority             int      `mapstructure:"priority"`
}

// MediaRoot 返回媒体产物根目录
func (c *Config) MediaRoot() string {
	if c.Storage.MediaDir != "" {
		return c.Storage.MediaDir
	}
	return filepath.Join(c.Storage.DataDir, "media")
}

// DatabasePath 返回数据库文件路径
func (c *Config) DatabasePath() string {
	if c.Storage.Database != "" {
		return c.Storage.Database
	}
	return filepath.Join(c.Storage.DataDir, "mediaflow.db")
}

// EnvPrefix 环境变量前缀，例如 MEDIAFLOW_QUEUE_CONCURRENCY
const EnvPrefix = "MEDIAFLOW"

// BindEnv 让 viper 读取带前缀的环境变量
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load 从全局 viper 实例读取配置
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom 从指定 viper 实例读取配置，缺少配置文件时使用默认值
func LoadFrom(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("读取配置文件出错: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("无法解码配置: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("配置验证失败: %w", err)
	}

	return &cfg, nil
}

// SetDefaults 设置默认配置
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "5000")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.max_upload_size", 4<<30)

	// 日志默认配置
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.dir", "data/logs")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("storage.data_dir", "data")

	v.SetDefault("queue.concurrency", 3)
	v.SetDefault("queue.max_archived", 500)

	v.SetDefault("pipeline.frame_interval", 10)
	v.SetDefault("pipeline.hash_algorithm", "sha256")
	v.SetDefault("pipeline.max_analysis_frames", 8)
	v.SetDefault("pipeline.dedup_cache_ttl", "30m")

	v.SetDefault("progress.buffer", 64)
	v.SetDefault("progress.heartbeat", "15s")

	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.startup_delay", "30s")
	v.SetDefault("reconciler.schedule", "@every 30m")

	v.SetDefault("ffmpeg.ffmpeg_bin", "ffmpeg")
	v.SetDefault("ffmpeg.ffprobe_bin", "ffprobe")

	v.SetDefault("transcribe.enabled", true)
	v.SetDefault("transcribe.url", "http://127.0.0.1:9977")
	v.SetDefault("transcribe.timeout", "10m")

	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", "2m")
	v.SetDefault("llm.image_max_width", 512)

	v.SetDefault("watcher.enabled", false)
	v.SetDefault("watcher.inbox_dir", "data/inbox")
	v.SetDefault("watcher.extensions", []string{".mp4", ".mkv", ".mov", ".webm", ".flv"})
	v.SetDefault("watcher.recursive", false)
	v.SetDefault("watcher.process_existing_files", true)
}

// validateConfig 验证配置的有效性
func validateConfig(cfg *Config) error {
	if cfg.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if cfg.Storage.DataDir == "" {
		return fmt.Errorf("数据目录未设置")
	}
	if cfg.Queue.Concurrency < 1 {
		return fmt.Errorf("队列并发数必须大于 0，当前: %d", cfg.Queue.Concurrency)
	}
	if cfg.Pipeline.FrameInterval < 1 {
		return fmt.Errorf("抽帧间隔必须大于 0 秒，当前: %d", cfg.Pipeline.FrameInterval)
	}
	switch strings.ToLower(cfg.Pipeline.HashAlgorithm) {
	case "sha256", "blake2b":
	default:
		return fmt.Errorf("不支持的哈希算法: %s", cfg.Pipeline.HashAlgorithm)
	}
	if cfg.Reconciler.Enabled {
		if _, err := cron.ParseStandard(cfg.Reconciler.Schedule); err != nil {
			return fmt.Errorf("对账计划表达式无效: %w", err)
		}
	}
	if cfg.Watcher.Enabled && cfg.Watcher.InboxDir == "" {
		return fmt.Errorf("文件监控已启用但未设置收件目录")
	}
	return nil
}
