package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"safereply/pkg/config"
)

// LarkConfig 飞书 / Lark 机器人
type LarkConfig struct {
	AppID     string `yaml:"app_id"`
	AppSecret string `yaml:"app_secret"`
	// EventMode ws 使用长连接接收事件，webhook 只走 HTTP 回调
	EventMode string `yaml:"event_mode"`
	// VerificationToken 卡片回调校验
	VerificationToken string `yaml:"verification_token"`
}

func (c LarkConfig) Configured() bool {
	return c.AppID != "" && c.AppSecret != ""
}

// OpenAIConfig 分类 / 草稿生成
type OpenAIConfig struct {
	APIKey      string        `yaml:"api_key"`
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
}

// GmailConfig OAuth 客户端信息，刷新令牌按所有者配置
type GmailConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	APIBase      string `yaml:"api_base"`
	TokenURL     string `yaml:"token_url"`
	Query        string `yaml:"query"`
	// LookbackDays 只拉取最近 N 天的邮件
	LookbackDays int `yaml:"lookback_days"`
}

func (c GmailConfig) Configured() bool {
	return c.ClientID != "" && c.ClientSecret != ""
}

// StorageConfig 持久化存储选择
type StorageConfig struct {
	// Driver postgres 或 sqlite
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
}

// PipelineConfig 摄取与动作处理参数
type PipelineConfig struct {
	MaxResults int `yaml:"max_results"`
	// UserPause 多用户轮询时两个用户之间的间隔
	UserPause time.Duration `yaml:"user_pause"`
	// OutboxGrace 入库后多久仍未完成才由 outbox 恢复
	OutboxGrace time.Duration `yaml:"outbox_grace"`
	DedupTTL    time.Duration `yaml:"dedup_ttl"`
	EditTTL     time.Duration `yaml:"edit_ttl"`
	SendLockTTL time.Duration `yaml:"send_lock_ttl"`
	ChunkSize   int           `yaml:"chunk_size"`
	ChunkDelay  time.Duration `yaml:"chunk_delay"`
	// ThreadHistory 分类时带上的历史消息条数上限
	ThreadHistory int `yaml:"thread_history"`
}

// EmergencyConfig 紧急告警
type EmergencyConfig struct {
	Cooldown  time.Duration `yaml:"cooldown"`
	ActionURL string        `yaml:"action_url"`
}

// SchedulerConfig asynq 周期任务
type SchedulerConfig struct {
	Enabled     bool   `yaml:"enabled"`
	MailCron    string `yaml:"mail_cron"`
	ChatCron    string `yaml:"chat_cron"`
	VerifyCron  string `yaml:"verify_cron"` // 定期调用 Gmail，保持刷新令牌有效
	Concurrency int    `yaml:"concurrency"`
}

// OwnerConfig 允许操作机器人的所有者及其消息源
type OwnerConfig struct {
	// ID 所有者在聊天机器人中的 open_id
	ID                string   `yaml:"id"`
	Name              string   `yaml:"name"`
	Email             string   `yaml:"email"`
	GmailRefreshToken string   `yaml:"gmail_refresh_token"`
	ChatIDs           []string `yaml:"chat_ids"`
	Disabled          bool     `yaml:"disabled"`
}

type Config struct {
	Env       string              `yaml:"-"`
	DB        config.DBConfig     `yaml:"db"`
	Redis     config.RedisConfig  `yaml:"redis"`
	MQ        config.MQConfig     `yaml:"mq"`
	Server    config.ServerConfig `yaml:"server"`
	JWT       config.JWTConfig    `yaml:"jwt"`
	OTel      config.OTelConfig   `yaml:"otel"`
	Lark      LarkConfig          `yaml:"lark"`
	OpenAI    OpenAIConfig        `yaml:"openai"`
	Gmail     GmailConfig         `yaml:"gmail"`
	Storage   StorageConfig       `yaml:"storage"`
	Pipeline  PipelineConfig      `yaml:"pipeline"`
	Emergency EmergencyConfig     `yaml:"emergency"`
	Scheduler SchedulerConfig     `yaml:"scheduler"`
	Owners    []OwnerConfig       `yaml:"owners"`
}

// Load 读取配置，失败直接退出进程
func Load() *Config {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")

	cfg, err := LoadFrom(env, configDir)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	return cfg
}

// LoadFrom 分层加载、环境变量覆盖并校验
func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, err
	}

	var cfg Config
	cfgData, err := yaml.Marshal(cfgMap)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := yaml.Unmarshal(cfgData, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Env = env
	cfg.Owners = withoutPlaceholderOwners(cfg.Owners)

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideJWTFromEnv(&cfg.JWT)
	overrideIntegrationsFromEnv(&cfg)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// withoutPlaceholderOwners 去掉 ${VAR} 未设置导致 id 为空的所有者
func withoutPlaceholderOwners(owners []OwnerConfig) []OwnerConfig {
	out := owners[:0]
	for _, o := range owners {
		if o.ID != "" {
			out = append(out, o)
		}
	}
	return out
}

func overrideIntegrationsFromEnv(cfg *Config) {
	if v := os.Getenv("LARK_APP_ID"); v != "" {
		cfg.Lark.AppID = v
	}
	if v := os.Getenv("LARK_APP_SECRET"); v != "" {
		cfg.Lark.AppSecret = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAI.APIKey = v
	}
	if v := os.Getenv("GMAIL_CLIENT_ID"); v != "" {
		cfg.Gmail.ClientID = v
	}
	if v := os.Getenv("GMAIL_CLIENT_SECRET"); v != "" {
		cfg.Gmail.ClientSecret = v
	}
	if v := os.Getenv("STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "postgres"
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "safereply.db"
	}
	if c.Lark.EventMode == "" {
		c.Lark.EventMode = "ws"
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.OpenAI.Timeout == 0 {
		c.OpenAI.Timeout = 30 * time.Second
	}
	if c.OpenAI.MaxAttempts == 0 {
		c.OpenAI.MaxAttempts = 3
	}
	if c.OpenAI.RetryDelay == 0 {
		c.OpenAI.RetryDelay = time.Second
	}
	if c.Gmail.APIBase == "" {
		c.Gmail.APIBase = "https://gmail.googleapis.com/gmail/v1"
	}
	if c.Gmail.TokenURL == "" {
		c.Gmail.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if c.Gmail.Query == "" {
		c.Gmail.Query = "-in:spam -in:trash -is:deleted"
	}
	if c.Gmail.LookbackDays == 0 {
		c.Gmail.LookbackDays = 3
	}
	p := &c.Pipeline
	if p.MaxResults == 0 {
		p.MaxResults = 10
	}
	if p.UserPause == 0 {
		p.UserPause = 500 * time.Millisecond
	}
	if p.OutboxGrace == 0 {
		p.OutboxGrace = 2 * time.Minute
	}
	if p.DedupTTL == 0 {
		p.DedupTTL = 30 * 24 * time.Hour
	}
	if p.EditTTL == 0 {
		p.EditTTL = 5 * time.Minute
	}
	if p.SendLockTTL == 0 {
		p.SendLockTTL = 30 * time.Second
	}
	if p.ChunkSize == 0 {
		p.ChunkSize = 1000
	}
	if p.ThreadHistory == 0 {
		p.ThreadHistory = 5
	}
	if c.Emergency.Cooldown == 0 {
		c.Emergency.Cooldown = time.Hour
	}
	if c.Scheduler.Concurrency == 0 {
		c.Scheduler.Concurrency = 2
	}
	if c.JWT.Issuer == "" {
		c.JWT.Issuer = "safereply"
	}
	if c.OTel.ServiceName == "" {
		c.OTel.ServiceName = "safereply"
	}
}

// Validate 只校验结构性错误；缺少第三方凭据不算错误，使用时报 "service unavailable"
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("storage.driver must be postgres or sqlite, got %q", c.Storage.Driver)
	}
	switch c.Lark.EventMode {
	case "ws", "webhook":
	default:
		return fmt.Errorf("lark.event_mode must be ws or webhook, got %q", c.Lark.EventMode)
	}
	if c.Pipeline.ThreadHistory > 5 {
		return fmt.Errorf("pipeline.thread_history must be at most 5, got %d", c.Pipeline.ThreadHistory)
	}

	seen := make(map[string]bool, len(c.Owners))
	for i, o := range c.Owners {
		if o.ID == "" {
			return fmt.Errorf("owners[%d].id is required", i)
		}
		if seen[o.ID] {
			return fmt.Errorf("owners[%d].id %q is duplicated", i, o.ID)
		}
		seen[o.ID] = true
	}
	return nil
}
