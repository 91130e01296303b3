// Package config 全局配置加载与管理。
//
// 所有字段通过 struct tag 声明环境变量映射:
//
//	`env:"WALDIEZ_STUDIO_VAR" default:"value" min:"0"`
//
// 优先级: 默认值 < 环境变量 < 配置文件 (YAML / JSONC) < 命令行参数。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/util"
)

// EnvPrefix 所有环境变量的公共前缀。
const EnvPrefix = "WALDIEZ_STUDIO_"

// Config 应用全局配置。
type Config struct {
	// 监听与可信来源
	Host               string   `env:"WALDIEZ_STUDIO_HOST" default:"localhost"`
	Port               int      `env:"WALDIEZ_STUDIO_PORT" default:"8000" min:"1"`
	DomainName         string   `env:"WALDIEZ_STUDIO_DOMAIN_NAME" default:"localhost"`
	ForceSSL           bool     `env:"WALDIEZ_STUDIO_FORCE_SSL" default:"false"`
	TrustedHosts       []string `env:"WALDIEZ_STUDIO_TRUSTED_HOSTS"`
	TrustedOrigins     []string `env:"WALDIEZ_STUDIO_TRUSTED_ORIGINS"`
	TrustedOriginRegex string   `env:"WALDIEZ_STUDIO_TRUSTED_ORIGIN_REGEX"`

	// 工作区
	RootDir string `env:"WALDIEZ_STUDIO_ROOT_DIR"`

	// 日志
	Env      string `env:"WALDIEZ_STUDIO_ENV" default:"production"`
	LogLevel string `env:"WALDIEZ_STUDIO_LOG_LEVEL" default:"INFO"`
	LogDir   string `env:"WALDIEZ_STUDIO_LOG_DIR"`

	// 运行引擎
	Python             string `env:"WALDIEZ_STUDIO_PYTHON" default:"python3"`
	Shell              string `env:"WALDIEZ_STUDIO_SHELL"`
	MaxActiveTasks     int    `env:"WALDIEZ_STUDIO_MAX_ACTIVE_TASKS" default:"10" min:"1"`
	MaxLineBytes       int    `env:"WALDIEZ_STUDIO_MAX_LINE_BYTES" default:"65536" min:"1024"`
	QueueSize          int    `env:"WALDIEZ_STUDIO_QUEUE_SIZE" default:"10000" min:"16"`
	ShutdownGraceSec   int    `env:"WALDIEZ_STUDIO_SHUTDOWN_GRACE_SEC" default:"5" min:"0"`
	TerminateGraceSec  int    `env:"WALDIEZ_STUDIO_TERMINATE_GRACE_SEC" default:"3" min:"0"`
	TranscriptMaxBytes int    `env:"WALDIEZ_STUDIO_TRANSCRIPT_MAX_BYTES" default:"8388608" min:"0"` // 8MB

	// 客户端核心
	ConsoleMaxLines int `env:"WALDIEZ_STUDIO_CONSOLE_MAX_LINES" default:"5000" min:"1"`
	MergeMaxDepth   int `env:"WALDIEZ_STUDIO_MERGE_MAX_DEPTH" default:"64" min:"1"`
	DialTimeoutSec  int `env:"WALDIEZ_STUDIO_DIAL_TIMEOUT_SEC" default:"10" min:"1"`

	// 运行历史: none | sqlite | postgres
	Store      string `env:"WALDIEZ_STUDIO_STORE" default:"sqlite"`
	SQLitePath string `env:"WALDIEZ_STUDIO_SQLITE_PATH"`

	// PostgreSQL
	PostgresConnStr        string `env:"WALDIEZ_STUDIO_POSTGRES_CONNECTION_STRING"`
	PostgresSchema         string `env:"WALDIEZ_STUDIO_POSTGRES_SCHEMA" default:"public"`
	PostgresPoolMinSize    int    `env:"WALDIEZ_STUDIO_POSTGRES_POOL_MIN_SIZE" default:"1" min:"1"`
	PostgresPoolMaxSize    int    `env:"WALDIEZ_STUDIO_POSTGRES_POOL_MAX_SIZE" default:"10" min:"1"`
	PostgresPoolTimeoutSec int    `env:"WALDIEZ_STUDIO_POSTGRES_POOL_TIMEOUT_SEC" default:"10" min:"1"`
	PostgresLogToDB        bool   `env:"WALDIEZ_STUDIO_POSTGRES_LOG_TO_DB" default:"false"`
	LogRetentionDays       int    `env:"WALDIEZ_STUDIO_LOG_RETENTION_DAYS" default:"30" min:"0"` // 0: 不清理
	MigrationsDir          string `env:"WALDIEZ_STUDIO_MIGRATIONS_DIR" default:"migrations"`

	// 测试模式: 可信来源固定为 test
	Testing bool `env:"WALDIEZ_STUDIO_TESTING" default:"false"`
}

// Load 从环境变量加载配置 (通过反射读取 struct tag)。
func Load() *Config {
	var cfg Config
	util.LoadFromEnv(&cfg)
	return &cfg
}

// Addr 返回监听地址 host:port。
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TrustedHostList 计算可信 Host 列表: 显式配置 + domain_name + 非本地监听地址。
func (c *Config) TrustedHostList() []string {
	if c.Testing {
		return []string{"test"}
	}
	hosts := slices.Clone(c.TrustedHosts)
	if !slices.Contains(hosts, c.DomainName) {
		hosts = append(hosts, c.DomainName)
	}
	if c.Host != "localhost" && c.Host != "0.0.0.0" && !slices.Contains(hosts, c.Host) {
		hosts = append(hosts, c.Host)
	}
	return hosts
}

// TrustedOriginList 计算可信 Origin 列表。
// 总是包含 https://domain (及 https://host); 未强制 SSL 时追加 http 变体 (含端口)。
func (c *Config) TrustedOriginList() []string {
	if c.Testing {
		return []string{"http://test"}
	}
	origins := slices.Clone(c.TrustedOrigins)
	defaults := []string{"https://" + c.DomainName}
	if c.Host != c.DomainName {
		defaults = append(defaults, "https://"+c.Host)
	}
	if !c.ForceSSL {
		defaults = append(defaults,
			"http://"+c.DomainName,
			fmt.Sprintf("http://%s:%d", c.DomainName, c.Port),
			"http://"+c.Host,
			fmt.Sprintf("http://%s:%d", c.Host, c.Port),
		)
	}
	for _, o := range defaults {
		if !slices.Contains(origins, o) {
			origins = append(origins, o)
		}
	}
	return origins
}

// ResolveRootDir 返回工作区根目录的绝对路径 (不存在则创建)。
// 未配置时使用 $HOME/.local/share/waldiez/studio/files。
func (c *Config) ResolveRootDir() (string, error) {
	root := c.RootDir
	if root == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", pkgerr.Wrap(err, "Config.ResolveRootDir", "locate home dir")
		}
		root = filepath.Join(home, ".local", "share", "waldiez", "studio", "files")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", pkgerr.Wrap(err, "Config.ResolveRootDir", "resolve root dir")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", pkgerr.Wrap(err, "Config.ResolveRootDir", "create root dir")
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, nil
}

// ResolveSQLitePath 返回 SQLite 运行历史文件路径, 默认放在工作区根目录的 .waldiez 子目录。
func (c *Config) ResolveSQLitePath(root string) string {
	if c.SQLitePath != "" {
		return c.SQLitePath
	}
	return filepath.Join(root, ".waldiez", "studio.db")
}

// Validate 检查组合约束。
func (c *Config) Validate() error {
	switch c.Store {
	case "none", "sqlite":
	case "postgres":
		if c.PostgresConnStr == "" {
			return pkgerr.New("Config.Validate", "store=postgres requires WALDIEZ_STUDIO_POSTGRES_CONNECTION_STRING")
		}
	default:
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Config.Validate", "unknown store %q", c.Store)
	}
	if c.Port > 65535 {
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Config.Validate", "port %d out of range", c.Port)
	}
	return nil
}
