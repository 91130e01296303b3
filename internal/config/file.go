package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	pkgerr "github.com/waldiez/studio/pkg/errors"
)

// fileOverlay 配置文件的可选字段; nil 表示未设置, 不覆盖环境变量。
type fileOverlay struct {
	Host               *string  `yaml:"host" json:"host"`
	Port               *int     `yaml:"port" json:"port"`
	DomainName         *string  `yaml:"domain_name" json:"domain_name"`
	ForceSSL           *bool    `yaml:"force_ssl" json:"force_ssl"`
	TrustedHosts       []string `yaml:"trusted_hosts" json:"trusted_hosts"`
	TrustedOrigins     []string `yaml:"trusted_origins" json:"trusted_origins"`
	TrustedOriginRegex *string  `yaml:"trusted_origin_regex" json:"trusted_origin_regex"`
	RootDir            *string  `yaml:"root_dir" json:"root_dir"`
	Env                *string  `yaml:"env" json:"env"`
	LogLevel           *string  `yaml:"log_level" json:"log_level"`
	LogDir             *string  `yaml:"log_dir" json:"log_dir"`
	Python             *string  `yaml:"python" json:"python"`
	Shell              *string  `yaml:"shell" json:"shell"`
	MaxActiveTasks     *int     `yaml:"max_active_tasks" json:"max_active_tasks"`
	TranscriptMaxBytes *int     `yaml:"transcript_max_bytes" json:"transcript_max_bytes"`
	Store              *string  `yaml:"store" json:"store"`
	SQLitePath         *string  `yaml:"sqlite_path" json:"sqlite_path"`
	PostgresConnStr    *string  `yaml:"postgres_connection_string" json:"postgres_connection_string"`
	PostgresSchema     *string  `yaml:"postgres_schema" json:"postgres_schema"`
	MigrationsDir      *string  `yaml:"migrations_dir" json:"migrations_dir"`
	PostgresLogToDB    *bool    `yaml:"postgres_log_to_db" json:"postgres_log_to_db"`
	LogRetentionDays   *int     `yaml:"log_retention_days" json:"log_retention_days"`
}

// ApplyFile 读取配置文件并覆盖 cfg。
// .yaml/.yml 走 YAML; .json/.jsonc 允许注释与尾逗号。
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return pkgerr.Wrap(err, "Config.ApplyFile", "read config file")
	}
	var ov fileOverlay
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &ov)
	case ".json", ".jsonc":
		err = json.Unmarshal(jsonc.ToJSON(data), &ov)
	default:
		return pkgerr.Wrapf(pkgerr.ErrUnsupported, "Config.ApplyFile", "config extension %q", filepath.Ext(path))
	}
	if err != nil {
		return pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Config.ApplyFile", "parse %s: %v", path, err)
	}
	c.applyOverlay(&ov)
	return nil
}

func (c *Config) applyOverlay(ov *fileOverlay) {
	setStr(&c.Host, ov.Host)
	setInt(&c.Port, ov.Port)
	setStr(&c.DomainName, ov.DomainName)
	if ov.ForceSSL != nil {
		c.ForceSSL = *ov.ForceSSL
	}
	if ov.TrustedHosts != nil {
		c.TrustedHosts = ov.TrustedHosts
	}
	if ov.TrustedOrigins != nil {
		c.TrustedOrigins = ov.TrustedOrigins
	}
	setStr(&c.TrustedOriginRegex, ov.TrustedOriginRegex)
	setStr(&c.RootDir, ov.RootDir)
	setStr(&c.Env, ov.Env)
	setStr(&c.LogLevel, ov.LogLevel)
	setStr(&c.LogDir, ov.LogDir)
	setStr(&c.Python, ov.Python)
	setStr(&c.Shell, ov.Shell)
	setInt(&c.MaxActiveTasks, ov.MaxActiveTasks)
	setInt(&c.TranscriptMaxBytes, ov.TranscriptMaxBytes)
	setStr(&c.Store, ov.Store)
	setStr(&c.SQLitePath, ov.SQLitePath)
	setStr(&c.PostgresConnStr, ov.PostgresConnStr)
	setStr(&c.PostgresSchema, ov.PostgresSchema)
	setStr(&c.MigrationsDir, ov.MigrationsDir)
	if ov.PostgresLogToDB != nil {
		c.PostgresLogToDB = *ov.PostgresLogToDB
	}
	setInt(&c.LogRetentionDays, ov.LogRetentionDays)
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
