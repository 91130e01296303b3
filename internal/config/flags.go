package config

import (
	"os"

	"github.com/spf13/pflag"

	"github.com/waldiez/studio/pkg/util"
)

// ServerFlags 绑定 studio 服务端命令行参数。
//
// 参数值仅在被显式传入时才覆盖 (fs.Changed), 保证 env/file 的值不会被 flag 默认值冲掉。
type ServerFlags struct {
	fs *pflag.FlagSet

	ConfigFile     string
	host           string
	port           int
	domainName     string
	forceSSL       bool
	trustedHosts   string
	trustedOrigins string
	rootDir        string
	logLevel       string
	store          string
}

// NewServerFlags 在 fs 上注册服务端参数。
func NewServerFlags(fs *pflag.FlagSet) *ServerFlags {
	f := &ServerFlags{fs: fs}
	fs.StringVarP(&f.ConfigFile, "config", "c", os.Getenv(EnvPrefix+"CONFIG"), "config file (.yaml/.yml/.json/.jsonc)")
	fs.StringVar(&f.host, "host", "localhost", "host to listen on")
	fs.IntVarP(&f.port, "port", "p", 8000, "port to listen on")
	fs.StringVar(&f.domainName, "domain-name", "localhost", "public domain name")
	fs.BoolVar(&f.forceSSL, "force-ssl", false, "only trust https origins and send HSTS")
	fs.StringVar(&f.trustedHosts, "trusted-hosts", "", "comma separated trusted hosts")
	fs.StringVar(&f.trustedOrigins, "trusted-origins", "", "comma separated trusted origins")
	fs.StringVar(&f.rootDir, "root-dir", "", "workspace root directory")
	fs.StringVar(&f.logLevel, "log-level", "INFO", "log level (debug/info/warn/error)")
	fs.StringVar(&f.store, "store", "sqlite", "run history store (none/sqlite/postgres)")
	return f
}

// Resolve 按优先级合成最终配置: 默认值 < 环境变量 < 配置文件 < 显式参数。
func (f *ServerFlags) Resolve() (*Config, error) {
	cfg := Load()
	if f.ConfigFile != "" {
		if err := cfg.ApplyFile(f.ConfigFile); err != nil {
			return nil, err
		}
	}
	f.fs.Visit(func(fl *pflag.Flag) {
		switch fl.Name {
		case "host":
			cfg.Host = f.host
		case "port":
			cfg.Port = f.port
		case "domain-name":
			cfg.DomainName = f.domainName
		case "force-ssl":
			cfg.ForceSSL = f.forceSSL
		case "trusted-hosts":
			cfg.TrustedHosts = appendUnique(cfg.TrustedHosts, util.SplitList(f.trustedHosts)...)
		case "trusted-origins":
			cfg.TrustedOrigins = appendUnique(cfg.TrustedOrigins, util.SplitList(f.trustedOrigins)...)
		case "root-dir":
			cfg.RootDir = f.rootDir
		case "log-level":
			cfg.LogLevel = f.logLevel
		case "store":
			cfg.Store = f.store
		}
	})
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
