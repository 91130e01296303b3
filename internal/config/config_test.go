// config_test.go — 配置加载默认值 + 环境变量 / 文件 / 参数覆盖测试。
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/spf13/pflag"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{"HOST", "PORT", "DOMAIN_NAME", "MAX_ACTIVE_TASKS", "STORE", "TRUSTED_HOSTS"} {
		os.Unsetenv(EnvPrefix + k)
	}
	cfg := Load()

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"Host", cfg.Host, "localhost"},
		{"Port", cfg.Port, 8000},
		{"DomainName", cfg.DomainName, "localhost"},
		{"ForceSSL", cfg.ForceSSL, false},
		{"Python", cfg.Python, "python3"},
		{"MaxActiveTasks", cfg.MaxActiveTasks, 10},
		{"MaxLineBytes", cfg.MaxLineBytes, 65536},
		{"QueueSize", cfg.QueueSize, 10000},
		{"ShutdownGraceSec", cfg.ShutdownGraceSec, 5},
		{"TerminateGraceSec", cfg.TerminateGraceSec, 3},
		{"MergeMaxDepth", cfg.MergeMaxDepth, 64},
		{"Store", cfg.Store, "sqlite"},
		{"PostgresSchema", cfg.PostgresSchema, "public"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
			}
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv(EnvPrefix+"HOST", "0.0.0.0")
	t.Setenv(EnvPrefix+"PORT", "9000")
	t.Setenv(EnvPrefix+"TRUSTED_HOSTS", "a.example.com,b.example.com")
	t.Setenv(EnvPrefix+"FORCE_SSL", "true")

	cfg := Load()
	if cfg.Host != "0.0.0.0" || cfg.Port != 9000 || !cfg.ForceSSL {
		t.Errorf("cfg = %+v", cfg)
	}
	if !reflect.DeepEqual(cfg.TrustedHosts, []string{"a.example.com", "b.example.com"}) {
		t.Errorf("TrustedHosts = %v", cfg.TrustedHosts)
	}
}

func TestTrustedOriginList(t *testing.T) {
	cfg := &Config{Host: "localhost", Port: 8000, DomainName: "localhost"}
	want := []string{
		"https://localhost",
		"http://localhost",
		"http://localhost:8000",
	}
	if got := cfg.TrustedOriginList(); !reflect.DeepEqual(got, want) {
		t.Errorf("TrustedOriginList = %v, want %v", got, want)
	}

	cfg = &Config{Host: "10.0.0.5", Port: 443, DomainName: "studio.example.com", ForceSSL: true,
		TrustedOrigins: []string{"https://extra.example.com"}}
	want = []string{"https://extra.example.com", "https://studio.example.com", "https://10.0.0.5"}
	if got := cfg.TrustedOriginList(); !reflect.DeepEqual(got, want) {
		t.Errorf("TrustedOriginList(ssl) = %v, want %v", got, want)
	}
}

func TestTrustedHostList(t *testing.T) {
	cfg := &Config{Host: "0.0.0.0", DomainName: "studio.example.com"}
	if got := cfg.TrustedHostList(); !reflect.DeepEqual(got, []string{"studio.example.com"}) {
		t.Errorf("TrustedHostList = %v", got)
	}
	cfg.Host = "192.168.1.2"
	if got := cfg.TrustedHostList(); !reflect.DeepEqual(got, []string{"studio.example.com", "192.168.1.2"}) {
		t.Errorf("TrustedHostList = %v", got)
	}
	cfg.Testing = true
	if got := cfg.TrustedHostList(); !reflect.DeepEqual(got, []string{"test"}) {
		t.Errorf("TrustedHostList(testing) = %v", got)
	}
}

func TestApplyFile(t *testing.T) {
	dir := t.TempDir()

	yml := filepath.Join(dir, "studio.yaml")
	os.WriteFile(yml, []byte("port: 9100\nstore: none\ntrusted_hosts: [x.example.com]\n"), 0o644)
	cfg := Load()
	if err := cfg.ApplyFile(yml); err != nil {
		t.Fatalf("ApplyFile(yaml): %v", err)
	}
	if cfg.Port != 9100 || cfg.Store != "none" || len(cfg.TrustedHosts) != 1 {
		t.Errorf("yaml overlay = %+v", cfg)
	}
	if cfg.Host != "localhost" {
		t.Errorf("unset keys must keep env value, Host = %q", cfg.Host)
	}

	jc := filepath.Join(dir, "studio.jsonc")
	os.WriteFile(jc, []byte("{\n // comment\n \"python\": \"/usr/bin/python3\",\n}\n"), 0o644)
	if err := cfg.ApplyFile(jc); err != nil {
		t.Fatalf("ApplyFile(jsonc): %v", err)
	}
	if cfg.Python != "/usr/bin/python3" {
		t.Errorf("Python = %q", cfg.Python)
	}

	if err := cfg.ApplyFile(filepath.Join(dir, "studio.toml")); err == nil {
		t.Error("missing/unsupported file should fail")
	}
}

func TestServerFlagsPrecedence(t *testing.T) {
	t.Setenv(EnvPrefix+"PORT", "9000")
	t.Setenv(EnvPrefix+"HOST", "0.0.0.0")
	dir := t.TempDir()
	yml := filepath.Join(dir, "studio.yml")
	os.WriteFile(yml, []byte("port: 9100\ndomain_name: file.example.com\n"), 0o644)

	fs := pflag.NewFlagSet("studio", pflag.ContinueOnError)
	f := NewServerFlags(fs)
	if err := fs.Parse([]string{"--config", yml, "--domain-name", "flag.example.com", "--trusted-hosts", "a,b"}); err != nil {
		t.Fatal(err)
	}
	cfg, err := f.Resolve()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Host != "0.0.0.0" {
		t.Errorf("Host = %q, want env value", cfg.Host)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want file value", cfg.Port)
	}
	if cfg.DomainName != "flag.example.com" {
		t.Errorf("DomainName = %q, want flag value", cfg.DomainName)
	}
	if !reflect.DeepEqual(cfg.TrustedHosts, []string{"a", "b"}) {
		t.Errorf("TrustedHosts = %v", cfg.TrustedHosts)
	}
}

func TestValidate(t *testing.T) {
	cfg := Load()
	cfg.Store = "postgres"
	cfg.PostgresConnStr = ""
	if err := cfg.Validate(); err == nil {
		t.Error("postgres without DSN should fail")
	}
	cfg.Store = "redis"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown store should fail")
	}
}
