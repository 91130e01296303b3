// build_info.go — 版本信息: -ldflags 注入优先, 否则取 Go 构建时记录的 VCS 信息。
package main

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
)

// 构建时注入: -ldflags "-X main.buildVersion=v1.2.3 -X main.buildCommit=abc".
var (
	buildVersion = "dev"
	buildCommit  = "unknown"
)

// buildInfo 版本摘要。
type buildInfo struct {
	Version string
	Commit  string
	Dirty   bool
	Runtime string
}

func (b buildInfo) String() string {
	commit := b.Commit
	if b.Dirty {
		commit += "-dirty"
	}
	return fmt.Sprintf("waldiez-studio %s (%s, %s)", b.Version, commit, b.Runtime)
}

func currentBuildInfo() buildInfo {
	info := buildInfo{
		Version: strings.TrimSpace(buildVersion),
		Commit:  strings.TrimSpace(buildCommit),
		Runtime: runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok || bi == nil {
		return info
	}
	if info.Version == "" || info.Version == "dev" {
		if v := bi.Main.Version; v != "" && v != "(devel)" {
			info.Version = v
		}
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if info.Commit == "" || info.Commit == "unknown" {
				info.Commit = shortCommit(s.Value)
			}
		case "vcs.modified":
			info.Dirty = s.Value == "true"
		}
	}
	return info
}

func shortCommit(rev string) string {
	rev = strings.TrimSpace(rev)
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}
