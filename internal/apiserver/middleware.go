// middleware.go — Gin 中间件: panic 恢复、访问日志、可信 Host、CORS、安全响应头。
package apiserver

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waldiez/studio/internal/config"
	"github.com/waldiez/studio/pkg/logger"
)

// contentSecurityPolicy 前端所需的最小放行集合。
const contentSecurityPolicy = "default-src 'none'; " +
	"style-src 'self' 'unsafe-inline' https://cdn.jsdelivr.net/npm/; " +
	"script-src 'self' 'wasm-unsafe-eval' https://cdn.jsdelivr.net/npm/; " +
	"img-src * blob: data:; worker-src 'self' blob:; connect-src *; " +
	"font-src 'self' https://cdn.jsdelivr.net/npm/ data:; manifest-src 'self'; " +
	"media-src 'self' data:; frame-ancestors %s"

const hstsMaxAge = 31556926

func recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, rv any) {
		logger.Error("http: handler panicked",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.Request.URL.Path,
			logger.FieldRemote, c.Request.RemoteAddr,
			logger.FieldError, rv,
		)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"detail": "internal server error"})
	})
}

// accessLogMiddleware 请求结束后记录一行; WebSocket 通道在自身 handler 中记录。
func accessLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if strings.HasPrefix(c.Request.URL.Path, "/ws") {
			return
		}
		logger.Debug("http: request",
			logger.FieldMethod, c.Request.Method,
			logger.FieldPath, c.Request.URL.Path,
			logger.FieldStatus, c.Writer.Status(),
			logger.FieldLatencyMS, time.Since(start).Milliseconds(),
		)
	}
}

// trustedHostMiddleware 拒绝 Host 不在可信列表中的请求 (环回地址总是放行)。
func trustedHostMiddleware(cfg *config.Config) gin.HandlerFunc {
	allowed := cfg.TrustedHostList()
	return func(c *gin.Context) {
		if hostAllowed(c.Request.Host, allowed) {
			c.Next()
			return
		}
		logger.Warn("http: rejected host", logger.FieldHost, c.Request.Host)
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"detail": "Invalid host header"})
	}
}

func hostAllowed(hostport string, allowed []string) bool {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.Trim(strings.ToLower(host), "[]")
	if host == "localhost" || host == "" {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
		return true
	}
	for _, a := range allowed {
		a = strings.ToLower(a)
		switch {
		case a == "*" || a == host:
			return true
		case strings.HasPrefix(a, "*.") && strings.HasSuffix(host, a[1:]):
			return true
		}
	}
	return false
}

// corsMiddleware 仅对可信 Origin 回显 CORS 头。
func corsMiddleware(s *Server) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && s.checkOrigin(c.Request) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// securityHeadersMiddleware 为 HTTP 响应追加安全头 (WebSocket 升级除外)。
func securityHeadersMiddleware(cfg *config.Config) gin.HandlerFunc {
	frameAncestors := "'self'"
	if cfg.DomainName != "" && cfg.DomainName != "localhost" {
		frameAncestors = "*." + cfg.DomainName
	}
	csp := fmt.Sprintf(contentSecurityPolicy, frameAncestors)
	return func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/ws") {
			c.Next()
			return
		}
		h := c.Writer.Header()
		h.Set("Cross-Origin-Opener-Policy", "same-origin")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("Content-Security-Policy", csp)
		if cfg.ForceSSL {
			h.Set("Strict-Transport-Security", fmt.Sprintf("max-age=%d; includeSubDomains", hstsMaxAge))
		}
		c.Next()
	}
}
