// server.go — Studio HTTP + WebSocket 服务器 (核心结构体与启动)。
//
// 架构:
//
//	GET /ws?path=        → 运行通道: start → Engine → 帧经 outbox 单写者回传
//	GET /ws/terminal     → 终端通道: PTY ↔ data 帧
//	/api/*               → 流程读写、运行历史、日志、SSE 生命周期事件
//
// 拆分说明:
//   - conn.go:         连接条目 (outbox + 单写者)、Origin 校验
//   - run_channel.go:  运行通道
//   - term_channel.go: 终端通道
//   - http_api.go:     REST 路由与统一响应
//   - events.go:       SSE 事件总线
//   - middleware.go:   安全头、可信 Host、CORS、访问日志
package apiserver

import (
	"context"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/klauspost/compress/gzhttp"

	"github.com/waldiez/studio/internal/config"
	"github.com/waldiez/studio/internal/engine"
	"github.com/waldiez/studio/internal/store"
	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

const (
	maxMessageSize = 4 << 20 // 4MB 客户端消息上限
	connOutboxSize = 1024    // 单连接发送缓冲
	gzipMinSize    = 1000
)

// EngineFactory 按文件创建运行引擎 (测试可替换)。
type EngineFactory func(file, root string, emit engine.Emitter, opts engine.Options) (engine.Engine, error)

// Server Studio 服务器。
type Server struct {
	// ========================================
	// 锁职责说明
	// ========================================
	// mu:   conns map
	// 其余状态 (slots / bus) 自带同步。
	// ========================================
	cfg       *config.Config
	root      string
	runs      store.RunStore // nil: 不记录运行历史
	logs      *store.LogStore
	newEngine EngineFactory

	router   *gin.Engine
	upgrader websocket.Upgrader
	originRe *regexp.Regexp
	slots    chan struct{} // 并发运行数信号量
	bus      *EventBus

	mu     sync.Mutex
	conns  map[string]*connEntry
	nextID atomic.Int64
	active sync.WaitGroup // 存活的通道 handler
}

// Deps 服务器依赖注入。
type Deps struct {
	Config  *config.Config
	Root    string         // 工作区根目录 (绝对路径)
	Runs    store.RunStore // 可选
	Logs    *store.LogStore
	Engines EngineFactory // 默认 engine.New
}

// New 创建服务器。
func New(deps Deps) (*Server, error) {
	const op = "Server.New"
	if deps.Config == nil {
		return nil, pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "config is required")
	}
	if deps.Root == "" {
		return nil, pkgerr.Wrap(pkgerr.ErrInvalidInput, op, "root directory is required")
	}
	s := &Server{
		cfg:       deps.Config,
		root:      deps.Root,
		runs:      deps.Runs,
		logs:      deps.Logs,
		newEngine: deps.Engines,
		slots:     make(chan struct{}, max(deps.Config.MaxActiveTasks, 1)),
		bus:       NewEventBus(),
		conns:     make(map[string]*connEntry),
	}
	if s.newEngine == nil {
		s.newEngine = engine.New
	}
	if re := strings.TrimSpace(deps.Config.TrustedOriginRegex); re != "" {
		compiled, err := regexp.Compile(re)
		if err != nil {
			return nil, pkgerr.Wrapf(pkgerr.ErrInvalidInput, op, "invalid trusted origin regex: %v", err)
		}
		s.originRe = compiled
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.buildRouter()
	return s, nil
}

// Bus 返回生命周期事件总线。
func (s *Server) Bus() *EventBus { return s.bus }

// Handler 返回完整的 HTTP handler: WebSocket 路径直连, 其余经 gzip 压缩。
func (s *Server) Handler() http.Handler {
	gz, err := gzhttp.NewWrapper(gzhttp.MinSize(gzipMinSize))
	if err != nil {
		logger.Warn("apiserver: gzip wrapper unavailable", logger.FieldError, err)
		return s.router
	}
	compressed := gz(s.router)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/ws") || strings.HasPrefix(r.URL.Path, "/api/events") {
			s.router.ServeHTTP(w, r)
			return
		}
		compressed.ServeHTTP(w, r)
	})
}

func (s *Server) buildRouter() *gin.Engine {
	r := gin.New()
	r.Use(recoveryMiddleware(), accessLogMiddleware(), trustedHostMiddleware(s.cfg), corsMiddleware(s), securityHeadersMiddleware(s.cfg))

	r.GET("/ws", s.handleRunChannel)
	r.GET("/ws/terminal", s.handleTerminalChannel)
	r.GET("/healthz", s.healthz)
	s.registerAPI(r.Group("/api"))
	return r
}

// ListenAndServe 启动服务器, ctx 取消后优雅关闭。
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
		ReadHeaderTimeout: 10 * time.Second,
	}

	util.SafeGo(func() {
		<-ctx.Done()
		logger.Info("apiserver: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.drainTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("apiserver: shutdown error", logger.FieldError, err)
		}
		s.Close(shutdownCtx)
		logger.Info("apiserver: shutdown completed")
	})

	logger.Info("apiserver: listening", logger.FieldAddr, addr, logger.FieldRoot, s.root)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return pkgerr.Wrap(err, "Server.ListenAndServe", "listen")
	}
	return nil
}

// Close 断开所有通道 (运行中的引擎随之 Shutdown) 并等待 handler 退出。
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	entries := make([]*connEntry, 0, len(s.conns))
	for _, e := range s.conns {
		entries = append(entries, e)
	}
	s.mu.Unlock()
	for _, e := range entries {
		e.closeNow()
	}

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("apiserver: channels still draining at shutdown deadline")
	}
}

func (s *Server) drainTimeout() time.Duration {
	return time.Duration(s.cfg.ShutdownGraceSec+s.cfg.TerminateGraceSec+2) * time.Second
}

// engineOptions 由配置得到引擎参数。
func (s *Server) engineOptions(taskID string) engine.Options {
	return engine.Options{
		Python:        s.cfg.Python,
		MaxLineBytes:  s.cfg.MaxLineBytes,
		QueueSize:     s.cfg.QueueSize,
		ShutdownGrace: time.Duration(s.cfg.ShutdownGraceSec) * time.Second,
		TermGrace:     time.Duration(s.cfg.TerminateGraceSec) * time.Second,
		TaskID:        taskID,
	}
}

// acquireSlot 非阻塞占用一个运行名额。
func (s *Server) acquireSlot() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseSlot() { <-s.slots }

// ActiveRuns 当前运行数。
func (s *Server) ActiveRuns() int { return len(s.slots) }
