// http_api.go — REST 路由: 流程读写、运行历史、日志、健康检查。
package apiserver

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/waldiez/studio/internal/store"
	"github.com/waldiez/studio/internal/workspace"
	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
)

// registerAPI 注册 /api 路由。
func (s *Server) registerAPI(api *gin.RouterGroup) {
	api.GET("/flow", s.getFlow)
	api.POST("/flow", s.saveFlow)

	api.GET("/runs", s.listRuns)
	api.GET("/runs/:id", s.getRun)
	api.DELETE("/runs/:id", s.deleteRun)
	api.GET("/runs/:id/transcript", s.getTranscript)

	api.GET("/logs", s.listLogs)
	api.GET("/logs/filters", s.logFilters)

	api.GET("/events", s.sseHandler)
}

// ========================================
// 统一响应
// ========================================

// fail 按错误链映射状态码; body 为 {"detail": …, "code": …}。
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pkgerr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pkgerr.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, pkgerr.ErrUnsupported):
		status = http.StatusNotImplemented
	case errors.Is(err, pkgerr.ErrBusy):
		status = http.StatusServiceUnavailable
	}
	detail := err.Error()
	var appErr *pkgerr.AppError
	if errors.As(err, &appErr) {
		detail = appErr.Message
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(c.Request.Context()).Error("apiserver: internal error", logger.FieldPath, c.Request.URL.Path, logger.FieldError, err)
		detail = "internal server error"
	}
	c.AbortWithStatusJSON(status, gin.H{"detail": detail, "code": pkgerr.CodeOf(err)})
}

func queryLimit(c *gin.Context, def int) int {
	v, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || v < 1 {
		return def
	}
	if v > 2000 {
		return 2000
	}
	return v
}

// querySince 解析可选的 since (RFC 3339)。
func querySince(c *gin.Context) (time.Time, error) {
	raw := c.Query("since")
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Server.querySince", "since must be RFC 3339, got %q", raw)
	}
	return t, nil
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"activeRuns": s.ActiveRuns(),
		"maxRuns":    cap(s.slots),
		"history":    s.runs != nil,
	})
}

// ========================================
// Flow
// ========================================

func (s *Server) getFlow(c *gin.Context) {
	flow, err := workspace.ReadFlow(s.root, c.Query("path"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, flow)
}

type saveFlowBody struct {
	Contents any `json:"contents"`
}

func (s *Server) saveFlow(c *gin.Context) {
	var body saveFlowBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, pkgerr.Wrapf(pkgerr.ErrInvalidInput, "Server.saveFlow", "invalid body: %v", err))
		return
	}
	item, hash, err := workspace.SaveFlow(s.root, c.Query("path"), body.Contents)
	if err != nil {
		fail(c, err)
		return
	}
	logger.Info("apiserver: flow saved", logger.FieldPath, item.Path)
	c.JSON(http.StatusOK, gin.H{"name": item.Name, "path": item.Path, "type": item.Type, "hash": hash})
}

// ========================================
// Runs
// ========================================

var errNoHistory = pkgerr.WithCode(pkgerr.ErrUnsupported, "Server.runs", "HISTORY_DISABLED", "run history is disabled")

func (s *Server) listRuns(c *gin.Context) {
	if s.runs == nil {
		c.JSON(http.StatusOK, gin.H{"items": []store.Run{}})
		return
	}
	since, err := querySince(c)
	if err != nil {
		fail(c, err)
		return
	}
	items, err := s.runs.ListRuns(c.Request.Context(), store.ListParams{
		Path:    c.Query("path"),
		TaskID:  c.Query("taskId"),
		Status:  c.Query("status"),
		Keyword: c.Query("keyword"),
		Since:   since,
		Limit:   queryLimit(c, 50),
	})
	if err != nil {
		fail(c, err)
		return
	}
	if items == nil {
		items = []store.Run{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) getRun(c *gin.Context) {
	if s.runs == nil {
		fail(c, errNoHistory)
		return
	}
	run, err := s.runs.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

func (s *Server) deleteRun(c *gin.Context) {
	if s.runs == nil {
		fail(c, errNoHistory)
		return
	}
	if err := s.runs.DeleteRun(c.Request.Context(), c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) getTranscript(c *gin.Context) {
	if s.runs == nil {
		fail(c, errNoHistory)
		return
	}
	lines, err := s.runs.Transcript(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runId": c.Param("id"), "lines": lines})
}

// ========================================
// Logs (仅 PostgreSQL)
// ========================================

var errNoLogStore = pkgerr.WithCode(pkgerr.ErrUnsupported, "Server.logs", "LOGS_DISABLED", "log storage requires the postgres store")

func (s *Server) listLogs(c *gin.Context) {
	if s.logs == nil {
		fail(c, errNoLogStore)
		return
	}
	since, err := querySince(c)
	if err != nil {
		fail(c, err)
		return
	}
	items, err := s.logs.List(c.Request.Context(), store.LogListParams{
		Level:     c.Query("level"),
		Source:    c.Query("source"),
		Component: c.Query("component"),
		TaskID:    c.Query("taskId"),
		RunID:     c.Query("runId"),
		Keyword:   c.Query("keyword"),
		Since:     since,
		Limit:     queryLimit(c, 100),
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) logFilters(c *gin.Context) {
	if s.logs == nil {
		fail(c, errNoLogStore)
		return
	}
	values, err := s.logs.FilterValues(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, values)
}
