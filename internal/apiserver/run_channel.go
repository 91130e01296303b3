// run_channel.go — 运行通道 GET /ws?path=。
//
// 协议: 连接建立后第一条有效消息必须是 start; 之后的操作原样交给引擎。
// run_end 写出后服务端正常关闭通道; 客户端断开时引擎 Shutdown。
package apiserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/waldiez/studio/internal/engine"
	"github.com/waldiez/studio/internal/protocol"
	"github.com/waldiez/studio/internal/workspace"
	pkgerr "github.com/waldiez/studio/pkg/errors"
	"github.com/waldiez/studio/pkg/logger"
	"github.com/waldiez/studio/pkg/util"
)

func (s *Server) handleRunChannel(c *gin.Context) {
	file, checkErr := workspace.Check(s.root, c.Query("path"), workspace.RunnableRules)

	entry, ok := s.accept(c.Writer, c.Request, "run")
	if !ok {
		return
	}
	defer s.release(entry)

	if checkErr != nil {
		logger.Warn("apiserver: run channel rejected", logger.FieldPath, c.Query("path"), logger.FieldError, checkErr)
		entry.sendJSON(protocol.ErrorFrame("Invalid path", checkErr.Error()))
		entry.finish(websocket.ClosePolicyViolation, "Invalid path")
		return
	}
	if !s.acquireSlot() {
		logger.Warn("apiserver: run rejected, too many active tasks", logger.FieldMax, cap(s.slots))
		entry.sendJSON(protocol.ErrorFrame(pkgerr.ErrBusy.Error(), ""))
		entry.finish(websocket.CloseTryAgainLater, "Too many active tasks")
		return
	}
	defer s.releaseSlot()

	rec := newRunRecord(s, file)
	log := logger.With(logger.FieldConn, entry.id, logger.FieldTaskID, rec.taskID, logger.FieldRunID, rec.id)
	// 先入队再观察: run_end 触发的关闭必须排在该帧之后
	emit := engine.EmitterFunc(func(f protocol.Frame) {
		entry.sendJSON(f)
		rec.observe(f)
	})
	eng, err := s.newEngine(file, s.root, emit, s.engineOptions(rec.taskID))
	if err != nil {
		log.Warn("apiserver: engine unavailable", logger.FieldError, err)
		entry.sendJSON(protocol.ErrorFrame("Unsupported file", err.Error()))
		entry.finish(websocket.CloseUnsupportedData, "Unsupported file")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	begun := s.serveRun(ctx, entry, eng, rec, file, log)

	shutdownCtx, stop := context.WithTimeout(context.Background(), s.drainTimeout())
	defer stop()
	if err := eng.Shutdown(shutdownCtx); err != nil && !errors.Is(err, pkgerr.ErrTimeout) {
		log.Warn("apiserver: engine shutdown failed", logger.FieldError, err)
	}
	if !begun {
		entry.finish(websocket.CloseNormalClosure, "")
		return
	}

	run := rec.finish()
	res := rec.result()
	s.bus.Publish(Event{Type: EventRunFinished, Data: runEventData(rec, &res, run)})
	log.Info("apiserver: run finished", logger.FieldStatus, res.Status, logger.FieldExitCode, res.ReturnCode, logger.FieldDurationMS, res.ElapsedMs)
	entry.finish(websocket.CloseNormalClosure, "")
}

// serveRun 读循环。返回是否收到过 start (即运行记录已创建)。
func (s *Server) serveRun(ctx context.Context, entry *connEntry, eng engine.Engine, rec *runRecord, file string, log *slog.Logger) bool {
	started := false
	for {
		_, raw, err := entry.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("apiserver: run channel read error", logger.FieldError, err)
			}
			return started
		}
		var env protocol.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Op == "" {
			entry.sendJSON(protocol.ErrorFrame("Invalid message", "expected a JSON object with an op field"))
			continue
		}

		if !started {
			if env.Op != protocol.OpStart {
				entry.sendJSON(protocol.ErrorFrame("Run not started", "the first message must be start"))
				continue
			}
			rec.begin(flowHash(file))
			if err := eng.Start(ctx, env.Start()); err != nil {
				log.Warn("apiserver: engine start failed", logger.FieldError, err)
				entry.sendJSON(protocol.ErrorFrame("Failed to start", err.Error()))
				return true
			}
			started = true
			log.Info("apiserver: run started", logger.FieldPath, rec.path)
			s.bus.Publish(Event{Type: EventRunStarted, Data: runEventData(rec, nil, nil)})
			util.SafeGo(func() {
				select {
				case <-rec.ended:
					// run_end 已入队: 排空后关闭, 读循环随之返回
					entry.finish(websocket.CloseNormalClosure, "")
				case <-entry.closed():
				}
			})
			continue
		}

		if env.Op == protocol.OpStart {
			entry.sendJSON(protocol.ErrorFrame("Run already started", ""))
			continue
		}
		if err := eng.HandleClient(ctx, env); err != nil {
			log.Warn("apiserver: client op failed", logger.FieldOp, env.Op, logger.FieldError, err)
		}
	}
}
