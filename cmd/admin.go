package main

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"llm-relay/core"
	"llm-relay/models"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// 管理端已经过口令校验，允许跨域面板连接
	CheckOrigin: func(r *http.Request) bool { return true },
}

// watchMessage websocket 推送格式
type watchMessage struct {
	Type     string             `json:"type"`
	Snapshot *core.PoolSnapshot `json:"snapshot,omitempty"`
	Event    *core.PoolEvent    `json:"event,omitempty"`
}

// handleAuthCheck 管理面板登录校验；口令错误已由中间件返回 401
func (s *server) handleAuthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, models.NewSuccessResponse("authenticated", nil))
}

// handleListCredentials 按状态分组返回全部凭证
func (s *server) handleListCredentials(c *gin.Context) {
	c.JSON(http.StatusOK, models.NewSuccessResponse("ok", s.pool.Snapshot()))
}

// handleSubmitCredential 添加凭证
func (s *server) handleSubmitCredential(c *gin.Context) {
	var req models.SubmitCredentialRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse("Invalid request: "+err.Error()))
		return
	}
	kind, err := models.ParseProviderKind(req.Kind)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse(err.Error()))
		return
	}

	cred := models.Credential{
		Kind:   kind,
		Secret: req.Secret,
		OrgID:  req.OrgID,
		Models: req.Models,
	}
	saved, err := s.pool.Submit(c.Request.Context(), cred)
	switch {
	case errors.Is(err, core.ErrCredentialExists):
		c.JSON(http.StatusConflict, models.NewErrorResponse("Credential already exists: "+saved.ID))
		return
	case err != nil:
		s.logger.Errorf("❌ Failed to submit credential: %v", err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to save credential: "+err.Error()))
		return
	}

	c.JSON(http.StatusCreated, models.NewSuccessResponse("Credential added", models.StatusOf(saved, 0)))
}

// handleDeleteCredential 删除凭证
func (s *server) handleDeleteCredential(c *gin.Context) {
	id := c.Param("id")
	err := s.pool.Delete(c.Request.Context(), id)
	switch {
	case errors.Is(err, core.ErrCredentialNotFound):
		c.JSON(http.StatusNotFound, models.NewErrorResponse("Credential not found"))
		return
	case err != nil:
		s.logger.Errorf("❌ Failed to delete credential %s: %v", id, err)
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to delete credential: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.NewSuccessResponse("Credential deleted", gin.H{"id": id}))
}

// handleRecentLogs 最近的调度日志
func (s *server) handleRecentLogs(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, models.NewErrorResponse("limit must be a positive integer"))
		return
	}
	if limit > 1000 {
		limit = 1000
	}
	logs, err := s.dispatchLog.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Failed to query logs: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.NewSuccessResponse("ok", logs))
}

// handleReconcile 立即与存储对账
func (s *server) handleReconcile(c *gin.Context) {
	if err := s.pool.Reconcile(c.Request.Context()); err != nil {
		c.JSON(http.StatusInternalServerError, models.NewErrorResponse("Reconcile failed: "+err.Error()))
		return
	}
	c.JSON(http.StatusOK, models.NewSuccessResponse("Reconciled", s.pool.Snapshot()))
}

// handleWatchCredentials 先推送一次完整快照，之后推送每个池事件
func (s *server) handleWatchCredentials(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnf("⚠️ WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	events, cancel := s.pool.Subscribe()
	defer cancel()

	snapshot := s.pool.Snapshot()
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(watchMessage{Type: "snapshot", Snapshot: &snapshot}); err != nil {
		return
	}
	s.logger.Debugf("👀 Pool watcher connected from %s", c.ClientIP())

	// 读循环只负责处理 pong 和检测断开
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			s.logger.Debugf("🔌 Pool watcher %s disconnected", c.ClientIP())
			return
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(watchMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
