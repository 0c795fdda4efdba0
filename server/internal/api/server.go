package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"speech-coach/server/internal/config"
	"speech-coach/server/internal/domain"
	"speech-coach/server/internal/gate"
	"speech-coach/server/internal/gateway"
	"speech-coach/server/internal/logging"
	"speech-coach/server/internal/model"
	"speech-coach/server/internal/orchestrator"
	"speech-coach/server/internal/session"
	"speech-coach/server/internal/speech"
)

type Server struct {
	config       *config.Config
	orchestrator *orchestrator.Orchestrator
	deck         *domain.Deck

	// hub 管理所有活跃的展示层连接，同时是编排器的 Publisher
	hub *gateway.Hub
	// speech 把教练台词合成为音频，未启用时返回 503
	speech speech.Synthesizer

	upgrader websocket.Upgrader
	logger   *zap.Logger
}

func NewServer(cfg *config.Config, orch *orchestrator.Orchestrator, deck *domain.Deck, hub *gateway.Hub, synth speech.Synthesizer, logger *zap.Logger) *Server {
	if deck == nil {
		deck, _ = domain.NewDeck(nil)
	}
	return &Server{
		config:       cfg,
		orchestrator: orch,
		deck:         deck,
		hub:          hub,
		speech:       synth,
		upgrader:     gateway.NewUpgrader(cfg.Gateway),
		logger:       logging.OrNop(logger).With(zap.String("component", "api")),
	}
}

func (s *Server) Routes() http.Handler {
	// Gin 统一承载中间件与路由，便于扩展日志/鉴权/限流等能力。
	engine := gin.New()
	engine.Use(s.requestLogger(), gin.Recovery(), s.corsMiddleware())
	engine.GET("/healthz", s.handleHealthz)
	engine.GET("/api/cards", s.handleCards)

	sessions := engine.Group("/api/sessions")
	sessions.POST("", s.handleCreateSession)
	sessions.GET("/:id", s.handleGetSession)
	sessions.DELETE("/:id", s.handleEndSession)
	sessions.POST("/:id/turns", s.handleTurn)
	sessions.POST("/:id/break", s.handleBreak)
	sessions.GET("/:id/timeline", s.handleTimeline)
	sessions.GET("/:id/stream", s.handleSessionStream)
	sessions.POST("/:id/speech", s.handleSpeech)
	return engine
}

// handleHealthz 返回服务健康状态。
func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleCards 返回题库中的全部题卡。
func (s *Server) handleCards(c *gin.Context) {
	c.JSON(http.StatusOK, s.deck.All())
}

// handleCreateSession 创建会话。请求体可以为空。
func (s *Server) handleCreateSession(c *gin.Context) {
	var req model.CreateSessionRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": gateway.CodeInvalidMessage})
			return
		}
	}

	sess, err := s.orchestrator.CreateSession(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, model.CreateSessionResponse{SessionID: sess.SessionID, State: sess.State})
}

func (s *Server) handleGetSession(c *gin.Context) {
	sess, err := s.orchestrator.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleTurn 处理一轮输入，同步返回 UI 包；已连接的展示端同时收到推送。
func (s *Server) handleTurn(c *gin.Context) {
	var req model.TurnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": gateway.CodeInvalidEvent})
		return
	}

	result, err := s.orchestrator.OnTurn(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleBreak(c *gin.Context) {
	sess, err := s.orchestrator.TakeBreak(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// handleEndSession 结束会话并通知所有展示端。重复调用返回同一快照。
func (s *Server) handleEndSession(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.orchestrator.EndSession(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if s.hub != nil {
		s.hub.NotifyEnded(id)
	}
	c.JSON(http.StatusOK, sess)
}

func (s *Server) handleTimeline(c *gin.Context) {
	records, err := s.orchestrator.Timeline(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "records": records})
}

// handleSessionStream 升级为 WebSocket，采集层经此上行事件，展示层经此收 UI 包。
func (s *Server) handleSessionStream(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.orchestrator.GetSession(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if sess.Ended() {
		s.writeError(c, orchestrator.ErrSessionEnded)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade 已经写过错误响应
		s.logger.Warn("upgrade websocket failed", zap.String("session_id", id), zap.Error(err))
		return
	}
	s.logger.Info("stream connected", zap.String("session_id", id), zap.String("remote", c.Request.RemoteAddr))

	conn := gateway.NewConn(id, ws, s.orchestrator, s.hub, s.config.Gateway, s.logger)
	conn.Run(c.Request.Context())
}

// handleSpeech 把最近一轮的台词与选项合成为音频。
func (s *Server) handleSpeech(c *gin.Context) {
	if s.speech == nil {
		s.writeError(c, speech.ErrDisabled)
		return
	}
	sess, err := s.orchestrator.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	if sess.LastResult == nil {
		s.writeError(c, speech.ErrEmptyText)
		return
	}

	res := sess.LastResult
	text := strings.TrimSpace(res.Speech.Text + " " + res.Speech.ChoicePresentation)
	audio, err := s.speech.Synthesize(c.Request.Context(), text, res.Avatar.Tone)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.Header("X-Turn-ID", res.TurnID)
	c.Data(http.StatusOK, audio.ContentType, audio.Data)
}

// writeError 把流水线错误映射为状态码；内部错误只记日志，不把细节返回给客户端。
func (s *Server) writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("session_id", c.Param("id")),
			zap.Error(err))
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg, "code": errorCode(err)})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidEvent):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gate.ErrTurnCancelled), errors.Is(err, orchestrator.ErrSessionEnded):
		return http.StatusConflict
	case errors.Is(err, session.ErrQueueFull), errors.Is(err, speech.ErrThrottled):
		return http.StatusTooManyRequests
	case errors.Is(err, speech.ErrEmptyText):
		return http.StatusConflict
	case errors.Is(err, speech.ErrRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, speech.ErrDisabled):
		return http.StatusServiceUnavailable
	case errors.Is(err, speech.ErrUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, speech.ErrDisabled):
		return "speech_disabled"
	case errors.Is(err, speech.ErrEmptyText):
		return "nothing_to_say"
	case errors.Is(err, speech.ErrThrottled), errors.Is(err, speech.ErrRejected), errors.Is(err, speech.ErrUnavailable):
		return "speech_failed"
	}
	return gateway.ErrorCode(err)
}

// requestLogger 用 zap 记录访问日志，替代 gin.Logger 的文本输出。
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) corsMiddleware() gin.HandlerFunc {
	allowed := make(map[string]bool, len(s.config.Gateway.AllowedOrigins))
	for _, o := range s.config.Gateway.AllowedOrigins {
		allowed[o] = true
	}
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowed["*"] || allowed[origin]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
