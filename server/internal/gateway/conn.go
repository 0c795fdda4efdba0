package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"speech-coach/server/internal/config"
	"speech-coach/server/internal/gate"
	"speech-coach/server/internal/logging"
	"speech-coach/server/internal/model"
	"speech-coach/server/internal/orchestrator"
	"speech-coach/server/internal/session"
)

const internalErrorMessage = "internal error"

const (
	defaultPingInterval = 30 * time.Second
	writeWait           = 5 * time.Second
	// 连接内待处理的轮次上限，超出直接回 busy
	inboxCapacity = 8
	// 断开后结束会话的最长等待
	endSessionTimeout = 5 * time.Second
)

// Handler 网关把采集层事件交给编排器处理。
type Handler interface {
	OnTurn(ctx context.Context, sessionID string, req model.TurnRequest) (*model.SafetyGateResult, error)
	TakeBreak(ctx context.Context, sessionID string) (*model.Session, error)
	EndSession(ctx context.Context, sessionID string) (*model.Session, error)
}

// Conn 是采集层的一条 WebSocket 连接
// 职责：
// 1. 读取客户端事件，轮次按到达顺序交给编排器
// 2. 控制事件（休息/结束）不排队，结束会话能立刻取消进行中的轮次
// 3. 下行消息统一加锁写，分配连接内序号
// 4. 定时 ping 保活
type Conn struct {
	sessionID string
	ws        *websocket.Conn
	handler   Handler
	hub       *Hub
	config    config.GatewayConfig

	writeMu sync.Mutex
	seq     int64

	inbox chan *ClientMessage

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup

	now    func() time.Time
	logger *zap.Logger
}

// NewConn 包装一条已升级的连接。hub 为空时轮次结果由连接自己下发。
func NewConn(sessionID string, ws *websocket.Conn, handler Handler, hub *Hub, cfg config.GatewayConfig, logger *zap.Logger) *Conn {
	return &Conn{
		sessionID: sessionID,
		ws:        ws,
		handler:   handler,
		hub:       hub,
		config:    cfg,
		inbox:     make(chan *ClientMessage, inboxCapacity),
		now:       time.Now,
		logger:    logging.OrNop(logger).With(zap.String("component", "gateway"), zap.String("session_id", sessionID)),
	}
}

// Run 阻塞直到连接断开或 ctx 结束。
func (c *Conn) Run(ctx context.Context) {
	c.ctx, c.cancel = context.WithCancel(ctx)
	if c.hub != nil {
		c.hub.Register(c)
		defer c.hub.Unregister(c)
	}

	c.wg.Add(2)
	go c.turnLoop()
	go c.pingLoop()

	// ctx 结束时关闭底层连接，让 ReadMessage 返回
	stop := context.AfterFunc(c.ctx, func() { _ = c.ws.Close() })
	defer stop()

	c.readLoop()

	c.Close()
	c.wg.Wait()

	if c.config.EndSessionOnDisconnect {
		c.endOnDisconnect()
	}
	c.logger.Info("connection closed")
}

func (c *Conn) readLoop() {
	interval := c.pingInterval()
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * interval))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * interval))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Warn("client read error", zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.sendError("", CodeInvalidMessage, errors.New("binary frames are not supported"))
			continue
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("", CodeInvalidMessage, fmt.Errorf("decode message: %w", err))
			continue
		}
		if done := c.dispatch(&msg); done {
			return
		}
	}
}

// dispatch 返回 true 表示连接应当结束。
func (c *Conn) dispatch(msg *ClientMessage) bool {
	switch msg.Type {
	case EventTypeTurn:
		if msg.Event == nil {
			c.sendError(msg.EventID, CodeInvalidEvent, fmt.Errorf("%w: event is required", model.ErrInvalidEvent))
			return false
		}
		select {
		case c.inbox <- msg:
		default:
			c.sendError(msg.EventID, CodeBusy, errors.New("too many pending turns"))
		}
		return false

	case EventTypeBreak:
		sess, err := c.handler.TakeBreak(c.ctx, c.sessionID)
		if err != nil {
			c.sendError(msg.EventID, ErrorCode(err), err)
			return false
		}
		state := sess.State
		c.send(&ServerMessage{Type: EventTypeBreakTaken, EventID: msg.EventID, State: &state})
		return false

	case EventTypeEndSession:
		if _, err := c.handler.EndSession(c.ctx, c.sessionID); err != nil {
			c.sendError(msg.EventID, ErrorCode(err), err)
			return false
		}
		c.send(&ServerMessage{Type: EventTypeSessionEnded, EventID: msg.EventID})
		return true

	default:
		c.sendError(msg.EventID, CodeInvalidMessage, fmt.Errorf("unknown message type %q", msg.Type))
		return false
	}
}

// turnLoop 逐个处理轮次，保持客户端发送顺序。
func (c *Conn) turnLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case msg := <-c.inbox:
			req := model.TurnRequest{Event: *msg.Event, Card: msg.Card}
			result, err := c.handler.OnTurn(c.ctx, c.sessionID, req)
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				c.logger.Info("turn rejected", zap.String("event_id", msg.EventID), zap.Error(err))
				c.sendError(msg.EventID, ErrorCode(err), err)
				continue
			}
			// 有 hub 时结果经 Publish 广播，这里不重复下发
			if c.hub == nil {
				c.send(&ServerMessage{Type: EventTypeUIPackage, EventID: msg.EventID, TurnID: result.TurnID, Package: result})
			}
		}
	}
}

func (c *Conn) pingLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pingInterval())
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				c.Close()
				return
			}
		}
	}
}

func (c *Conn) endOnDisconnect() {
	ctx, cancel := context.WithTimeout(context.Background(), endSessionTimeout)
	defer cancel()
	if _, err := c.handler.EndSession(ctx, c.sessionID); err != nil && !errors.Is(err, session.ErrNotFound) {
		c.logger.Warn("end session on disconnect failed", zap.Error(err))
	}
}

func (c *Conn) pingInterval() time.Duration {
	if c.config.PingInterval > 0 {
		return c.config.PingInterval
	}
	return defaultPingInterval
}

// send 分配序号并写出，写失败时关闭连接。
func (c *Conn) send(msg *ServerMessage) error {
	if msg.ServerTS.IsZero() {
		msg.ServerTS = c.now()
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.seq++
	msg.Seq = c.seq

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal server message: %w", err)
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.Debug("write to client failed", zap.Error(err))
		// 不能在持锁时调用 Close；取消 ctx 后由 Run 收尾
		c.cancel()
		return fmt.Errorf("write to client: %w", err)
	}
	return nil
}

// sendError 内部错误只记日志，下发给客户端的只有固定文案。
func (c *Conn) sendError(eventID, code string, err error) {
	msg := err.Error()
	if code == CodeInternal {
		c.logger.Error("turn failed", zap.String("event_id", eventID), zap.Error(err))
		msg = internalErrorMessage
	}
	_ = c.send(&ServerMessage{Type: EventTypeError, EventID: eventID, Code: code, Error: msg})
}

// SessionID 连接所属会话。
func (c *Conn) SessionID() string {
	return c.sessionID
}

// Close 关闭连接，可重复调用。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}

// ErrorCode 把流水线错误映射为下行错误码。
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, model.ErrInvalidEvent):
		return CodeInvalidEvent
	case errors.Is(err, session.ErrNotFound):
		return CodeSessionNotFound
	case errors.Is(err, gate.ErrTurnCancelled):
		return CodeTurnCancelled
	case errors.Is(err, orchestrator.ErrSessionEnded), errors.Is(err, session.ErrQueueClosed):
		return CodeSessionEnded
	case errors.Is(err, session.ErrQueueFull):
		return CodeBusy
	default:
		return CodeInternal
	}
}

// NewUpgrader 按白名单校验 Origin。未配置白名单或包含 "*" 时全部放行；没有 Origin 头的非浏览器客户端总是放行。
func NewUpgrader(cfg config.GatewayConfig) websocket.Upgrader {
	allowed := make(map[string]bool, len(cfg.AllowedOrigins))
	for _, o := range cfg.AllowedOrigins {
		allowed[o] = true
	}
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || len(allowed) == 0 || allowed["*"] {
				return true
			}
			return allowed[origin]
		},
	}
}
