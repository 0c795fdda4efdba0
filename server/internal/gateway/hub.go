package gateway

import (
	"sync"

	"go.uber.org/zap"

	"speech-coach/server/internal/logging"
	"speech-coach/server/internal/model"
)

// Hub 管理所有活跃连接（sessionID -> 连接集合），把编排器的结果推给展示层。
// 同一会话可以有多个展示端（孩子的平板 + 治疗师的监看页）。
type Hub struct {
	mu    sync.RWMutex
	conns map[string]map[*Conn]struct{}

	logger *zap.Logger
}

// NewHub 创建 Hub
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		conns:  make(map[string]map[*Conn]struct{}),
		logger: logging.OrNop(logger).With(zap.String("component", "hub")),
	}
}

// Register 登记连接
func (h *Hub) Register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.SessionID()]
	if !ok {
		set = make(map[*Conn]struct{})
		h.conns[c.SessionID()] = set
	}
	set[c] = struct{}{}
	h.logger.Debug("connection registered", zap.String("session_id", c.SessionID()), zap.Int("session_conns", len(set)))
}

// Unregister 注销连接
func (h *Hub) Unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.conns[c.SessionID()]
	if !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.conns, c.SessionID())
	}
}

// Count 会话当前的连接数
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[sessionID])
}

// Publish 实现 orchestrator.Publisher：把一轮结果推给该会话的所有连接。
func (h *Hub) Publish(sessionID string, result *model.SafetyGateResult) {
	for _, c := range h.snapshot(sessionID) {
		msg := &ServerMessage{Type: EventTypeUIPackage, TurnID: result.TurnID, Package: result}
		if err := c.send(msg); err != nil {
			h.logger.Debug("publish failed", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
}

// NotifyEnded 通知并关闭该会话的所有连接（会话经 HTTP 结束时使用）。
func (h *Hub) NotifyEnded(sessionID string) {
	for _, c := range h.snapshot(sessionID) {
		_ = c.send(&ServerMessage{Type: EventTypeSessionEnded})
		c.Close()
	}
}

// CloseAll 关闭全部连接，用于进程退出。
func (h *Hub) CloseAll() {
	h.mu.RLock()
	all := make([]*Conn, 0)
	for _, set := range h.conns {
		for c := range set {
			all = append(all, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range all {
		c.Close()
	}
}

func (h *Hub) snapshot(sessionID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.conns[sessionID]
	out := make([]*Conn, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}
