package gateway

import (
	"time"

	"speech-coach/server/internal/model"
)

// EventType 定义了网关处理的事件类型
type EventType string

const (
	// 采集层上行事件
	EventTypeTurn       EventType = "turn"        // 一轮作答或超时
	EventTypeBreak      EventType = "break"       // 孩子选择了休息
	EventTypeEndSession EventType = "end_session" // 结束会话

	// 下行事件
	EventTypeUIPackage    EventType = "ui_package"    // 一轮的安全闸门结果
	EventTypeBreakTaken   EventType = "break_taken"   // 休息已记录
	EventTypeSessionEnded EventType = "session_ended" // 会话已结束
	EventTypeError        EventType = "error"         // 处理失败
)

// 错误码，随 error 消息下发，便于客户端区分可重试与不可重试。
const (
	CodeInvalidMessage  = "invalid_message"
	CodeInvalidEvent    = "invalid_event"
	CodeSessionNotFound = "session_not_found"
	CodeSessionEnded    = "session_ended"
	CodeTurnCancelled   = "turn_cancelled"
	CodeBusy            = "busy"
	CodeInternal        = "internal"
)

// ClientMessage 客户端发送给网关的消息（WebSocket文本帧）
type ClientMessage struct {
	Type    EventType          `json:"type"`
	EventID string             `json:"event_id,omitempty"` // 客户端关联用，原样回显
	Event   *model.Event       `json:"event,omitempty"`
	Card    *model.CardContext `json:"card,omitempty"`
}

// ServerMessage 网关发送给客户端的消息
type ServerMessage struct {
	Type     EventType        `json:"type"`
	Seq      int64            `json:"seq,omitempty"` // 单连接内单调递增
	EventID  string           `json:"event_id,omitempty"`
	TurnID   string           `json:"turn_id,omitempty"`
	Package  *model.UIPackage `json:"package,omitempty"`
	State    *model.State     `json:"state,omitempty"`
	Code     string           `json:"code,omitempty"`
	Error    string           `json:"error,omitempty"`
	ServerTS time.Time        `json:"server_ts"`
}
