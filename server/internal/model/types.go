package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidEvent 表示事件在进入流水线之前就被拒绝。
var ErrInvalidEvent = errors.New("invalid event")

// 量表上下界。
const (
	ScaleMin = 0.0
	ScaleMax = 10.0

	// MaxResponseChars 单轮回答文本上限，超出视为采集层异常。
	MaxResponseChars = 500
)

// EventType 区分一次作答还是一次超时未作答。
type EventType string

const (
	EventTypeResponse EventType = "RESPONSE"
	EventTypeInactive EventType = "INACTIVE"
)

// AudioSignals 采集层预先计算好的音频标记。
type AudioSignals struct {
	Screaming        bool `json:"screaming"`
	Crying           bool `json:"crying"`
	ProlongedSilence bool `json:"prolonged_silence"`
}

// Event 表示孩子的一轮输入。由采集层创建，只消费一次。
type Event struct {
	Type EventType `json:"type" binding:"required,oneof=RESPONSE INACTIVE"`
	// Correct 由上游判分逻辑给出，nil 表示未判分。
	Correct  *bool  `json:"correct,omitempty"`
	Response string `json:"response"`
	// PreviousResponse/PreviousResponse2 是最近两次回答，用于重复检测与回显。
	PreviousResponse  string        `json:"previous_response,omitempty"`
	PreviousResponse2 string        `json:"previous_response_2,omitempty"`
	Signals           *AudioSignals `json:"signals,omitempty"`
	CardID            string        `json:"card_id,omitempty"`
	ClientTS          time.Time     `json:"client_ts,omitempty"`
}

// Validate 在边界拒绝畸形事件，不做静默修正。
func (e Event) Validate() error {
	switch e.Type {
	case EventTypeResponse, EventTypeInactive:
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidEvent)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidEvent, e.Type)
	}
	if len(e.Response) > MaxResponseChars {
		return fmt.Errorf("%w: response longer than %d chars", ErrInvalidEvent, MaxResponseChars)
	}
	if e.Type == EventTypeInactive && e.Correct != nil {
		return fmt.Errorf("%w: inactive event cannot be graded", ErrInvalidEvent)
	}
	return nil
}

// ResponseHistory 返回从旧到新的非空回答尾部（最多三条）。
func (e Event) ResponseHistory() []string {
	out := make([]string, 0, 3)
	for _, r := range []string{e.PreviousResponse2, e.PreviousResponse, e.Response} {
		if strings.TrimSpace(r) != "" {
			out = append(out, r)
		}
	}
	return out
}

// State 会话级连续状态。由会话独占，逐轮被追踪器修改，流水线只读。
type State struct {
	EngagementLevel    float64 `json:"engagement_level" yaml:"engagement_level"`
	DysregulationLevel float64 `json:"dysregulation_level" yaml:"dysregulation_level"`
	FatigueLevel       float64 `json:"fatigue_level" yaml:"fatigue_level"`
	ConsecutiveErrors  int     `json:"consecutive_errors" yaml:"consecutive_errors"`
	TotalErrors        int     `json:"total_errors" yaml:"total_errors"`
	// ErrorFrequency 每分钟错误数。
	ErrorFrequency float64 `json:"error_frequency" yaml:"error_frequency"`
	// 单位：秒。
	TimeInSession         float64   `json:"time_in_session" yaml:"time_in_session"`
	TimeSinceBreak        float64   `json:"time_since_break" yaml:"time_since_break"`
	LastActivityTimestamp time.Time `json:"last_activity_timestamp" yaml:"-"`

	CurrentCardID string `json:"current_card_id,omitempty" yaml:"-"`
	CardAttempt   int    `json:"card_attempt" yaml:"-"`
}

// NewState 新会话的初始状态。
func NewState(now time.Time) State {
	return State{
		EngagementLevel:       7,
		LastActivityTimestamp: now,
	}
}

// Clamp 把所有有界量表压回 [0,10]，计数不为负。
func (s *State) Clamp() {
	s.EngagementLevel = clampScale(s.EngagementLevel)
	s.DysregulationLevel = clampScale(s.DysregulationLevel)
	s.FatigueLevel = clampScale(s.FatigueLevel)
	if s.ConsecutiveErrors < 0 {
		s.ConsecutiveErrors = 0
	}
	if s.TotalErrors < 0 {
		s.TotalErrors = 0
	}
	if s.ErrorFrequency < 0 {
		s.ErrorFrequency = 0
	}
}

func clampScale(v float64) float64 {
	if v < ScaleMin {
		return ScaleMin
	}
	if v > ScaleMax {
		return ScaleMax
	}
	return v
}

// CardContext 当前题卡，用于丰富生成提示词。
type CardContext struct {
	CardID          string   `json:"card_id"`
	Category        string   `json:"category"`
	Prompt          string   `json:"prompt"`
	TargetSound     string   `json:"target_sound,omitempty"`
	ExpectedAnswers []string `json:"expected_answers,omitempty"`
	VisualAids      []string `json:"visual_aids,omitempty"`
}

// SessionConfig 由等级推导的节奏/语气参数，每轮重算。
type SessionConfig struct {
	PromptIntensity int  `json:"prompt_intensity" yaml:"prompt_intensity"`
	AvatarTone      Tone `json:"avatar_tone" yaml:"avatar_tone"`
	// 单位：秒。
	MaxTaskTime       int `json:"max_task_time" yaml:"max_task_time"`
	InactivityTimeout int `json:"inactivity_timeout" yaml:"inactivity_timeout"`
}

// Session 会话快照：状态 + 最近一次结果。
type Session struct {
	SessionID   string            `json:"session_id"`
	StudentName string            `json:"student_name,omitempty"`
	State       State             `json:"state"`
	CreatedAt   time.Time         `json:"created_at"`
	EndedAt     *time.Time        `json:"ended_at,omitempty"`
	LastResult  *SafetyGateResult `json:"last_result,omitempty"`
}

// Clone 深拷贝，避免调用方与存储共享可变数据。
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.EndedAt != nil {
		ended := *s.EndedAt
		out.EndedAt = &ended
	}
	if s.LastResult != nil {
		out.LastResult = s.LastResult.Clone()
	}
	return &out
}

// Ended 会话是否已结束。
func (s *Session) Ended() bool {
	return s != nil && s.EndedAt != nil
}
