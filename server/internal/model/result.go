package model

import "time"

// Constraints 约束文档：生成提示词与校验共用同一份。
type Constraints struct {
	Level            Level          `json:"level"`
	Tone             Tone           `json:"tone"`
	MaxWords         int            `json:"max_words"`
	MaxSentences     int            `json:"max_sentences"`
	ForbiddenWords   []string       `json:"forbidden_words"`
	MustOfferChoices bool           `json:"must_offer_choices"`
	MustNotPressure  bool           `json:"must_not_pressure"`
	Interventions    []Intervention `json:"interventions"`
}

// LLMGeneration 生成后端返回的两字段结构。
type LLMGeneration struct {
	CoachLine          string `json:"coach_line"`
	ChoicePresentation string `json:"choice_presentation"`
}

// 校验项名称。
const (
	CheckLengthAppropriate = "length_appropriate"
	CheckNoForbiddenWords  = "no_forbidden_words"
	CheckHasChoices        = "has_choices"
	CheckNonJudgmental     = "non_judgmental"
	CheckSentenceCount     = "sentence_count"
)

// LLMValidation 每项检查独立给出布尔结果，Reason 汇总所有失败项。
type LLMValidation struct {
	Valid  bool            `json:"valid"`
	Checks map[string]bool `json:"checks"`
	Reason string          `json:"reason,omitempty"`
}

// Failed 返回失败的检查项。
func (v LLMValidation) Failed() []string {
	out := make([]string, 0)
	for _, name := range []string{
		CheckLengthAppropriate,
		CheckNoForbiddenWords,
		CheckHasChoices,
		CheckNonJudgmental,
		CheckSentenceCount,
	} {
		if ok, present := v.Checks[name]; present && !ok {
			out = append(out, name)
		}
	}
	return out
}

// ClassificationSource 文本信号的来源。
type ClassificationSource string

const (
	ClassificationLLM     ClassificationSource = "llm"
	ClassificationKeyword ClassificationSource = "keyword"
	ClassificationSkipped ClassificationSource = "skipped"
)

// Choice UI 按钮。
type Choice struct {
	Intervention Intervention `json:"intervention"`
	Label        string       `json:"label"`
}

// Avatar 头像呈现参数。
type Avatar struct {
	Tone       Tone   `json:"tone"`
	Expression string `json:"expression"`
}

// Speech 最终要说给孩子听的内容。
type Speech struct {
	Text               string `json:"text"`
	ChoicePresentation string `json:"choice_presentation"`
}

// SafetyGateResult 一轮的终态结果，交给展示层。完全反规范化，可直接 JSON 序列化。
type SafetyGateResult struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`

	Level          Level          `json:"level"`
	Signals        []Signal       `json:"signals"`
	Interventions  []Intervention `json:"interventions"`
	Choices        []Choice       `json:"choices"`
	SessionConfig  SessionConfig  `json:"session_config"`
	Avatar         Avatar         `json:"avatar"`
	Speech         Speech         `json:"speech"`
	ScheduledBreak bool           `json:"scheduled_break"`

	Validation           LLMValidation        `json:"validation"`
	FallbackUsed         bool                 `json:"fallback_used"`
	FallbackReason       string               `json:"fallback_reason,omitempty"`
	ClassificationSource ClassificationSource `json:"classification_source"`

	// 回显字段，供 UI 记录日志。
	AttemptNumber   int      `json:"attempt_number"`
	ResponseHistory []string `json:"response_history"`
	WasCorrect      *bool    `json:"was_correct,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// UIPackage 展示层对同一对象的叫法。
type UIPackage = SafetyGateResult

// Clone 深拷贝切片与指针字段。
func (r *SafetyGateResult) Clone() *SafetyGateResult {
	if r == nil {
		return nil
	}
	out := *r
	out.Signals = append([]Signal(nil), r.Signals...)
	out.Interventions = append([]Intervention(nil), r.Interventions...)
	out.Choices = append([]Choice(nil), r.Choices...)
	out.ResponseHistory = append([]string(nil), r.ResponseHistory...)
	if r.Validation.Checks != nil {
		out.Validation.Checks = make(map[string]bool, len(r.Validation.Checks))
		for k, v := range r.Validation.Checks {
			out.Validation.Checks[k] = v
		}
	}
	if r.WasCorrect != nil {
		correct := *r.WasCorrect
		out.WasCorrect = &correct
	}
	return &out
}

// TurnRecord 时间线中的一条记录。
type TurnRecord struct {
	// Seq 由后端分配的单调序号。
	Seq       int64  `json:"seq"`
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	// Kind: turn_event | turn_result | break_taken | session_ended
	Kind     string            `json:"kind"`
	Event    *Event            `json:"event,omitempty"`
	Result   *SafetyGateResult `json:"result,omitempty"`
	ServerTS time.Time         `json:"server_ts"`
}

const (
	RecordTurnEvent    = "turn_event"
	RecordTurnResult   = "turn_result"
	RecordBreakTaken   = "break_taken"
	RecordSessionEnded = "session_ended"
)

// CreateSessionRequest 创建会话请求。
type CreateSessionRequest struct {
	StudentName  string `json:"student_name"`
	InitialState *State `json:"initial_state,omitempty"`
}

// CreateSessionResponse 创建会话响应。
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	State     State  `json:"state"`
}

// TurnRequest 一轮请求：事件 + 可选的题卡（缺省时按 card_id 从题库查找）。
type TurnRequest struct {
	Event Event        `json:"event" binding:"required"`
	Card  *CardContext `json:"card,omitempty"`
}
