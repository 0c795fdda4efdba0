package gate

import (
	"time"

	"speech-coach/server/internal/model"
)

// Assembly 组装结果所需的各阶段输出。
type Assembly struct {
	SessionID            string
	TurnID               string
	State                model.State
	Event                model.Event
	Level                model.Level
	Signals              []model.Signal
	Interventions        []model.Intervention
	SessionConfig        model.SessionConfig
	ScheduledBreak       bool
	Generation           model.LLMGeneration
	Validation           model.LLMValidation
	FallbackUsed         bool
	FallbackReason       string
	ClassificationSource model.ClassificationSource
	CreatedAt            time.Time
}

// Assemble 确定性地合并各阶段输出；切片全部拷贝，结果不与输入共享内存。
func Assemble(a Assembly) *model.SafetyGateResult {
	signals := append(make([]model.Signal, 0, len(a.Signals)), a.Signals...)
	interventions := append(make([]model.Intervention, 0, len(a.Interventions)), a.Interventions...)

	choices := make([]model.Choice, 0, len(interventions))
	for _, in := range interventions {
		choices = append(choices, model.Choice{Intervention: in, Label: in.Label()})
	}

	attempt := a.State.CardAttempt
	if attempt < 1 {
		attempt = 1
	}

	var wasCorrect *bool
	if a.Event.Correct != nil {
		c := *a.Event.Correct
		wasCorrect = &c
	}

	checks := make(map[string]bool, len(a.Validation.Checks))
	for k, v := range a.Validation.Checks {
		checks[k] = v
	}

	return &model.SafetyGateResult{
		SessionID:      a.SessionID,
		TurnID:         a.TurnID,
		Level:          a.Level,
		Signals:        signals,
		Interventions:  interventions,
		Choices:        choices,
		SessionConfig:  a.SessionConfig,
		Avatar:         model.Avatar{Tone: a.SessionConfig.AvatarTone, Expression: expression(a.Level)},
		Speech:         model.Speech{Text: a.Generation.CoachLine, ChoicePresentation: a.Generation.ChoicePresentation},
		ScheduledBreak: a.ScheduledBreak,
		Validation: model.LLMValidation{
			Valid:  a.Validation.Valid,
			Checks: checks,
			Reason: a.Validation.Reason,
		},
		FallbackUsed:         a.FallbackUsed,
		FallbackReason:       a.FallbackReason,
		ClassificationSource: a.ClassificationSource,
		AttemptNumber:        attempt,
		ResponseHistory:      a.Event.ResponseHistory(),
		WasCorrect:           wasCorrect,
		CreatedAt:            a.CreatedAt,
	}
}

func expression(level model.Level) string {
	switch level {
	case model.LevelGreen:
		return "happy"
	case model.LevelYellow:
		return "encouraging"
	case model.LevelOrange:
		return "gentle"
	case model.LevelRed:
		return "calm"
	default:
		return "calm"
	}
}
