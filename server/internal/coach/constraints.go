// Package coach 生成并校验说给孩子听的教练台词。
package coach

import "speech-coach/server/internal/model"

// MaxCoachWords coach_line 的词数上限。
const MaxCoachWords = 30

// ForbiddenWords 不允许出现在台词中的词，大小写不敏感的子串匹配。
var ForbiddenWords = []string{
	"wrong",
	"incorrect",
	"failed",
	"failure",
	"stupid",
	"lazy",
	"hurry",
	"bad job",
	"disappointed",
	"terrible",
	"dumb",
}

// MaxSentences 越紧张越短：GREEN/YELLOW 三句，ORANGE/RED 两句。
func MaxSentences(level model.Level) int {
	switch level {
	case model.LevelGreen, model.LevelYellow:
		return 3
	case model.LevelOrange, model.LevelRed:
		return 2
	default:
		return 2
	}
}

// BuildConstraints 生成约束文档，提示词和校验器用同一份。
func BuildConstraints(level model.Level, cfg model.SessionConfig, interventions []model.Intervention) model.Constraints {
	tone := cfg.AvatarTone
	if tone == "" {
		tone = model.ToneCalm
	}
	return model.Constraints{
		Level:            level,
		Tone:             tone,
		MaxWords:         MaxCoachWords,
		MaxSentences:     MaxSentences(level),
		ForbiddenWords:   append([]string(nil), ForbiddenWords...),
		MustOfferChoices: true,
		MustNotPressure:  true,
		Interventions:    append([]model.Intervention(nil), interventions...),
	}
}
