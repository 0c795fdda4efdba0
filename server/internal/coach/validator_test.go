package coach

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speech-coach/server/internal/model"
)

func greenConstraints() model.Constraints {
	return BuildConstraints(model.LevelGreen, model.SessionConfig{AvatarTone: model.ToneWarm}, nil)
}

func TestValidateAcceptsGentleLine(t *testing.T) {
	v := Validate(model.LLMGeneration{
		CoachLine:          "Nice listening! Let's look at the picture together.",
		ChoicePresentation: "Do you want to try again or pick a new card?",
	}, greenConstraints())

	assert.True(t, v.Valid)
	assert.Empty(t, v.Reason)
	assert.Len(t, v.Checks, 5)
}

// "wrong" 触发 no_forbidden_words，40 个词触发 length_appropriate，两项都出现在 checks 里
func TestValidateReportsEveryFailedCheck(t *testing.T) {
	line := "That answer was wrong " + strings.Repeat("la ", 36)
	require.Equal(t, 40, WordCount(line))

	v := Validate(model.LLMGeneration{CoachLine: line, ChoicePresentation: "Pick one."}, greenConstraints())

	assert.False(t, v.Valid)
	assert.False(t, v.Checks[model.CheckNoForbiddenWords])
	assert.False(t, v.Checks[model.CheckLengthAppropriate])
	assert.True(t, v.Checks[model.CheckHasChoices])
	assert.Contains(t, v.Reason, model.CheckNoForbiddenWords)
	assert.Contains(t, v.Reason, model.CheckLengthAppropriate)
}

func TestValidateChecks(t *testing.T) {
	tests := []struct {
		name   string
		gen    model.LLMGeneration
		level  model.Level
		failed []string
	}{
		{
			name:   "大小写不敏感的禁用词",
			gen:    model.LLMGeneration{CoachLine: "Not a BAD JOB at all.", ChoicePresentation: "Pick one."},
			failed: []string{model.CheckNoForbiddenWords},
		},
		{
			name:   "没有选项文案",
			gen:    model.LLMGeneration{CoachLine: "Good try.", ChoicePresentation: "  "},
			failed: []string{model.CheckHasChoices},
		},
		{
			name:   "评判性句式",
			gen:    model.LLMGeneration{CoachLine: "You should listen.", ChoicePresentation: "Why didn't you pick?"},
			failed: []string{model.CheckNonJudgmental},
		},
		{
			name:   "that's not right",
			gen:    model.LLMGeneration{CoachLine: "Hmm, that’s not right.", ChoicePresentation: "Pick one."},
			failed: []string{model.CheckNonJudgmental},
		},
		{
			name:   "ORANGE 句子过多",
			level:  model.LevelOrange,
			gen:    model.LLMGeneration{CoachLine: "Okay. Let's breathe. Slowly now.", ChoicePresentation: "Pick one."},
			failed: []string{model.CheckSentenceCount},
		},
		{
			name:   "GREEN 三句可以",
			gen:    model.LLMGeneration{CoachLine: "Okay. Let's breathe. Slowly now.", ChoicePresentation: "Pick one."},
			failed: []string{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := BuildConstraints(tt.level, model.SessionConfig{}, nil)
			v := Validate(tt.gen, c)
			assert.Equal(t, tt.failed, v.Failed())
			assert.Equal(t, len(tt.failed) == 0, v.Valid)
		})
	}
}

// 兜底台词在任何等级下都必须通过校验
func TestFallbackPassesAtEveryLevel(t *testing.T) {
	for _, level := range model.Levels() {
		v := Validate(Fallback(), BuildConstraints(level, model.SessionConfig{}, nil))
		assert.True(t, v.Valid, "level %s: %s", level, v.Reason)
	}
}

func TestSentenceCount(t *testing.T) {
	assert.Equal(t, 0, SentenceCount(""))
	assert.Equal(t, 1, SentenceCount("hello there"))
	assert.Equal(t, 2, SentenceCount("Wow!! Great job..."))
}
