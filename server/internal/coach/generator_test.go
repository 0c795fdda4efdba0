package coach

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speech-coach/server/internal/llm"
	"speech-coach/server/internal/model"
)

func yellowRequest() Request {
	interventions := []model.Intervention{model.InterventionSkipCard, model.InterventionRetryCard}
	return Request{
		Constraints: BuildConstraints(model.LevelYellow, model.SessionConfig{AvatarTone: model.ToneCalm}, interventions),
		Card: &model.CardContext{
			CardID:          "c1",
			Category:        "animals",
			Prompt:          "What animal is this?",
			TargetSound:     "k",
			ExpectedAnswers: []string{"cat", "kitty"},
			VisualAids:      []string{"orange cat on a mat"},
		},
		Event: model.Event{Type: model.EventTypeResponse, Response: "I don't know"},
		State: model.State{ConsecutiveErrors: 3},
	}
}

func TestGenerateParsesReply(t *testing.T) {
	mock := llm.NewMockClient()
	mock.SetResponse("coach_response", "```json\n{\"coach_line\":\" That's okay! \",\"choice_presentation\":\"Skip or try again?\"}\n```")

	res := NewGenerator(mock, time.Second, nil).Generate(context.Background(), yellowRequest())
	require.NoError(t, res.Err)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, "That's okay!", res.Generation.CoachLine)
	assert.Equal(t, 1, mock.Calls())
}

func TestGeneratePromptCarriesConstraintsAndCard(t *testing.T) {
	mock := llm.NewMockClient()
	_ = NewGenerator(mock, time.Second, nil).Generate(context.Background(), yellowRequest())

	require.Len(t, mock.LastMessages, 2)
	system := mock.LastMessages[0].Content
	assert.Contains(t, system, "at most 30 words")
	assert.Contains(t, system, "wrong")
	assert.Contains(t, system, `"Skip this one"`)
	assert.Contains(t, system, "orange cat on a mat")
	assert.Contains(t, mock.LastMessages[1].Content, `"I don't know"`)
	require.NotNil(t, mock.LastSchema)
	assert.Equal(t, "coach_response", mock.LastSchema.Name)
}

func TestGenerateFallsBack(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *llm.MockClient)
	}{
		{name: "后端报错", setup: func(m *llm.MockClient) { m.ShouldFail = true }},
		{name: "非 JSON", setup: func(m *llm.MockClient) { m.SetResponse("coach_response", "Great job!") }},
		{name: "缺 coach_line", setup: func(m *llm.MockClient) {
			m.SetResponse("coach_response", `{"choice_presentation":"Pick one."}`)
		}},
		{name: "空 coach_line", setup: func(m *llm.MockClient) {
			m.SetResponse("coach_response", `{"coach_line":"","choice_presentation":"Pick one."}`)
		}},
		{name: "多余字段", setup: func(m *llm.MockClient) {
			m.SetResponse("coach_response", `{"coach_line":"Hi","choice_presentation":"Pick","emoji":"x"}`)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := llm.NewMockClient()
			tt.setup(mock)

			res := NewGenerator(mock, time.Second, nil).Generate(context.Background(), yellowRequest())
			assert.True(t, res.FallbackUsed)
			assert.Error(t, res.Err)
			assert.Equal(t, Fallback(), res.Generation)
			assert.Equal(t, 1, mock.Calls(), "不重试")
		})
	}
}

func TestGenerateTimeout(t *testing.T) {
	mock := llm.NewMockClient()
	mock.Delay = time.Second

	res := NewGenerator(mock, 20*time.Millisecond, nil).Generate(context.Background(), yellowRequest())
	assert.True(t, res.FallbackUsed)
	assert.True(t, errors.Is(res.Err, context.DeadlineExceeded))
}

func TestGenerateWithoutClient(t *testing.T) {
	res := NewGenerator(nil, 0, nil).Generate(context.Background(), yellowRequest())
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, FallbackCoachLine, res.Generation.CoachLine)
}
