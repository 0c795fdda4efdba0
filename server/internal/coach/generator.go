package coach

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"speech-coach/server/internal/llm"
	"speech-coach/server/internal/logging"
	"speech-coach/server/internal/model"
)

// DefaultGenerationTimeout 生成调用的默认超时。
const DefaultGenerationTimeout = 8 * time.Second

// 兜底台词：后端全挂也要有一句温和的话。
const (
	FallbackCoachLine          = "I heard you! Let's try again!"
	FallbackChoicePresentation = "What would you like to do?"
)

// Fallback 返回固定的安全台词。
func Fallback() model.LLMGeneration {
	return model.LLMGeneration{
		CoachLine:          FallbackCoachLine,
		ChoicePresentation: FallbackChoicePresentation,
	}
}

// ResponseSchema 生成回复必须恰好包含两个字符串字段。
var ResponseSchema = llm.MustCompileSchema(&llm.JSONSchema{
	Name: "coach_response",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"coach_line":          map[string]any{"type": "string", "minLength": 1},
			"choice_presentation": map[string]any{"type": "string"},
		},
		"required":             []string{"coach_line", "choice_presentation"},
		"additionalProperties": false,
	},
	Strict: true,
})

// Request 一次生成所需的全部输入。
type Request struct {
	Constraints model.Constraints
	Card        *model.CardContext
	Event       model.Event
	State       model.State
}

// GenerationResult 生成结果；失败时 Generation 已经是兜底台词。
type GenerationResult struct {
	Generation   model.LLMGeneration
	FallbackUsed bool
	Err          error
}

// Generator 调用 LLM 生成教练台词
type Generator struct {
	client  llm.Client
	timeout time.Duration
	logger  *zap.Logger
}

// NewGenerator 创建生成器。client 为 nil 时总是返回兜底台词。
func NewGenerator(client llm.Client, timeout time.Duration, logger *zap.Logger) *Generator {
	if timeout <= 0 {
		timeout = DefaultGenerationTimeout
	}
	return &Generator{
		client:  client,
		timeout: timeout,
		logger:  logging.OrNop(logger).With(zap.String("component", "generator")),
	}
}

// Generate 只调用一次后端，不重试。
func (g *Generator) Generate(ctx context.Context, req Request) GenerationResult {
	if g.client == nil {
		return g.fallback(errors.New("no generation backend configured"))
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: BuildSystemPrompt(req)},
		{Role: "user", Content: buildUserPrompt(req)},
	}
	reply, err := g.client.Complete(ctx, messages, ResponseSchema.Definition())
	if err != nil {
		return g.fallback(fmt.Errorf("generation call: %w", err))
	}

	var gen model.LLMGeneration
	if err := ResponseSchema.Decode(reply, &gen); err != nil {
		return g.fallback(fmt.Errorf("generation reply: %w", err))
	}
	if strings.TrimSpace(gen.CoachLine) == "" {
		return g.fallback(errors.New("generation reply: empty coach_line"))
	}
	gen.CoachLine = strings.TrimSpace(gen.CoachLine)
	gen.ChoicePresentation = strings.TrimSpace(gen.ChoicePresentation)
	return GenerationResult{Generation: gen}
}

func (g *Generator) fallback(cause error) GenerationResult {
	g.logger.Warn("coach generation degraded to canned line", zap.Error(cause))
	return GenerationResult{Generation: Fallback(), FallbackUsed: true, Err: cause}
}

// BuildSystemPrompt 把约束文档和题卡写进系统提示。
func BuildSystemPrompt(req Request) string {
	c := req.Constraints
	var b strings.Builder

	b.WriteString("You are a gentle speech-therapy coach talking to a young child during a picture-card game.\n\n")
	b.WriteString("Rules you must follow:\n")
	fmt.Fprintf(&b, "- Tone: %s.\n", toneHint(c.Tone))
	fmt.Fprintf(&b, "- coach_line: at most %d words and at most %d short sentences.\n", c.MaxWords, c.MaxSentences)
	if len(c.ForbiddenWords) > 0 {
		fmt.Fprintf(&b, "- Never use these words: %s.\n", strings.Join(c.ForbiddenWords, ", "))
	}
	if c.MustNotPressure {
		b.WriteString("- Never pressure or judge. Do not say \"you should\", \"you must\", \"try harder\" or \"why didn't you\".\n")
	}
	if c.MustOfferChoices {
		b.WriteString("- choice_presentation must invite the child to pick one of the options below, in one short sentence.\n")
	}
	fmt.Fprintf(&b, "\nSafety level: %s. %s\n", c.Level, levelHint(c.Level))

	if len(c.Interventions) > 0 {
		labels := make([]string, 0, len(c.Interventions))
		for _, in := range c.Interventions {
			labels = append(labels, fmt.Sprintf("%q", in.Label()))
		}
		fmt.Fprintf(&b, "Options shown to the child: %s.\n", strings.Join(labels, ", "))
	} else {
		b.WriteString("No special options are shown; encourage the child to keep playing.\n")
	}

	if card := req.Card; card != nil {
		b.WriteString("\nCurrent card:\n")
		if card.Category != "" {
			fmt.Fprintf(&b, "- Category: %s\n", card.Category)
		}
		if card.Prompt != "" {
			fmt.Fprintf(&b, "- Prompt: %s\n", card.Prompt)
		}
		if card.TargetSound != "" {
			fmt.Fprintf(&b, "- Target sound: %s\n", card.TargetSound)
		}
		if len(card.ExpectedAnswers) > 0 {
			fmt.Fprintf(&b, "- Expected answers: %s\n", strings.Join(card.ExpectedAnswers, ", "))
		}
		if len(card.VisualAids) > 0 {
			fmt.Fprintf(&b, "- Picture shows: %s\n", strings.Join(card.VisualAids, ", "))
		}
	}

	b.WriteString("\nReply only with JSON: {\"coach_line\": \"...\", \"choice_presentation\": \"...\"}.")
	return b.String()
}

func buildUserPrompt(req Request) string {
	evt := req.Event
	var b strings.Builder
	switch evt.Type {
	case model.EventTypeInactive:
		b.WriteString("The child has been quiet for a while and did not answer.\n")
	default:
		fmt.Fprintf(&b, "The child said: %q\n", evt.Response)
		if evt.Correct != nil {
			if *evt.Correct {
				b.WriteString("The answer matched the card.\n")
			} else {
				b.WriteString("The answer did not match the card yet.\n")
			}
		}
	}
	if req.State.ConsecutiveErrors > 0 {
		fmt.Fprintf(&b, "Misses in a row: %d.\n", req.State.ConsecutiveErrors)
	}
	b.WriteString("Write what the coach says next.")
	return b.String()
}

func toneHint(t model.Tone) string {
	switch t {
	case model.ToneWarm:
		return "warm, playful and encouraging"
	default:
		return "calm, slow and soothing"
	}
}

func levelHint(level model.Level) string {
	switch level {
	case model.LevelGreen:
		return "The child is doing fine. Keep the energy up."
	case model.LevelYellow:
		return "The child may be getting tired or stuck. Lower the pressure and make it easy to move on."
	case model.LevelOrange:
		return "The child is struggling. Slow down, reassure, and offer a pause."
	case model.LevelRed:
		return "The child is very upset. Only comfort. Do not mention the task. Offer breathing or getting a grown-up."
	default:
		return ""
	}
}
