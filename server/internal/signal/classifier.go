package signal

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

// DefaultClassifierTimeout 文本分类调用的默认超时。
const DefaultClassifierTimeout = 7 * time.Second

const classifierSystemPrompt = `You classify one short utterance spoken by a young child during a speech-therapy picture game.
Return four independent booleans and a confidence between 0 and 1:
- break_request: the child asks for a break or a pause.
- quit_request: the child wants to stop playing altogether.
- frustration: the child sounds annoyed or fed up.
- distress: the child is upset, scared, crying or screaming.

Most utterances are answers to the game's questions. Single-word answers such as "sad", "slow", "angry" or "tired bear"
name things on the card and are normal answers. Do NOT read them as distress or as a break request.
When unsure, answer false.`

// ClassificationSchema 分类回复的 schema。逐字段校验：未知字段忽略，
// 缺失或类型不对的字段按 false / 0.5 处理，不会连带丢掉其余字段。
var ClassificationSchema = llm.MustCompileSchema(&llm.JSONSchema{
	Name: "text_classification",
	Schema: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"break_request": map[string]any{"type": "boolean"},
			"quit_request":  map[string]any{"type": "boolean"},
			"frustration":   map[string]any{"type": "boolean"},
			"distress":      map[string]any{"type": "boolean"},
			"confidence":    map[string]any{"type": []string{"number", "null"}},
		},
	},
})

// Flags 分类后端给出的四个独立布尔值。
type Flags struct {
	BreakRequest bool
	QuitRequest  bool
	Frustration  bool
	Distress     bool
}

// Signals 按固定顺序映射为信号。
func (f Flags) Signals() []model.Signal {
	out := make([]model.Signal, 0, 4)
	if f.BreakRequest {
		out = append(out, model.SignalWantsBreak)
	}
	if f.QuitRequest {
		out = append(out, model.SignalWantsQuit)
	}
	if f.Frustration {
		out = append(out, model.SignalFrustration)
	}
	if f.Distress {
		out = append(out, model.SignalDistress)
	}
	return out
}

// Classification 一次文本分类的结果。失败不以 error 返回，而是体现在 Source 和 Err 上。
type Classification struct {
	Signals []model.Signal
	// Confidence 仅供参考，不参与判定。
	Confidence float64
	Source     model.ClassificationSource
	// Err 后端失败原因；Source 为 keyword 时才可能非空。
	Err error
}

type classifierReply struct {
	BreakRequest *bool    `json:"break_request"`
	QuitRequest  *bool    `json:"quit_request"`
	Frustration  *bool    `json:"frustration"`
	Distress     *bool    `json:"distress"`
	Confidence   *float64 `json:"confidence"`
}

func (r classifierReply) flags() Flags {
	return Flags{
		BreakRequest: deref(r.BreakRequest),
		QuitRequest:  deref(r.QuitRequest),
		Frustration:  deref(r.Frustration),
		Distress:     deref(r.Distress),
	}
}

func deref(b *bool) bool { return b != nil && *b }

// Classifier 调用 LLM 做文本分类，失败时降级到关键词匹配。
type Classifier struct {
	client   llm.Client
	timeout  time.Duration
	fallback func(string) []model.Signal
	logger   *zap.Logger
}

// NewClassifier 创建分类器。client 为 nil 时只用关键词匹配。
func NewClassifier(client llm.Client, timeout time.Duration, logger *zap.Logger) *Classifier {
	if timeout <= 0 {
		timeout = DefaultClassifierTimeout
	}
	return &Classifier{
		client:   client,
		timeout:  timeout,
		fallback: KeywordFallback,
		logger:   logging.OrNop(logger).With(zap.String("component", "classifier")),
	}
}

// WithFallback 替换兜底匹配器（测试用来统计调用次数）。
func (c *Classifier) WithFallback(fn func(string) []model.Signal) *Classifier {
	c.fallback = fn
	return c
}

// Classify 对一句话做分类。永远返回结果，不返回 error。
func (c *Classifier) Classify(ctx context.Context, text string) Classification {
	if c.client == nil {
		return c.degrade(text, errors.New("no classifier backend configured"))
	}

	flags, confidence, err := c.classifyWithLLM(ctx, text)
	if err != nil {
		return c.degrade(text, err)
	}
	return Classification{
		Signals:    flags.Signals(),
		Confidence: confidence,
		Source:     model.ClassificationLLM,
	}
}

func (c *Classifier) classifyWithLLM(ctx context.Context, text string) (Flags, float64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := []llm.Message{
		{Role: "system", Content: classifierSystemPrompt},
		{Role: "user", Content: text},
	}
	reply, err := c.client.Complete(ctx, messages, ClassificationSchema.Definition())
	if err != nil {
		return Flags{}, 0, fmt.Errorf("classifier call: %w", err)
	}

	var parsed classifierReply
	dropped, err := ClassificationSchema.DecodeFields(reply, &parsed)
	if err != nil {
		return Flags{}, 0, fmt.Errorf("classifier reply: %w", err)
	}
	if len(dropped) > 0 {
		c.logger.Warn("classifier reply had malformed fields, using defaults", zap.Strings("fields", dropped))
	}

	confidence := 0.5
	if parsed.Confidence != nil {
		confidence = min(max(*parsed.Confidence, 0), 1)
	}
	return parsed.flags(), confidence, nil
}

// degrade 关键词兜底，每次降级只调用一次 fallback。
func (c *Classifier) degrade(text string, cause error) Classification {
	signals := c.fallback(text)
	c.logger.Warn("text classification degraded to keyword fallback",
		zap.Error(cause),
		zap.Int("utterance_chars", len(strings.TrimSpace(text))),
		zap.Int("signals", len(signals)),
	)
	return Classification{
		Signals:    signals,
		Confidence: 0.5,
		Source:     model.ClassificationKeyword,
		Err:        cause,
	}
}
