// Package speech 用 Amazon Polly 把校验通过的教练台词转成语音。
package speech

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"speech-coach/server/internal/config"
	"speech-coach/server/internal/logging"
	"speech-coach/server/internal/model"
)

var (
	ErrDisabled    = errors.New("speech synthesis disabled")
	ErrEmptyText   = errors.New("nothing to say")
	ErrThrottled   = errors.New("speech provider throttled")
	ErrRejected    = errors.New("speech provider rejected request")
	ErrUnavailable = errors.New("speech provider unavailable")
)

// Polly 单次请求的字符上限（SSML 标签计入）
const maxSSMLChars = 3000

// Audio 合成结果
type Audio struct {
	ContentType string
	Data        []byte
}

// Synthesizer 语音合成接口
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, tone model.Tone) (*Audio, error)
}

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

// PollySynthesizer 基于 Amazon Polly 的合成器；AWS 客户端首次使用时才创建。
type PollySynthesizer struct {
	mu     sync.Mutex
	client synthClient
	cfg    config.SpeechConfig
	logger *zap.Logger
}

// NewPollySynthesizer 创建合成器
func NewPollySynthesizer(cfg config.SpeechConfig, logger *zap.Logger) *PollySynthesizer {
	return newPollySynthesizer(cfg, nil, logger)
}

func newPollySynthesizer(cfg config.SpeechConfig, client synthClient, logger *zap.Logger) *PollySynthesizer {
	if strings.TrimSpace(cfg.Region) == "" {
		cfg.Region = "us-east-1"
	}
	if strings.TrimSpace(cfg.VoiceID) == "" {
		cfg.VoiceID = "Ivy"
	}
	if strings.TrimSpace(cfg.Engine) == "" {
		cfg.Engine = "neural"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &PollySynthesizer{
		client: client,
		cfg:    cfg,
		logger: logging.OrNop(logger).With(zap.String("component", "polly")),
	}
}

// Synthesize 按语气生成 SSML 并合成 mp3。
func (p *PollySynthesizer) Synthesize(ctx context.Context, text string, tone model.Tone) (*Audio, error) {
	if !p.cfg.Enabled {
		return nil, ErrDisabled
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyText
	}
	ssml, err := BuildSSML(text, tone)
	if err != nil {
		return nil, err
	}

	client, err := p.resolveClient(ctx)
	if err != nil {
		return nil, err
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(p.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	start := time.Now()
	output, err := client.SynthesizeSpeech(ctx, &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatMp3,
		Text:         aws.String(ssml),
		TextType:     pollytypes.TextTypeSsml,
		VoiceId:      pollytypes.VoiceId(p.cfg.VoiceID),
	})
	if err != nil {
		mapped := normalizePollyError(err)
		p.logger.Warn("synthesize failed", zap.Error(err), zap.NamedError("class", mapped))
		return nil, mapped
	}
	if output == nil || output.AudioStream == nil {
		return nil, fmt.Errorf("%w: empty audio stream", ErrUnavailable)
	}
	defer output.AudioStream.Close()

	data, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", ErrUnavailable, err)
	}

	contentType := "audio/mpeg"
	if ct := aws.ToString(output.ContentType); ct != "" {
		contentType = ct
	}
	p.logger.Debug("synthesized",
		zap.Int("chars", len(text)),
		zap.Int("bytes", len(data)),
		zap.Duration("latency", time.Since(start)),
	)
	return &Audio{ContentType: contentType, Data: data}, nil
}

// BuildSSML 平静语气放慢语速，温暖语气保持正常语速。
func BuildSSML(text string, tone model.Tone) (string, error) {
	rate := "medium"
	if tone != model.ToneWarm {
		rate = "slow"
	}

	var escaped bytes.Buffer
	if err := xml.EscapeText(&escaped, []byte(strings.TrimSpace(text))); err != nil {
		return "", fmt.Errorf("escape text: %w", err)
	}
	ssml := fmt.Sprintf(`<speak><prosody rate="%s">%s</prosody></speak>`, rate, escaped.String())
	if len(ssml) > maxSSMLChars {
		return "", fmt.Errorf("%w: text too long (%d chars)", ErrRejected, len(ssml))
	}
	return ssml, nil
}

func normalizePollyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return fmt.Errorf("%w: %s", ErrThrottled, apiErr.ErrorMessage())
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "EngineNotSupportedException":
			return fmt.Errorf("%w: %s", ErrRejected, apiErr.ErrorCode())
		default:
			return fmt.Errorf("%w: %s", ErrUnavailable, apiErr.ErrorCode())
		}
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

func (p *PollySynthesizer) resolveClient(ctx context.Context) (synthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.client != nil {
		return p.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(p.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	p.client = polly.NewFromConfig(awsCfg)
	return p.client, nil
}
