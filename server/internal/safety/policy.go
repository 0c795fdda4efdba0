package safety

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"speech-coach/server/internal/model"
)

// Thresholds 评估与选择用到的全部阈值。
// 历史版本的阈值互不一致，这里按最新一版给默认值，允许从策略文件覆盖。
type Thresholds struct {
	RedDysregulation         float64 `yaml:"red_dysregulation"`
	RedDistressDysregulation float64 `yaml:"red_distress_dysregulation"`

	OrangeDysregulation     float64 `yaml:"orange_dysregulation"`
	OrangeConsecutiveErrors int     `yaml:"orange_consecutive_errors"`
	OrangeFatigue           float64 `yaml:"orange_fatigue"`

	YellowEngagement        float64 `yaml:"yellow_engagement"`
	YellowDysregulation     float64 `yaml:"yellow_dysregulation"`
	YellowConsecutiveErrors int     `yaml:"yellow_consecutive_errors"`
	YellowFatigue           float64 `yaml:"yellow_fatigue"`

	BreathingDysregulation    float64 `yaml:"breathing_dysregulation"`
	SkipCardConsecutiveErrors int     `yaml:"skip_card_consecutive_errors"`
}

// Presets 每个等级对应的会话参数。
type Presets struct {
	Green  model.SessionConfig `yaml:"green"`
	Yellow model.SessionConfig `yaml:"yellow"`
	Orange model.SessionConfig `yaml:"orange"`
	Red    model.SessionConfig `yaml:"red"`
}

// Policy 安全策略：阈值 + 预设 + 少量开关。
type Policy struct {
	Thresholds Thresholds `yaml:"thresholds"`
	Presets    Presets    `yaml:"presets"`
	// GreenOffersRetry 宽松变体：GREEN 也给出 RETRY_CARD。
	GreenOffersRetry bool `yaml:"green_offers_retry"`
	// BreakDivisor 定时休息：time_since_break >= 会话时长 / BreakDivisor。
	BreakDivisor float64 `yaml:"break_divisor"`
}

// DefaultPolicy 返回默认策略。
func DefaultPolicy() Policy {
	baseline := model.SessionConfig{
		PromptIntensity:   2,
		AvatarTone:        model.ToneWarm,
		MaxTaskTime:       60,
		InactivityTimeout: 30,
	}

	yellow := baseline
	yellow.PromptIntensity = 1
	yellow.AvatarTone = model.ToneCalm
	yellow.MaxTaskTime = 45
	yellow.InactivityTimeout = 25

	orange := baseline
	orange.PromptIntensity = 0
	orange.AvatarTone = model.ToneCalm
	orange.MaxTaskTime = 30
	orange.InactivityTimeout = 20

	// RED 只改节奏与语气，任务时长沿用基线：此时主流程是休息/叫大人而不是做题。
	red := baseline
	red.PromptIntensity = 0
	red.AvatarTone = model.ToneCalm
	red.InactivityTimeout = 15

	return Policy{
		Thresholds: Thresholds{
			RedDysregulation:          9,
			RedDistressDysregulation:  7,
			OrangeDysregulation:       7,
			OrangeConsecutiveErrors:   5,
			OrangeFatigue:             8,
			YellowEngagement:          3,
			YellowDysregulation:       5,
			YellowConsecutiveErrors:   3,
			YellowFatigue:             6,
			BreathingDysregulation:    4,
			SkipCardConsecutiveErrors: 3,
		},
		Presets: Presets{
			Green:  baseline,
			Yellow: yellow,
			Orange: orange,
			Red:    red,
		},
		BreakDivisor: 3,
	}
}

// Preset 按等级取会话参数。
func (p Policy) Preset(level model.Level) model.SessionConfig {
	switch level {
	case model.LevelRed:
		return p.Presets.Red
	case model.LevelOrange:
		return p.Presets.Orange
	case model.LevelYellow:
		return p.Presets.Yellow
	default:
		return p.Presets.Green
	}
}

// Validate 检查策略自洽：等级越高阈值不能越宽松，节奏不能越紧。
func (p Policy) Validate() error {
	t := p.Thresholds
	var errs []error

	if t.RedDysregulation < t.OrangeDysregulation {
		errs = append(errs, fmt.Errorf("red_dysregulation (%v) below orange_dysregulation (%v)", t.RedDysregulation, t.OrangeDysregulation))
	}
	if t.OrangeDysregulation < t.YellowDysregulation {
		errs = append(errs, fmt.Errorf("orange_dysregulation (%v) below yellow_dysregulation (%v)", t.OrangeDysregulation, t.YellowDysregulation))
	}
	if t.OrangeConsecutiveErrors < t.YellowConsecutiveErrors {
		errs = append(errs, fmt.Errorf("orange_consecutive_errors (%d) below yellow_consecutive_errors (%d)", t.OrangeConsecutiveErrors, t.YellowConsecutiveErrors))
	}
	if t.OrangeFatigue < t.YellowFatigue {
		errs = append(errs, fmt.Errorf("orange_fatigue (%v) below yellow_fatigue (%v)", t.OrangeFatigue, t.YellowFatigue))
	}
	for name, v := range map[string]float64{
		"red_dysregulation":          t.RedDysregulation,
		"red_distress_dysregulation": t.RedDistressDysregulation,
		"orange_dysregulation":       t.OrangeDysregulation,
		"orange_fatigue":             t.OrangeFatigue,
		"yellow_engagement":          t.YellowEngagement,
		"yellow_dysregulation":       t.YellowDysregulation,
		"yellow_fatigue":             t.YellowFatigue,
		"breathing_dysregulation":    t.BreathingDysregulation,
	} {
		if v < model.ScaleMin || v > model.ScaleMax {
			errs = append(errs, fmt.Errorf("%s out of range [0,10]: %v", name, v))
		}
	}

	for _, level := range model.Levels() {
		cfg := p.Preset(level)
		if cfg.PromptIntensity < 0 || cfg.PromptIntensity > 3 {
			errs = append(errs, fmt.Errorf("%s prompt_intensity out of range [0,3]: %d", level, cfg.PromptIntensity))
		}
		if cfg.AvatarTone != model.ToneCalm && cfg.AvatarTone != model.ToneWarm {
			errs = append(errs, fmt.Errorf("%s avatar_tone must be calm or warm, got %q", level, cfg.AvatarTone))
		}
		if cfg.MaxTaskTime <= 0 || cfg.InactivityTimeout <= 0 {
			errs = append(errs, fmt.Errorf("%s timings must be positive", level))
		}
	}
	if p.Presets.Red.PromptIntensity != 0 {
		errs = append(errs, errors.New("red prompt_intensity must be 0"))
	}
	if p.Presets.Orange.MaxTaskTime > p.Presets.Yellow.MaxTaskTime || p.Presets.Yellow.MaxTaskTime > p.Presets.Green.MaxTaskTime {
		errs = append(errs, errors.New("max_task_time must not grow with severity (orange <= yellow <= green)"))
	}
	if p.BreakDivisor <= 0 {
		errs = append(errs, fmt.Errorf("break_divisor must be positive, got %v", p.BreakDivisor))
	}

	return errors.Join(errs...)
}

// LoadPolicy 读取策略文件；文件里缺省的字段保留默认值。
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy 解析 YAML 策略并校验。
func ParsePolicy(data []byte) (Policy, error) {
	policy := DefaultPolicy()
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, fmt.Errorf("validate policy: %w", err)
	}
	return policy, nil
}

// PolicyStore 并发安全地持有当前策略，支持热更新。
// 每轮开始时取一次快照，同一轮内不会看到两份策略。
type PolicyStore struct {
	current atomic.Pointer[Policy]
}

func NewPolicyStore(initial Policy) *PolicyStore {
	s := &PolicyStore{}
	s.current.Store(&initial)
	return s
}

// Snapshot 返回当前策略的副本。
func (s *PolicyStore) Snapshot() Policy {
	return *s.current.Load()
}

// Replace 校验后替换；校验失败时保留旧策略。
func (s *PolicyStore) Replace(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.current.Store(&p)
	return nil
}

// ReloadFile 从文件重新加载。
func (s *PolicyStore) ReloadFile(path string) error {
	p, err := LoadPolicy(path)
	if err != nil {
		return err
	}
	s.current.Store(&p)
	return nil
}
